package replica

import "errors"

var (
	// ErrRegistrationExhausted is returned by Register when every per-thread
	// slot on the replica is taken.
	ErrRegistrationExhausted = errors.New("replica: no free thread slot")

	// ErrReentrantExecute is returned when a token already has an operation
	// outstanding. Tokens belong to one goroutine at a time.
	ErrReentrantExecute = errors.New("replica: token already has an outstanding operation")

	// ErrInvalidToken is returned for tokens issued by another replica, the
	// zero Token, and tokens used after Deregister.
	ErrInvalidToken = errors.New("replica: invalid token")

	// ErrClosed is returned by operations on a replica after Close.
	ErrClosed = errors.New("replica: closed")
)
