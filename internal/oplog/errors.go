package oplog

import "errors"

var (
	// ErrLogFull is returned by Append when the reservation cannot complete
	// because lagging replicas still hold the slots it needs and the log may
	// not grow any further.
	ErrLogFull = errors.New("oplog: log full")

	// ErrTooManyReplicas is returned by Register when every replica cursor is taken.
	ErrTooManyReplicas = errors.New("oplog: too many replicas")

	// ErrLateRegistration is returned by Register once entries have been
	// reclaimed, since a new replica could no longer replay from offset zero.
	ErrLateRegistration = errors.New("oplog: entries already reclaimed, replica cannot catch up")

	// ErrUnknownReplica is returned when an id was never registered or has
	// been unregistered.
	ErrUnknownReplica = errors.New("oplog: unknown replica")

	// ErrInvalidCapacity is returned by New for capacities that are not a
	// power of two or are inconsistent with each other.
	ErrInvalidCapacity = errors.New("oplog: capacity must be a power of two")
)
