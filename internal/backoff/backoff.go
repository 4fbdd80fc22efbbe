package backoff

import (
	"errors"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrExhausted is returned by Pause once a bounded policy has used up its
// attempt budget. Callers treat it as "stop waiting", never as corruption.
var ErrExhausted = errors.New("backoff: wait budget exhausted")

// Policy creates a fresh Backoff for every wait loop. Policies are immutable
// and safe to share between goroutines; the Backoff they return is not.
type Policy interface {
	Start() Backoff
}

// Backoff paces a single busy-wait loop.
type Backoff interface {
	// Pause waits a little before the caller polls again.
	// Returns ErrExhausted when the loop should give up.
	Pause() error
}

// Spin busy-loops for a fixed number of iterations on every pause.
// It never yields the processor, which matches a core that owns its CPU.
type Spin struct {
	Iterations int // Empty loop iterations per pause (default 64)
	Limit      int // Maximum pauses, 0 for unbounded
}

// Start implements Policy.
func (s Spin) Start() Backoff {
	n := s.Iterations
	if n <= 0 {
		n = 64
	}
	return &spinner{iterations: n, limit: s.Limit}
}

type spinner struct {
	iterations int
	limit      int
	attempts   int
}

func (s *spinner) Pause() error {
	if s.limit > 0 && s.attempts >= s.limit {
		return ErrExhausted
	}
	s.attempts++
	spin(s.iterations)
	return nil
}

// Yield hands the processor back to the Go scheduler on every pause.
type Yield struct {
	Limit int // Maximum pauses, 0 for unbounded
}

// Start implements Policy.
func (y Yield) Start() Backoff {
	return &yielder{limit: y.Limit}
}

type yielder struct {
	limit    int
	attempts int
}

func (y *yielder) Pause() error {
	if y.limit > 0 && y.attempts >= y.limit {
		return ErrExhausted
	}
	y.attempts++
	runtime.Gosched()
	return nil
}

// Exponential escalates from spinning to yielding to sleeping.
//
// Escalation:
//
//	attempt:  0 ........ SpinAttempts ........ +YieldAttempts ........ Limit
//	action:   spin 2^n iterations | runtime.Gosched | Clock.Sleep(Base<<k, capped at Max)
//
// The sleep phase goes through Clock so tests can drive it with a mock.
type Exponential struct {
	SpinAttempts  int           // Pauses spent spinning (default 6)
	YieldAttempts int           // Pauses spent yielding after spinning (default 16)
	BaseDelay     time.Duration // First sleep (default 1µs)
	MaxDelay      time.Duration // Sleep cap (default 1ms)
	Limit         int           // Maximum pauses, 0 for unbounded
	Clock         clock.Clock   // Defaults to the wall clock
}

// Start implements Policy.
func (e Exponential) Start() Backoff {
	x := &exponential{cfg: e}
	if x.cfg.SpinAttempts <= 0 {
		x.cfg.SpinAttempts = 6
	}
	if x.cfg.YieldAttempts <= 0 {
		x.cfg.YieldAttempts = 16
	}
	if x.cfg.BaseDelay <= 0 {
		x.cfg.BaseDelay = time.Microsecond
	}
	if x.cfg.MaxDelay <= 0 {
		x.cfg.MaxDelay = time.Millisecond
	}
	if x.cfg.Clock == nil {
		x.cfg.Clock = clock.New()
	}
	return x
}

type exponential struct {
	cfg      Exponential
	attempts int
}

func (e *exponential) Pause() error {
	if e.cfg.Limit > 0 && e.attempts >= e.cfg.Limit {
		return ErrExhausted
	}
	n := e.attempts
	e.attempts++

	switch {
	case n < e.cfg.SpinAttempts:
		spin(1 << uint(n+4))
	case n < e.cfg.SpinAttempts+e.cfg.YieldAttempts:
		runtime.Gosched()
	default:
		e.cfg.Clock.Sleep(e.delay(n - e.cfg.SpinAttempts - e.cfg.YieldAttempts))
	}
	return nil
}

// delay returns Base<<k capped at Max without overflowing the shift.
func (e *exponential) delay(k int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 0; i < k && d < e.cfg.MaxDelay; i++ {
		d <<= 1
	}
	return min(d, e.cfg.MaxDelay)
}

// Default is the policy used when a component is given none.
func Default() Policy {
	return Exponential{}
}

// Until polls cond, pausing between polls, until it reports true.
// Returns ErrExhausted if the policy gives up first.
func Until(p Policy, cond func() bool) error {
	if cond() {
		return nil
	}
	b := p.Start()
	for !cond() {
		if err := b.Pause(); err != nil {
			return err
		}
	}
	return nil
}

//go:noinline
func spin(n int) {
	for i := 0; i < n; i++ {
	}
}
