package backoff

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPolicyLimits verifies that every bounded policy stops after Limit pauses
func TestPolicyLimits(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		limit  int
	}{
		{name: "spin", policy: Spin{Iterations: 1, Limit: 5}, limit: 5},
		{name: "yield", policy: Yield{Limit: 3}, limit: 3},
		{name: "exponential", policy: Exponential{SpinAttempts: 2, YieldAttempts: 2, Limit: 4}, limit: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.policy.Start()
			for i := 0; i < tt.limit; i++ {
				require.NoError(t, b.Pause(), "pause %d", i)
			}
			assert.ErrorIs(t, b.Pause(), ErrExhausted)
		})
	}
}

// TestPolicyStartIsFresh verifies that each Start gets its own budget
func TestPolicyStartIsFresh(t *testing.T) {
	p := Spin{Iterations: 1, Limit: 1}

	first := p.Start()
	require.NoError(t, first.Pause())
	require.ErrorIs(t, first.Pause(), ErrExhausted)

	second := p.Start()
	assert.NoError(t, second.Pause())
}

// TestUnboundedSpin verifies that a zero limit never exhausts
func TestUnboundedSpin(t *testing.T) {
	b := Spin{Iterations: 1}.Start()
	for i := 0; i < 1000; i++ {
		require.NoError(t, b.Pause())
	}
}

// TestExponentialSleepsThroughClock verifies that the sleep phase uses the
// injected clock and that delays are capped
func TestExponentialSleepsThroughClock(t *testing.T) {
	mock := clock.NewMock()
	p := Exponential{
		SpinAttempts:  1,
		YieldAttempts: 1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		Clock:         mock,
	}
	b := p.Start()

	// Spin and yield phases return without touching the clock
	require.NoError(t, b.Pause())
	require.NoError(t, b.Pause())

	var slept atomic.Bool
	go func() {
		_ = b.Pause()
		slept.Store(true)
	}()

	// The sleeper is parked on the mock clock until time moves
	assert.Eventually(t, func() bool {
		mock.Add(time.Millisecond)
		return slept.Load()
	}, time.Second, time.Millisecond)
}

// TestExponentialDelay verifies the capped doubling schedule
func TestExponentialDelay(t *testing.T) {
	e := &exponential{cfg: Exponential{BaseDelay: time.Microsecond, MaxDelay: 10 * time.Microsecond}}

	assert.Equal(t, time.Microsecond, e.delay(0))
	assert.Equal(t, 2*time.Microsecond, e.delay(1))
	assert.Equal(t, 8*time.Microsecond, e.delay(3))
	assert.Equal(t, 10*time.Microsecond, e.delay(4))
	assert.Equal(t, 10*time.Microsecond, e.delay(200))
}

// TestUntil verifies polling until a condition holds or the budget runs out
func TestUntil(t *testing.T) {
	t.Run("condition already true", func(t *testing.T) {
		assert.NoError(t, Until(Spin{Limit: 1}, func() bool { return true }))
	})

	t.Run("condition becomes true", func(t *testing.T) {
		calls := 0
		err := Until(Spin{Iterations: 1, Limit: 10}, func() bool {
			calls++
			return calls == 3
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("condition never true", func(t *testing.T) {
		err := Until(Yield{Limit: 5}, func() bool { return false })
		assert.ErrorIs(t, err, ErrExhausted)
	})
}
