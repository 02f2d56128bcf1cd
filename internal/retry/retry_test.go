package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("serialization conflict")

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errConflict
	})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 2, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errConflict
	})
	assert.Equal(t, 1, calls)
}

func TestPermanent_StopsAndUnwraps(t *testing.T) {
	rejected := errors.New("webhook rejected event")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(rejected)
	})
	assert.Same(t, rejected, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, Permanent(nil))
}

func TestPolicy_RetryableFilter(t *testing.T) {
	insufficient := errors.New("insufficient funds")
	p := Policy{
		Attempts:  5,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errConflict) },
	}

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errConflict
		}
		return insufficient
	})
	assert.ErrorIs(t, err, insufficient)
	assert.Equal(t, 2, calls, "business failures are not replayed")
}

func TestPolicy_OnRetryCountsWaits(t *testing.T) {
	var seen []int
	p := Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		OnRetry:   func(attempt int, _ error) { seen = append(seen, attempt) },
	}
	_ = p.Do(context.Background(), func() error { return errConflict })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestPolicy_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		Attempts:  10,
		BaseDelay: time.Hour,
		OnRetry:   func(int, error) { cancel() },
	}

	start := time.Now()
	err := p.Do(ctx, func() error { return errConflict })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.delay(attempt)
		assert.LessOrEqual(t, d, 375*time.Millisecond, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond, "attempt %d", attempt)
	}

	unbounded := Policy{BaseDelay: 100 * time.Millisecond}
	assert.GreaterOrEqual(t, unbounded.delay(4), 600*time.Millisecond)
}

func TestJittered_StaysWithinQuarter(t *testing.T) {
	for range 100 {
		d := jittered(time.Second)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jittered(0))
}
