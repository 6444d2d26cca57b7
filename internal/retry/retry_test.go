package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func TestExecute_StopsAtMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		e := NewExecutor(time.Millisecond, 2*time.Millisecond)
		calls := 0

		err := e.Execute(context.Background(), n, func(ctx context.Context) error {
			calls++
			return errFlaky
		})

		require.Error(t, err)
		assert.Equal(t, n, calls, "operation must be invoked exactly maxAttempts times")
		assert.ErrorIs(t, err, errFlaky)

		var attemptsErr *AttemptsError
		require.ErrorAs(t, err, &attemptsErr)
		assert.Equal(t, n, attemptsErr.Attempts)
	}
}

func TestExecute_ReturnsFirstSuccess(t *testing.T) {
	e := NewExecutor(time.Millisecond, 0)
	calls := 0

	got, err := Do(context.Background(), e, 3, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errFlaky
		}
		return "tx-1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "tx-1", got)
	assert.Equal(t, 2, calls)
}

func TestExecute_PermanentErrorIsNotRetried(t *testing.T) {
	e := NewExecutor(time.Millisecond, 0)
	calls := 0
	errBad := errors.New("rejected")

	err := e.Execute(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return Permanent(errBad)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errBad)
}

func TestExecute_BackoffGrows(t *testing.T) {
	e := NewExecutor(10*time.Millisecond, 0)
	var stamps []time.Time

	_ = e.Execute(context.Background(), 3, func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		return errFlaky
	})

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 20*time.Millisecond)
}

func TestExecute_ContextCancelStopsRetrying(t *testing.T) {
	e := NewExecutor(time.Hour, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := e.Execute(ctx, 10, func(ctx context.Context) error {
		calls++
		return errFlaky
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, errFlaky)
}
