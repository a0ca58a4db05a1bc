package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry(t *testing.T) {
	t.Run("single successful try", func(t *testing.T) {
		runs := 0

		err := Incremental(context.Background(), 2*time.Millisecond, 5, func(attempt int) error {
			runs++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, runs)
	})

	t.Run("success from the third time", func(t *testing.T) {
		runs := 0

		err := Incremental(context.Background(), 2*time.Millisecond, 4, func(attempt int) error {
			runs++
			if attempt < 3 {
				return Error(errors.New("attempt failed"), attempt)
			}

			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, runs)
	})

	t.Run("fails when attempt limit is exhausted", func(t *testing.T) {
		runs := 0

		err := Incremental(context.Background(), 2*time.Millisecond, 4, func(attempt int) error {
			runs++
			if attempt < 5 {
				return Error(errors.New("attempt failed"), attempt)
			}

			return nil
		})

		assert.True(t, errors.Is(err, ErrTooManyAttempts))
		assert.Contains(t, err.Error(), "attempt failed")
		assert.Equal(t, 4, runs)
	})

	t.Run("fails if not an instance of retry error is returned from callback", func(t *testing.T) {
		runs := 0

		err := Incremental(context.Background(), 2*time.Millisecond, 4, func(attempt int) error {
			runs++
			return errors.New("some error")
		})

		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrTooManyAttempts))
		assert.Equal(t, 1, runs)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		runs := 0

		err := Incremental(ctx, 50*time.Millisecond, 10, func(attempt int) error {
			runs++
			cancel()
			return Error(errors.New("attempt failed"), attempt)
		})

		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, runs)
	})
}

func TestWithin(t *testing.T) {
	t.Run("gives up once the budget is spent", func(t *testing.T) {
		start := time.Now()
		runs := 0

		err := Within(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(attempt int) error {
			runs++
			return Error(errors.New("lock is busy"), attempt)
		})

		assert.True(t, errors.Is(err, ErrTooManyAttempts))
		assert.Greater(t, runs, 1)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("succeeds within the budget", func(t *testing.T) {
		err := Within(context.Background(), time.Millisecond, time.Second, func(attempt int) error {
			if attempt < 3 {
				return Error(errors.New("lock is busy"), attempt)
			}
			return nil
		})

		assert.NoError(t, err)
	})
}

func TestSchedules(t *testing.T) {
	t.Run("linear delay grows by one step", func(t *testing.T) {
		l := Linear{Step: 10 * time.Millisecond, MaxAttempts: 3}

		d, ok := l.Delay(1)
		assert.True(t, ok)
		assert.Equal(t, 10*time.Millisecond, d)

		d, ok = l.Delay(2)
		assert.True(t, ok)
		assert.Equal(t, 20*time.Millisecond, d)

		_, ok = l.Delay(3)
		assert.False(t, ok)
	})

	t.Run("budget never waits past the deadline", func(t *testing.T) {
		b := &Budget{Step: time.Hour, Deadline: time.Now().Add(time.Second)}

		d, ok := b.Delay(1)
		assert.True(t, ok)
		assert.LessOrEqual(t, d, time.Second)

		_, ok = (&Budget{Step: time.Second, Deadline: time.Now().Add(-time.Second)}).Delay(1)
		assert.False(t, ok)
	})

	t.Run("forever stops with the context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		runs := 0
		err := Forever(ctx, time.Millisecond, func(attempt int) error {
			runs++
			return Error(errors.New("not yet"), attempt)
		})

		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Greater(t, runs, 1)
	})
}
