// Package retry repeats an operation on a schedule until it succeeds,
// returns an unrecoverable error or the schedule runs out.
package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrTooManyAttempts = errors.New("too many retry attempts")

// Callable gets the current attempt number starting from 1
type Callable func(attempt int) error

type recoverable struct {
	error
	attempt int
}

func (e *recoverable) Unwrap() error {
	return e.error
}

// Error marks err as recoverable, any other error returned by a Callable stops the retries
func Error(err error, attempt int) error {
	if err == nil {
		return nil
	}

	return &recoverable{error: err, attempt: attempt}
}

// Schedule tells how long to wait before the attempt that follows attempt,
// ok is false when no more attempts are allowed
type Schedule interface {
	Delay(attempt int) (wait time.Duration, ok bool)
}

// Run calls cb until it returns nil or an error not marked with Error
func Run(ctx context.Context, s Schedule, cb Callable) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		err := cb(attempt)
		if err == nil {
			return nil
		}

		var r *recoverable
		if !errors.As(err, &r) {
			return errors.Wrapf(err, "attempt %d failed", attempt)
		}

		wait, ok := s.Delay(attempt)
		if !ok {
			return errors.Wrap(ErrTooManyAttempts, r.Error())
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Incremental waits one more step after every failed attempt
func Incremental(ctx context.Context, step time.Duration, maxAttempts int, cb Callable) error {
	return Run(ctx, Linear{Step: step, MaxAttempts: maxAttempts}, cb)
}

// Within retries every step until the budget is spent
func Within(ctx context.Context, step, budget time.Duration, cb Callable) error {
	return Run(ctx, &Budget{Step: step, Deadline: time.Now().Add(budget)}, cb)
}

// Forever retries every step until cb succeeds or ctx is done
func Forever(ctx context.Context, step time.Duration, cb Callable) error {
	return Run(ctx, Constant(step), cb)
}

type Linear struct {
	Step        time.Duration
	MaxAttempts int
}

func (l Linear) Delay(attempt int) (time.Duration, bool) {
	if attempt >= l.MaxAttempts {
		return 0, false
	}

	return time.Duration(attempt) * l.Step, true
}

type Budget struct {
	Step     time.Duration
	Deadline time.Time
}

func (b *Budget) Delay(int) (time.Duration, bool) {
	left := time.Until(b.Deadline)
	if left <= 0 {
		return 0, false
	}

	if left < b.Step {
		return left, true
	}

	return b.Step, true
}

type Constant time.Duration

func (c Constant) Delay(int) (time.Duration, bool) {
	return time.Duration(c), true
}
