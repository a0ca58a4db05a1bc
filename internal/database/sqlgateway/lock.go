package sqlgateway

import (
	"context"
	"time"

	"github.com/denismitr/dram/internal/retry"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

const DefaultLockPollStep = 100 * time.Millisecond

// TryLock makes one attempt to take a lock, false means somebody else holds it
type TryLock func(ctx context.Context) (bool, error)

// PollLock repeats try every step, forever when timeout is zero,
// otherwise until the timeout is spent and the result is ErrLockContention
func PollLock(ctx context.Context, timeout, step time.Duration, try TryLock) error {
	attempt := func(n int) error {
		ok, err := try(ctx)
		if err != nil {
			return err
		}

		if !ok {
			return retry.Error(errors.Errorf("lock is taken, attempt %d", n), n)
		}

		return nil
	}

	if timeout == 0 {
		return retry.Forever(ctx, step, attempt)
	}

	err := retry.Within(ctx, step, timeout, attempt)
	if errors.Is(err, retry.ErrTooManyAttempts) {
		return errors.Wrapf(schema.ErrLockContention, "gave up after %s", timeout)
	}

	return err
}
