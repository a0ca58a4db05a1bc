package memory

import (
	"context"
	"time"

	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

func (e *Engine) Lock(ctx context.Context) error {
	if e.noLock {
		return nil
	}

	if e.lockTimeout == 0 {
		select {
		case e.lock <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(e.lockTimeout)
	defer timer.Stop()

	select {
	case e.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return errors.Wrapf(schema.ErrLockContention, "gave up after %s", e.lockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Unlock(context.Context) error {
	if e.noLock {
		return nil
	}

	select {
	case <-e.lock:
		return nil
	default:
		return errors.New("migrations lock is not held")
	}
}
