package postgres

import (
	"context"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/pkg/errors"
)

const DefaultLockKey int64 = 99887766

// Locker takes a session level advisory lock on the gateway connection
type Locker struct {
	ex      sqlgateway.Executor
	lockKey int64
	timeout time.Duration
	step    time.Duration
	noLock  bool
}

var _ database.Locker = (*Locker)(nil)

func NewLocker(ex sqlgateway.Executor, lockKey int64, timeout time.Duration, noLock bool) *Locker {
	if lockKey == 0 {
		lockKey = DefaultLockKey
	}

	return &Locker{
		ex:      ex,
		lockKey: lockKey,
		timeout: timeout,
		step:    sqlgateway.DefaultLockPollStep,
		noLock:  noLock,
	}
}

func (l *Locker) Lock(ctx context.Context) error {
	if l.noLock {
		return nil
	}

	if l.timeout == 0 {
		if _, err := l.ex.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockKey); err != nil {
			return errors.Wrapf(err, "could not obtain [%d] exclusive Postgres advisory lock", l.lockKey)
		}

		return nil
	}

	return sqlgateway.PollLock(ctx, l.timeout, l.step, func(ctx context.Context) (bool, error) {
		var acquired bool
		if err := l.ex.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockKey).Scan(&acquired); err != nil {
			return false, errors.Wrapf(err, "could not obtain [%d] exclusive Postgres advisory lock", l.lockKey)
		}

		return acquired, nil
	})
}

func (l *Locker) Unlock(ctx context.Context) error {
	if l.noLock {
		return nil
	}

	var released bool
	if err := l.ex.QueryRowxContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockKey).Scan(&released); err != nil {
		return errors.Wrapf(err, "could not release [%d] exclusive Postgres advisory lock", l.lockKey)
	}

	if !released {
		return errors.Errorf("advisory lock [%d] was not held by this session", l.lockKey)
	}

	return nil
}
