package mysql

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

const DefaultLockKey = "dram_migrations"

// Locker holds a named session lock, it must share the connection with the gateway
type Locker struct {
	ex      sqlgateway.Executor
	lockKey string
	timeout time.Duration
	noLock  bool
}

var _ database.Locker = (*Locker)(nil)

func NewLocker(ex sqlgateway.Executor, lockKey string, timeout time.Duration, noLock bool) *Locker {
	if lockKey == "" {
		lockKey = DefaultLockKey
	}

	return &Locker{ex: ex, lockKey: lockKey, timeout: timeout, noLock: noLock}
}

func (l *Locker) Lock(ctx context.Context) error {
	if l.noLock {
		return nil
	}

	var acquired sql.NullInt64
	if err := l.ex.QueryRowxContext(ctx, "SELECT GET_LOCK(?, ?)", l.lockKey, l.seconds()).Scan(&acquired); err != nil {
		return errors.Wrapf(err, "could not obtain [%s] exclusive MySQL DB lock", l.lockKey)
	}

	if !acquired.Valid {
		return errors.Errorf("MySQL failed to obtain [%s] lock", l.lockKey)
	}

	if acquired.Int64 == 0 {
		return errors.Wrapf(schema.ErrLockContention, "[%s] is held by another session for more than %s", l.lockKey, l.timeout)
	}

	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	if l.noLock {
		return nil
	}

	var released sql.NullInt64
	if err := l.ex.QueryRowxContext(ctx, "SELECT RELEASE_LOCK(?)", l.lockKey).Scan(&released); err != nil {
		return errors.Wrapf(err, "could not release [%s] exclusive MySQL DB lock", l.lockKey)
	}

	if !released.Valid || released.Int64 != 1 {
		return errors.Errorf("[%s] lock was not held by this session", l.lockKey)
	}

	return nil
}

// GET_LOCK waits forever on a negative timeout
func (l *Locker) seconds() int {
	if l.timeout == 0 {
		return -1
	}

	return int(math.Ceil(l.timeout.Seconds()))
}
