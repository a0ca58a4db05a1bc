package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Locker emulates a session lock with a single row table,
// the row belongs to whoever inserted it
type Locker struct {
	ex      sqlgateway.Executor
	table   string
	owner   string
	timeout time.Duration
	step    time.Duration
	noLock  bool
}

var _ database.Locker = (*Locker)(nil)

func NewLocker(ex sqlgateway.Executor, migrationsTable string, timeout time.Duration, noLock bool) *Locker {
	if migrationsTable == "" {
		migrationsTable = database.DefaultMigrationsTable
	}

	return &Locker{
		ex:      ex,
		table:   migrationsTable + "_lock",
		owner:   uuid.NewString(),
		timeout: timeout,
		step:    sqlgateway.DefaultLockPollStep,
		noLock:  noLock,
	}
}

func (l *Locker) Lock(ctx context.Context) error {
	if l.noLock {
		return nil
	}

	const createSQL = `CREATE TABLE IF NOT EXISTS "%s" (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	owner TEXT NOT NULL,
	acquired_at DATETIME NOT NULL
)`

	if _, err := l.ex.ExecContext(ctx, fmt.Sprintf(createSQL, l.table)); err != nil {
		return errors.Wrapf(err, "could not create lock table %s", l.table)
	}

	insert := fmt.Sprintf(`INSERT INTO "%s" (id, owner, acquired_at) VALUES (1, ?, ?)`, l.table)

	return sqlgateway.PollLock(ctx, l.timeout, l.step, func(ctx context.Context) (bool, error) {
		_, err := l.ex.ExecContext(ctx, insert, l.owner, time.Now().UTC())
		if err == nil {
			return true, nil
		}

		var driverErr sqlite3.Error
		if errors.As(err, &driverErr) && (driverErr.Code == sqlite3.ErrConstraint || driverErr.Code == sqlite3.ErrBusy) {
			return false, nil
		}

		return false, errors.Wrapf(err, "could not obtain lock %s", l.table)
	})
}

func (l *Locker) Unlock(ctx context.Context) error {
	if l.noLock {
		return nil
	}

	res, err := l.ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = 1 AND owner = ?`, l.table), l.owner)
	if err != nil {
		return errors.Wrapf(err, "could not release lock %s", l.table)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "could not release lock %s", l.table)
	}

	if n == 0 {
		return errors.Errorf("lock %s is not held by %s", l.table, l.owner)
	}

	return nil
}
