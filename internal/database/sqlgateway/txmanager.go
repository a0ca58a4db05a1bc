package sqlgateway

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var ErrTxDeadlock = errors.New("transaction deadlock occurred")

// deadlock matches ErrTxDeadlock and still unwraps to the driver error
type deadlock struct {
	error
}

func (d deadlock) Is(target error) bool {
	return target == ErrTxDeadlock
}

func (d deadlock) Unwrap() error {
	return d.error
}

func markDeadlock(err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "deadlock") {
		return deadlock{err}
	}

	return err
}

type TxCallback func(context.Context, Executor) error

// Transactor runs callbacks on the single connection a migration run holds,
// either inside a transaction or directly
type Transactor struct {
	conn *sqlx.Conn
}

func NewTransactor(conn *sqlx.Conn) *Transactor {
	return &Transactor{conn: conn}
}

// ReadWrite uses the driver default isolation, sqlite refuses anything else
func (t *Transactor) ReadWrite(ctx context.Context, cb TxCallback) error {
	tx, err := t.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "could not start transaction")
	}

	if err := cb(ctx, tx); err != nil {
		err = markDeadlock(err)
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.WithMessagef(err, "rollback failed too: %s", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(markDeadlock(err), "could not commit transaction")
	}

	return nil
}

// Direct runs the callback on the connection itself
func (t *Transactor) Direct(ctx context.Context, cb TxCallback) error {
	return cb(ctx, t.conn)
}
