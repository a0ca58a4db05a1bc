package database

import (
	"context"
)

// Locker guards the ledger against concurrent runners. Lock blocks
// until acquired or fails with schema.ErrLockContention once the
// configured timeout has passed.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

type NullLocker struct{}

func (NullLocker) Lock(context.Context) error {
	return nil
}

func (NullLocker) Unlock(context.Context) error {
	return nil
}
