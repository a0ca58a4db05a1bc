package memory

import (
	"context"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

var ErrLedgerMissing = errors.New("migrations ledger has not been created")

func (e *Engine) CreateMigrationsTable(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ledgerReady = true
	return nil
}

func (e *Engine) DropMigrationsTable(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ledgerReady = false
	e.ledger = nil
	return nil
}

func (e *Engine) ReadVersions(context.Context) ([]database.Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.ledgerReady {
		return nil, ErrLedgerMissing
	}

	result := make([]database.Entry, len(e.ledger))
	copy(result, e.ledger)
	database.SortEntries(result)

	return result, nil
}

func (e *Engine) InsertVersion(_ context.Context, entry database.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ledgerReady {
		return ErrLedgerMissing
	}

	for i := range e.ledger {
		if migration.CompareVersions(e.ledger[i].Version.Value, entry.Version.Value) == 0 {
			return errors.Wrapf(schema.ErrSchemaOperation, "version %s is already in the ledger", entry.Version.Value)
		}
	}

	e.ledger = append(e.ledger, entry)
	return nil
}

func (e *Engine) RemoveVersion(_ context.Context, entry database.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ledgerReady {
		return ErrLedgerMissing
	}

	for i := range e.ledger {
		if migration.CompareVersions(e.ledger[i].Version.Value, entry.Version.Value) == 0 {
			e.ledger = append(e.ledger[:i], e.ledger[i+1:]...)
			return nil
		}
	}

	return errors.Wrapf(schema.ErrSchemaOperation, "version %s is not in the ledger", entry.Version.Value)
}
