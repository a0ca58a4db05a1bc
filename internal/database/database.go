package database

import (
	"context"
	"sort"
	"time"

	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

var ErrNoChangesRequired = errors.New("no changes to the database required")
var ErrMissingDefinition = errors.New("applied migration has no definition in the source")

const (
	DefaultMigrationsTable = "migrations"

	OperationRollback = "rollback"
	OperationMigrate  = "migrate"
	OperationRefresh  = "refresh"
	OperationReset    = "reset"
	OperationStatus   = "status"
)

type CommonOptions struct {
	MigrationsTable string
	LockTimeout     time.Duration
	NoLock          bool
}

// Plan narrows down an operation. For rollback an empty plan means
// the most recently applied migration, for migrate and refresh it means everything.
type Plan struct {
	Steps    int
	Batch    uint
	Versions []migration.Version
}

func (p Plan) empty() bool {
	return p.Steps == 0 && p.Batch == 0 && len(p.Versions) == 0
}

// Entry is a single ledger row
type Entry struct {
	Key     string
	Version migration.Version
}

type Ledger interface {
	CreateMigrationsTable(ctx context.Context) error
	ReadVersions(ctx context.Context) ([]Entry, error)
	InsertVersion(ctx context.Context, e Entry) error
	RemoveVersion(ctx context.Context, e Entry) error
	DropMigrationsTable(ctx context.Context) error
}

// Engine is everything the runner needs from a storage engine
type Engine interface {
	schema.Handle
	Ledger
	Locker
	Close() error
}

// SortEntries orders ledger entries by application order: batch, then version
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Version.Batch != entries[j].Version.Batch {
			return entries[i].Version.Batch < entries[j].Version.Batch
		}

		return migration.CompareVersions(entries[i].Version.Value, entries[j].Version.Value) < 0
	})
}

func appliedVersions(entries []Entry) []migration.Version {
	result := make([]migration.Version, 0, len(entries))
	for i := range entries {
		result = append(result, entries[i].Version)
	}
	return result
}

func lastBatch(entries []Entry) uint {
	var batch uint
	for i := range entries {
		if entries[i].Version.Batch > batch {
			batch = entries[i].Version.Batch
		}
	}
	return batch
}

func ScheduleForMigration(
	migrations migration.Migrations,
	applied []Entry,
	p Plan,
) migration.Migrations {
	var scheduled migration.Migrations
	migratedVersions := appliedVersions(applied)

	for i := range migrations {
		if migration.InVersions(migrations[i].Version, migratedVersions) {
			continue
		}

		if p.Steps != 0 && len(scheduled) >= p.Steps {
			break
		}

		if len(p.Versions) == 0 || migration.InVersions(migrations[i].Version, p.Versions) {
			scheduled = append(scheduled, migrations[i])
		}
	}

	return scheduled
}

// ScheduleForRollback walks the ledger backwards in application order,
// an empty plan selects only the most recent migration
func ScheduleForRollback(
	migrations migration.Migrations,
	applied []Entry,
	p Plan,
) (migration.Migrations, error) {
	limit := p.Steps
	if p.empty() {
		limit = 1
	}

	return scheduleApplied(migrations, applied, p, limit)
}

// ScheduleForRefresh is the same walk as rollback but an empty plan selects everything
func ScheduleForRefresh(
	migrations migration.Migrations,
	applied []Entry,
	p Plan,
) (migration.Migrations, error) {
	return scheduleApplied(migrations, applied, p, p.Steps)
}

func scheduleApplied(
	migrations migration.Migrations,
	applied []Entry,
	p Plan,
	limit int,
) (migration.Migrations, error) {
	entries := make([]Entry, len(applied))
	copy(entries, applied)
	SortEntries(entries)

	var scheduled migration.Migrations

	for i := len(entries) - 1; i >= 0; i-- {
		if limit != 0 && len(scheduled) >= limit {
			break
		}

		if p.Batch != 0 && entries[i].Version.Batch != p.Batch {
			continue
		}

		if len(p.Versions) > 0 && !migration.InVersions(entries[i].Version, p.Versions) {
			continue
		}

		m, ok := migrations.Find(entries[i].Version.Value)
		if !ok {
			return nil, errors.Wrapf(
				ErrMissingDefinition,
				"version %s (%s), batch %d",
				entries[i].Version.Value, entries[i].Key, entries[i].Version.Batch,
			)
		}

		definition := *m
		definition.Version.Batch = entries[i].Version.Batch
		definition.Version.MigratedAt = entries[i].Version.MigratedAt
		scheduled = append(scheduled, &definition)
	}

	return scheduled, nil
}
