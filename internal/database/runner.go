package database

import (
	"context"
	"time"

	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/migration"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/denismitr/dram"

// Runner sequences migrations against an engine, it is the only writer of the ledger
type Runner struct {
	engine Engine
	lg     logger.Logger
	clock  migration.ClockFunc
	tracer trace.Tracer
}

type RunnerOption func(*Runner)

func WithLogger(lg logger.Logger) RunnerOption {
	return func(r *Runner) {
		r.lg = lg
	}
}

func WithClock(cf migration.ClockFunc) RunnerOption {
	return func(r *Runner) {
		r.clock = cf
	}
}

func WithTracerProvider(tp trace.TracerProvider) RunnerOption {
	return func(r *Runner) {
		r.tracer = tp.Tracer(tracerName)
	}
}

func NewRunner(engine Engine, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine: engine,
		lg:     logger.NullLogger{},
		clock:  time.Now,
		tracer: otel.Tracer(tracerName),
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

func (r *Runner) SetLogger(lg logger.Logger) {
	r.lg = lg
}

func (r *Runner) Engine() Engine {
	return r.engine
}

// Migrate applies pending migrations in ascending order, all of them end up in one new batch
func (r *Runner) Migrate(
	ctx context.Context,
	migrations migration.Migrations,
	p Plan,
) (migration.Migrations, error) {
	var migrated migration.Migrations

	f := func(ctx context.Context, applied []Entry) error {
		scheduled := ScheduleForMigration(migrations, applied, p)
		if len(scheduled) == 0 {
			return ErrNoChangesRequired
		}

		batch := lastBatch(applied) + 1
		for i := range scheduled {
			m, err := r.migrateOne(ctx, scheduled[i], batch)
			if err != nil {
				return err
			}

			migrated = append(migrated, m)
		}

		return nil
	}

	if err := r.execUnderLock(ctx, OperationMigrate, f); err != nil {
		return migrated, err
	}

	return migrated, nil
}

// Rollback reverts the most recent migration unless the plan says otherwise
func (r *Runner) Rollback(
	ctx context.Context,
	migrations migration.Migrations,
	p Plan,
) (migration.Migrations, error) {
	var rolledBack migration.Migrations

	f := func(ctx context.Context, applied []Entry) error {
		scheduled, err := ScheduleForRollback(migrations, applied, p)
		if err != nil {
			return err
		}

		if len(scheduled) == 0 {
			return ErrNoChangesRequired
		}

		for i := range scheduled {
			if err := r.rollbackOne(ctx, scheduled[i]); err != nil {
				return err
			}

			rolledBack = append(rolledBack, scheduled[i])
		}

		return nil
	}

	if err := r.execUnderLock(ctx, OperationRollback, f); err != nil {
		return rolledBack, err
	}

	return rolledBack, nil
}

// Reset reverts every applied migration, newest first
func (r *Runner) Reset(ctx context.Context, migrations migration.Migrations) (migration.Migrations, error) {
	var rolledBack migration.Migrations

	f := func(ctx context.Context, applied []Entry) error {
		scheduled, err := ScheduleForRefresh(migrations, applied, Plan{})
		if err != nil {
			return err
		}

		if len(scheduled) == 0 {
			return ErrNoChangesRequired
		}

		for i := range scheduled {
			if err := r.rollbackOne(ctx, scheduled[i]); err != nil {
				return err
			}

			rolledBack = append(rolledBack, scheduled[i])
		}

		return nil
	}

	if err := r.execUnderLock(ctx, OperationReset, f); err != nil {
		return rolledBack, err
	}

	return rolledBack, nil
}

// Refresh reverts the planned migrations and then applies them again in a new batch
func (r *Runner) Refresh(
	ctx context.Context,
	migrations migration.Migrations,
	p Plan,
) (migration.Migrations, migration.Migrations, error) {
	var rolledBack migration.Migrations
	var migrated migration.Migrations

	f := func(ctx context.Context, applied []Entry) error {
		scheduled, err := ScheduleForRefresh(migrations, applied, p)
		if err != nil {
			return err
		}

		if len(scheduled) == 0 {
			return ErrNoChangesRequired
		}

		for i := range scheduled {
			if err := r.rollbackOne(ctx, scheduled[i]); err != nil {
				return err
			}

			rolledBack = append(rolledBack, scheduled[i])
		}

		remaining := make([]Entry, 0, len(applied))
		for i := range applied {
			if !migration.InVersions(applied[i].Version, versionsOf(rolledBack)) {
				remaining = append(remaining, applied[i])
			}
		}

		batch := lastBatch(remaining) + 1
		for i := len(scheduled) - 1; i >= 0; i-- {
			m, err := r.migrateOne(ctx, scheduled[i], batch)
			if err != nil {
				return err
			}

			migrated = append(migrated, m)
		}

		return nil
	}

	if err := r.execUnderLock(ctx, OperationRefresh, f); err != nil {
		return rolledBack, migrated, err
	}

	return rolledBack, migrated, nil
}

// MigrationStatus is one line of the status report
type MigrationStatus struct {
	Key     string
	Name    string
	Version migration.Version
	Applied bool
	// Missing is set for ledger entries without a definition in the source
	Missing bool
}

// Status does not take the lock, it only reads the ledger
func (r *Runner) Status(ctx context.Context, migrations migration.Migrations) ([]MigrationStatus, error) {
	ctx, span := r.tracer.Start(ctx, "dram."+OperationStatus)
	defer span.End()

	if err := r.engine.CreateMigrationsTable(ctx); err != nil {
		return nil, endSpan(span, errors.Wrap(err, "could not create migrations table"))
	}

	applied, err := r.engine.ReadVersions(ctx)
	if err != nil {
		return nil, endSpan(span, errors.Wrap(err, "could not read migrated versions"))
	}

	var result []MigrationStatus
	byVersion := make(map[int]Entry)
	for i := range migrations {
		s := MigrationStatus{
			Key:     migrations[i].Key,
			Name:    migrations[i].Name,
			Version: migrations[i].Version,
		}

		for j := range applied {
			if migration.CompareVersions(applied[j].Version.Value, migrations[i].Version.Value) == 0 {
				s.Applied = true
				s.Version.Batch = applied[j].Version.Batch
				s.Version.MigratedAt = applied[j].Version.MigratedAt
				byVersion[j] = applied[j]
			}
		}

		result = append(result, s)
	}

	for j := range applied {
		if _, ok := byVersion[j]; ok {
			continue
		}

		result = append(result, MigrationStatus{
			Key:     applied[j].Key,
			Version: applied[j].Version,
			Applied: true,
			Missing: true,
		})
	}

	return result, nil
}

func (r *Runner) migrateOne(ctx context.Context, m *migration.Migration, batch uint) (*migration.Migration, error) {
	ctx, span := r.tracer.Start(ctx, "dram.migration", trace.WithAttributes(
		attribute.String("dram.operation", OperationMigrate),
		attribute.String("dram.migration.key", m.Key),
		attribute.Int64("dram.migration.batch", int64(batch)),
	))
	defer span.End()

	r.lg.Debugf("migrating version: %s, batch %d, name %s", m.Version.Value, batch, m.Name)

	if err := m.Apply(ctx, r.engine); err != nil {
		return nil, endSpan(span, newMigrationError(m.Key, OperationMigrate, err))
	}

	applied := *m
	applied.Version.Batch = batch
	applied.Version.MigratedAt = r.clock().UTC()

	if err := r.engine.InsertVersion(ctx, Entry{Key: applied.Key, Version: applied.Version}); err != nil {
		err = errors.Wrap(err, "could not record migration in the ledger")
		return nil, endSpan(span, newMigrationError(m.Key, OperationMigrate, err))
	}

	r.lg.Successf("migrated: version %s, batch %d, name %s", applied.Version.Value, batch, applied.Key)

	return &applied, nil
}

func (r *Runner) rollbackOne(ctx context.Context, m *migration.Migration) error {
	ctx, span := r.tracer.Start(ctx, "dram.migration", trace.WithAttributes(
		attribute.String("dram.operation", OperationRollback),
		attribute.String("dram.migration.key", m.Key),
		attribute.Int64("dram.migration.batch", int64(m.Version.Batch)),
	))
	defer span.End()

	r.lg.Debugf("rolling back version: %s, batch %d, name %s", m.Version.Value, m.Version.Batch, m.Name)

	if err := m.Revert(ctx, r.engine); err != nil {
		return endSpan(span, newMigrationError(m.Key, OperationRollback, err))
	}

	if err := r.engine.RemoveVersion(ctx, Entry{Key: m.Key, Version: m.Version}); err != nil {
		err = errors.Wrap(err, "could not remove migration from the ledger")
		return endSpan(span, newMigrationError(m.Key, OperationRollback, err))
	}

	r.lg.Successf("rolled back: version %s, batch %d, name %s", m.Version.Value, m.Version.Batch, m.Key)

	return nil
}

func (r *Runner) execUnderLock(
	ctx context.Context,
	operation string,
	f func(context.Context, []Entry) error,
) (err error) {
	ctx, span := r.tracer.Start(ctx, "dram."+operation)
	defer func() {
		if err != nil && !errors.Is(err, ErrNoChangesRequired) {
			endSpan(span, err)
		}
		span.End()
	}()

	if lockErr := r.engine.Lock(ctx); lockErr != nil {
		return errors.Wrap(lockErr, "database lock failed")
	}

	defer func() {
		// the lock belongs to this run even when the context is already cancelled
		if unlockErr := r.engine.Unlock(context.Background()); unlockErr != nil {
			r.lg.Error(unlockErr)
			if err == nil {
				err = errors.Wrap(unlockErr, "database unlock failed")
			}
		}
	}()

	if err := r.engine.CreateMigrationsTable(ctx); err != nil {
		return errors.Wrapf(err, "operation [%s] could not create migrations table", operation)
	}

	applied, err := r.engine.ReadVersions(ctx)
	if err != nil {
		return errors.Wrapf(err, "operation [%s] could not read migrated versions", operation)
	}

	SortEntries(applied)

	return f(ctx, applied)
}

func versionsOf(migrations migration.Migrations) []migration.Version {
	result := make([]migration.Version, 0, len(migrations))
	for i := range migrations {
		result = append(result, migrations[i].Version)
	}
	return result
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
