// Package dram runs versioned, reversible schema migrations against MySQL,
// Postgres, SQLite or an in-memory engine. Migrations come from a local folder
// of yaml or sql files, or from Go factories compiled into the program.
package dram

import (
	"context"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/internal/source"
	"github.com/denismitr/dram/migration"
	"github.com/pkg/errors"
)

var (
	ErrEngineNotInitialized = errors.New("database engine has not been initialized")

	// ErrNoChangesRequired is returned when the plan selects nothing, callers usually treat it as success
	ErrNoChangesRequired = database.ErrNoChangesRequired
	ErrMissingDefinition = database.ErrMissingDefinition
)

type (
	CloserFunc func() error

	MigrationError  = database.MigrationError
	MigrationStatus = database.MigrationStatus

	engineFactory   func(lg logger.Logger) (database.Engine, error)
	selectorFactory func(lg logger.Logger) source.Selector
)

type Migrator struct {
	lg          logger.Logger
	engine      database.Engine
	newEngine   engineFactory
	selector    source.Selector
	newSelector selectorFactory
	runner      *database.Runner
	runnerOpts  []database.RunnerOption
}

// NewMigrator creates a migrator from option callbacks, one of the Use<Engine> options is required.
// When no source is configured migrations are read from ./migrations
func NewMigrator(opts ...OptionFunc) (*Migrator, CloserFunc, error) {
	m := new(Migrator)
	m.lg = logger.NullLogger{}

	for _, oFunc := range opts {
		if err := oFunc(m); err != nil {
			return nil, nil, err
		}
	}

	if m.newEngine == nil {
		return nil, nil, ErrEngineNotInitialized
	}

	// sources built from options see the final logger whatever the option order
	if m.newSelector != nil {
		m.selector = m.newSelector(m.lg)
	}

	if m.selector == nil {
		m.selector = source.NewLocalFSSource(source.DefaultMigrationsFolder, m.lg, migration.AnyFormat)
	}

	engine, err := m.newEngine(m.lg)
	if err != nil {
		return nil, nil, err
	}

	m.engine = engine
	m.runner = database.NewRunner(engine, append([]database.RunnerOption{database.WithLogger(m.lg)}, m.runnerOpts...)...)

	return m, m.close, nil
}

// Migrate applies the pending migrations selected by the action configurators in a new batch
func (m *Migrator) Migrate(ctx context.Context, cfs ...ActionConfigurator) (migration.Migrations, error) {
	act := newAction(cfs)

	migrations, err := m.selector.Select(ctx, source.Filter{})
	if err != nil {
		m.lg.Error(err)
		return nil, err
	}

	migrated, err := m.runner.Migrate(ctx, migrations, act.plan())
	if err != nil {
		m.report(err)
		return migrated, err
	}

	m.lg.Successf("migrated %d migration(s)", len(migrated))

	return migrated, nil
}

// Rollback reverts the most recently applied migration, steps, batch or versions widen the selection
func (m *Migrator) Rollback(ctx context.Context, cfs ...ActionConfigurator) (migration.Migrations, error) {
	act := newAction(cfs)

	migrations, err := m.selector.Select(ctx, source.Filter{})
	if err != nil {
		m.lg.Error(err)
		return nil, errors.Wrap(err, "could not rollback migrations")
	}

	executed, err := m.runner.Rollback(ctx, migrations, act.plan())
	if err != nil {
		m.report(err)
		return executed, err
	}

	m.lg.Successf("rolled back %d migration(s)", len(executed))

	return executed, nil
}

// Reset reverts every applied migration
func (m *Migrator) Reset(ctx context.Context) (migration.Migrations, error) {
	migrations, err := m.selector.Select(ctx, source.Filter{})
	if err != nil {
		m.lg.Error(err)
		return nil, err
	}

	executed, err := m.runner.Reset(ctx, migrations)
	if err != nil {
		m.report(err)
		return executed, err
	}

	m.lg.Successf("reset %d migration(s)", len(executed))

	return executed, nil
}

// Refresh first rolls back the migrations and then migrates them again,
// uses the action configurator callbacks to narrow the process down
func (m *Migrator) Refresh(ctx context.Context, cfs ...ActionConfigurator) (migration.Migrations, migration.Migrations, error) {
	act := newAction(cfs)

	migrations, err := m.selector.Select(ctx, source.Filter{})
	if err != nil {
		m.lg.Error(err)
		return nil, nil, err
	}

	rolledBack, migrated, err := m.runner.Refresh(ctx, migrations, act.plan())
	if err != nil {
		m.report(err)
		return rolledBack, migrated, err
	}

	m.lg.Successf("refreshed %d migration(s)", len(migrated))

	return rolledBack, migrated, nil
}

// Status lists every known migration together with ledger entries that lost their definition
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.selector.Select(ctx, source.Filter{})
	if err != nil {
		m.lg.Error(err)
		return nil, err
	}

	return m.runner.Status(ctx, migrations)
}

// Source returns the migrator selector if it implements the full source.Source interface
func (m *Migrator) Source() source.Source {
	if s, ok := m.selector.(source.Source); ok {
		return s
	}

	return nil
}

func (m *Migrator) report(err error) {
	if !errors.Is(err, ErrNoChangesRequired) {
		m.lg.Error(err)
	}
}

func (m *Migrator) close() error {
	if m.engine == nil {
		return ErrEngineNotInitialized
	}

	if err := m.engine.Close(); err != nil {
		m.lg.Error(err)
		return err
	}

	return nil
}
