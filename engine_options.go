package dram

import (
	"context"
	"database/sql"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/memory"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	mysqldialect "github.com/denismitr/dram/internal/database/sqlgateway/mysql"
	pgdialect "github.com/denismitr/dram/internal/database/sqlgateway/postgres"
	sqlitedialect "github.com/denismitr/dram/internal/database/sqlgateway/sqlite"
	"github.com/denismitr/dram/internal/logger"
	"github.com/jmoiron/sqlx"
)

// DefaultLockTimeout is how long SQL engines wait for another runner to finish
const DefaultLockTimeout = 3 * time.Second

type (
	MySQLOptionFunc    func(*mysqldialect.Options, *sqlgateway.ConnectOptions)
	PostgresOptionFunc func(*pgdialect.Options, *sqlgateway.ConnectOptions)
	SqliteOptionFunc   func(*sqlitedialect.Options, *sqlgateway.ConnectOptions)
	InMemoryOptionFunc = memory.Option

	// dialects are built once the pinned connection exists, lockers need it
	gatewayBuilder func(conn *sqlx.Conn) (sqlgateway.Dialect, database.Locker)
)

func defaultCommonOptions() database.CommonOptions {
	return database.CommonOptions{
		MigrationsTable: database.DefaultMigrationsTable,
		LockTimeout:     DefaultLockTimeout,
	}
}

// UseMySQL runs migrations on a MySQL pool, the DSN must have parseTime=true
func UseMySQL(db *sql.DB, options ...MySQLOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		mysqlOpts := &mysqldialect.Options{
			LockKey:       mysqldialect.DefaultLockKey,
			Charset:       mysqldialect.DefaultCharset,
			CommonOptions: defaultCommonOptions(),
		}

		connectOpts := sqlgateway.NewDefaultConnectOptions()

		for _, oFunc := range options {
			oFunc(mysqlOpts, connectOpts)
		}

		m.newEngine = func(lg logger.Logger) (database.Engine, error) {
			return connectGateway(sqlx.NewDb(db, "mysql"), connectOpts, lg, func(conn *sqlx.Conn) (sqlgateway.Dialect, database.Locker) {
				return mysqldialect.NewDialect(mysqlOpts.MigrationsTable, mysqlOpts.Charset),
					mysqldialect.NewLocker(conn, mysqlOpts.LockKey, mysqlOpts.LockTimeout, mysqlOpts.NoLock)
			})
		}

		return nil
	}
}

func UsePostgres(db *sql.DB, options ...PostgresOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		pgOpts := &pgdialect.Options{
			LockKey:       pgdialect.DefaultLockKey,
			CommonOptions: defaultCommonOptions(),
		}

		connectOpts := sqlgateway.NewDefaultConnectOptions()

		for _, oFunc := range options {
			oFunc(pgOpts, connectOpts)
		}

		m.newEngine = func(lg logger.Logger) (database.Engine, error) {
			return connectGateway(sqlx.NewDb(db, "postgres"), connectOpts, lg, func(conn *sqlx.Conn) (sqlgateway.Dialect, database.Locker) {
				return pgdialect.NewDialect(pgOpts.MigrationsTable),
					pgdialect.NewLocker(conn, pgOpts.LockKey, pgOpts.LockTimeout, pgOpts.NoLock)
			})
		}

		return nil
	}
}

// UseSqlite expects foreign keys to be enabled in the DSN with _foreign_keys=on
func UseSqlite(db *sql.DB, options ...SqliteOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		sqliteOpts := &sqlitedialect.Options{
			CommonOptions: defaultCommonOptions(),
		}

		connectOpts := sqlgateway.NewDefaultConnectOptions()

		for _, oFunc := range options {
			oFunc(sqliteOpts, connectOpts)
		}

		m.newEngine = func(lg logger.Logger) (database.Engine, error) {
			return connectGateway(sqlx.NewDb(db, "sqlite3"), connectOpts, lg, func(conn *sqlx.Conn) (sqlgateway.Dialect, database.Locker) {
				return sqlitedialect.NewDialect(sqliteOpts.MigrationsTable),
					sqlitedialect.NewLocker(conn, sqliteOpts.MigrationsTable, sqliteOpts.LockTimeout, sqliteOpts.NoLock)
			})
		}

		return nil
	}
}

// UseInMemory keeps the schema and the ledger in process memory, handy for tests of migrations
func UseInMemory(options ...InMemoryOptionFunc) OptionFunc {
	return func(m *Migrator) error {
		m.newEngine = func(logger.Logger) (database.Engine, error) {
			return memory.New(options...), nil
		}

		return nil
	}
}

func connectGateway(
	db *sqlx.DB,
	connectOpts *sqlgateway.ConnectOptions,
	lg logger.Logger,
	build gatewayBuilder,
) (database.Engine, error) {
	conn, err := sqlgateway.NewRetryingConnector(db, connectOpts).Connect(context.Background())
	if err != nil {
		return nil, err
	}

	dialect, locker := build(conn)

	return sqlgateway.New(conn, dialect, locker, sqlgateway.WithLogger(lg)), nil
}

func WithMySQLNoLock() MySQLOptionFunc {
	return func(mysqlOpts *mysqldialect.Options, _ *sqlgateway.ConnectOptions) {
		mysqlOpts.NoLock = true
	}
}

func WithMySQLLockKey(key string) MySQLOptionFunc {
	return func(mysqlOpts *mysqldialect.Options, _ *sqlgateway.ConnectOptions) {
		mysqlOpts.LockKey = key
	}
}

// WithMySQLLockTimeout of zero waits for the lock forever
func WithMySQLLockTimeout(timeout time.Duration) MySQLOptionFunc {
	return func(mysqlOpts *mysqldialect.Options, _ *sqlgateway.ConnectOptions) {
		mysqlOpts.LockTimeout = timeout
	}
}

func WithMySQLMigrationTable(migrationTable string) MySQLOptionFunc {
	return func(mysqlOpts *mysqldialect.Options, _ *sqlgateway.ConnectOptions) {
		mysqlOpts.MigrationsTable = migrationTable
	}
}

func WithMySQLCharset(charset string) MySQLOptionFunc {
	return func(mysqlOpts *mysqldialect.Options, _ *sqlgateway.ConnectOptions) {
		mysqlOpts.Charset = charset
	}
}

func WithMySQLConnectionTimeout(timeout time.Duration) MySQLOptionFunc {
	return func(_ *mysqldialect.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxTimeout = timeout
	}
}

func WithMySQLMaxConnectionAttempts(attempts int) MySQLOptionFunc {
	return func(_ *mysqldialect.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxAttempts = attempts
	}
}

func WithPostgresNoLock() PostgresOptionFunc {
	return func(pgOpts *pgdialect.Options, _ *sqlgateway.ConnectOptions) {
		pgOpts.NoLock = true
	}
}

func WithPostgresLockKey(key int64) PostgresOptionFunc {
	return func(pgOpts *pgdialect.Options, _ *sqlgateway.ConnectOptions) {
		pgOpts.LockKey = key
	}
}

func WithPostgresLockTimeout(timeout time.Duration) PostgresOptionFunc {
	return func(pgOpts *pgdialect.Options, _ *sqlgateway.ConnectOptions) {
		pgOpts.LockTimeout = timeout
	}
}

func WithPostgresMigrationTable(migrationTable string) PostgresOptionFunc {
	return func(pgOpts *pgdialect.Options, _ *sqlgateway.ConnectOptions) {
		pgOpts.MigrationsTable = migrationTable
	}
}

func WithPostgresConnectionTimeout(timeout time.Duration) PostgresOptionFunc {
	return func(_ *pgdialect.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxTimeout = timeout
	}
}

func WithPostgresMaxConnectionAttempts(attempts int) PostgresOptionFunc {
	return func(_ *pgdialect.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxAttempts = attempts
	}
}

func WithSqliteNoLock() SqliteOptionFunc {
	return func(sqliteOpts *sqlitedialect.Options, _ *sqlgateway.ConnectOptions) {
		sqliteOpts.NoLock = true
	}
}

func WithSqliteLockTimeout(timeout time.Duration) SqliteOptionFunc {
	return func(sqliteOpts *sqlitedialect.Options, _ *sqlgateway.ConnectOptions) {
		sqliteOpts.LockTimeout = timeout
	}
}

func WithSqliteMigrationTable(migrationTable string) SqliteOptionFunc {
	return func(sqliteOpts *sqlitedialect.Options, _ *sqlgateway.ConnectOptions) {
		sqliteOpts.MigrationsTable = migrationTable
	}
}

func WithSqliteMaxConnectionAttempts(attempts int) SqliteOptionFunc {
	return func(_ *sqlitedialect.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxAttempts = attempts
	}
}

func WithSqliteConnectionTimeout(timeout time.Duration) SqliteOptionFunc {
	return func(_ *sqlitedialect.Options, connectOpts *sqlgateway.ConnectOptions) {
		connectOpts.MaxTimeout = timeout
	}
}

func WithInMemoryLockTimeout(timeout time.Duration) InMemoryOptionFunc {
	return memory.WithLockTimeout(timeout)
}

func WithInMemoryNoLock() InMemoryOptionFunc {
	return memory.WithNoLock()
}
