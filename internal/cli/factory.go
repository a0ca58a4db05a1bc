package cli

import (
	"database/sql"
	"log/slog"
	"net/url"
	"strings"

	"github.com/denismitr/dram"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/xo/dburl"
)

const memoryScheme = "memory:"

var ErrUnsupportedDriver = errors.New("unsupported database driver")

type (
	migratorFactory    func(cfg Config, db *sql.DB) dram.OptionFunc
	migratorFactoryMap map[string]migratorFactory
)

var factories = migratorFactoryMap{
	"mysql": func(cfg Config, db *sql.DB) dram.OptionFunc {
		opts := []dram.MySQLOptionFunc{dram.WithMySQLLockTimeout(cfg.LockTimeout)}
		if cfg.MigrationsTable != "" {
			opts = append(opts, dram.WithMySQLMigrationTable(cfg.MigrationsTable))
		}
		if cfg.NoLock {
			opts = append(opts, dram.WithMySQLNoLock())
		}
		return dram.UseMySQL(db, opts...)
	},
	"postgres": func(cfg Config, db *sql.DB) dram.OptionFunc {
		opts := []dram.PostgresOptionFunc{dram.WithPostgresLockTimeout(cfg.LockTimeout)}
		if cfg.MigrationsTable != "" {
			opts = append(opts, dram.WithPostgresMigrationTable(cfg.MigrationsTable))
		}
		if cfg.NoLock {
			opts = append(opts, dram.WithPostgresNoLock())
		}
		return dram.UsePostgres(db, opts...)
	},
	"sqlite3": func(cfg Config, db *sql.DB) dram.OptionFunc {
		opts := []dram.SqliteOptionFunc{dram.WithSqliteLockTimeout(cfg.LockTimeout)}
		if cfg.MigrationsTable != "" {
			opts = append(opts, dram.WithSqliteMigrationTable(cfg.MigrationsTable))
		}
		if cfg.NoLock {
			opts = append(opts, dram.WithSqliteNoLock())
		}
		return dram.UseSqlite(db, opts...)
	},
}

// createMigrator opens the database named by the url and wires a migrator reading the local folder
func createMigrator(cfg Config, lg *slog.Logger) (*dram.Migrator, dram.CloserFunc, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	opts := []dram.OptionFunc{
		dram.UseSlogLogger(lg),
		dram.UseLocalFolderSource(cfg.MigrationsFolder, dram.WithVersionFormat(cfg.VersionFormat)),
	}

	if strings.HasPrefix(cfg.DatabaseURL, memoryScheme) {
		return dram.NewMigrator(append(opts, dram.UseInMemory(dram.WithInMemoryLockTimeout(cfg.LockTimeout)))...)
	}

	u, err := parseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	factory, ok := factories[u.Driver]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnsupportedDriver, "[%s]", u.Driver)
	}

	db, err := sql.Open(u.Driver, u.DSN)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not open %s database", u.Driver)
	}

	m, closer, err := dram.NewMigrator(append(opts, factory(cfg, db))...)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	return m, func() error {
		closeErr := closer()
		if err := db.Close(); err != nil && closeErr == nil {
			closeErr = errors.Wrap(err, "could not close database")
		}
		return closeErr
	}, nil
}

// parseDatabaseURL adds the connection parameters the engines rely on
func parseDatabaseURL(raw string) (*dburl.URL, error) {
	u, err := dburl.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse database url")
	}

	var required url.Values
	switch u.Driver {
	case "mysql":
		required = url.Values{"parseTime": {"true"}}
	case "sqlite3":
		required = url.Values{"_foreign_keys": {"on"}}
	default:
		return u, nil
	}

	q := u.Query()
	extra := url.Values{}
	for k, v := range required {
		if q.Get(k) == "" {
			extra.Set(k, v[0])
		}
	}

	if len(extra) == 0 {
		return u, nil
	}

	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}

	return dburl.Parse(raw + sep + extra.Encode())
}
