// Package cli is the dram command line: it loads the configuration, builds a
// migrator for the configured database and runs one command against it.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alecthomas/kong"
	"github.com/denismitr/dram"
	"github.com/denismitr/dram/internal/source"
	"github.com/denismitr/dram/migration"
	"github.com/lmittmann/tint"
	"github.com/pkg/errors"
)

var (
	ErrMigrationAlreadyExists = errors.New("migration already exists")
	ErrFolderInvalid          = errors.New("migrations folder is invalid")
)

// CLI is the command line interface of dram
type CLI struct {
	Migrate  MigrateCmd  `kong:"cmd,help='Apply pending migrations.'"`
	Rollback RollbackCmd `kong:"cmd,help='Revert applied migrations, the latest one by default.'"`
	Reset    ResetCmd    `kong:"cmd,help='Revert every applied migration.'"`
	Refresh  RefreshCmd  `kong:"cmd,help='Revert and apply again.'"`
	Status   StatusCmd   `kong:"cmd,help='Show applied and pending migrations.'"`
	Create   CreateCmd   `kong:"cmd,help='Create a new migration file.'"`
	Init     InitCmd     `kong:"cmd,help='Write a configuration file stub.'"`

	Config  string        `kong:"help='Path to the dram configuration file.',type='path'"`
	Debug   bool          `kong:"help='Log debug messages and SQL statements.'"`
	Timeout time.Duration `kong:"default='120s',help='Give up on the command after this long.'"`
}

// Context is bound to every command Run method
type Context struct {
	context.Context

	Config Config
	Logger *slog.Logger
	Stdout io.Writer
	Now    migration.ClockFunc
}

// Execute parses the arguments and runs the selected command
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, color bool) error {
	var c CLI

	parser, err := kong.New(&c,
		kong.Name("dram"),
		kong.Description("Versioned, reversible schema migrations."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}),
	)
	if err != nil {
		return errors.Wrap(err, "failed creating the command line parser")
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return errors.Wrap(err, "failed parsing arguments")
	}

	lg := NewLogger(stderr, color, c.Debug)

	var cfg Config
	if kctx.Command() != "init" && kctx.Command() != "init <path>" {
		cfg, err = LoadConfig(c.Config)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	return kctx.Run(&Context{
		Context: ctx,
		Config:  cfg,
		Logger:  lg,
		Stdout:  stdout,
		Now:     time.Now,
	})
}

// NewLogger builds the slog logger shared by the commands and the migrator
func NewLogger(w io.Writer, color, debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		NoColor:    !color,
		TimeFormat: time.Kitchen,
	}))
}

func withMigrator(c *Context, f func(m *dram.Migrator) error) (err error) {
	m, closer, err := createMigrator(c.Config, c.Logger)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := closer(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return f(m)
}

// nothingToDo turns the no changes sentinel into a friendly message
func nothingToDo(c *Context, err error, msg string) error {
	if errors.Is(err, dram.ErrNoChangesRequired) {
		c.Logger.Info(msg)
		return nil
	}

	return err
}

func printKeys(w io.Writer, prefix string, ms migration.Migrations) {
	for _, key := range ms.Keys() {
		fmt.Fprintf(w, "%s %s\n", prefix, key)
	}
}

type MigrateCmd struct {
	Steps int `kong:"short='s',help='Apply at most this many migrations.'"`
}

func (cmd *MigrateCmd) Run(c *Context) error {
	return withMigrator(c, func(m *dram.Migrator) error {
		cfs, err := dram.CreateConfigurators(cmd.Steps, 0, nil)
		if err != nil {
			return err
		}

		migrated, err := m.Migrate(c, cfs...)
		printKeys(c.Stdout, "migrated", migrated)

		return nothingToDo(c, err, "nothing to migrate")
	})
}

type RollbackCmd struct {
	Steps    int      `kong:"short='s',help='Revert this many migrations.',xor='selection'"`
	Batch    uint     `kong:"short='b',help='Revert every migration of the batch.',xor='selection'"`
	Versions []string `kong:"name='version',help='Revert only these versions.'"`
}

func (cmd *RollbackCmd) Run(c *Context) error {
	return withMigrator(c, func(m *dram.Migrator) error {
		cfs, err := dram.CreateConfigurators(cmd.Steps, cmd.Batch, cmd.Versions)
		if err != nil {
			return err
		}

		rolledBack, err := m.Rollback(c, cfs...)
		printKeys(c.Stdout, "rolled back", rolledBack)

		return nothingToDo(c, err, "nothing to roll back")
	})
}

type ResetCmd struct{}

func (cmd *ResetCmd) Run(c *Context) error {
	return withMigrator(c, func(m *dram.Migrator) error {
		rolledBack, err := m.Reset(c)
		printKeys(c.Stdout, "rolled back", rolledBack)

		return nothingToDo(c, err, "nothing to reset")
	})
}

type RefreshCmd struct {
	Steps int `kong:"short='s',help='Refresh only the latest migrations.'"`
}

func (cmd *RefreshCmd) Run(c *Context) error {
	return withMigrator(c, func(m *dram.Migrator) error {
		cfs, err := dram.CreateConfigurators(cmd.Steps, 0, nil)
		if err != nil {
			return err
		}

		rolledBack, migrated, err := m.Refresh(c, cfs...)
		printKeys(c.Stdout, "rolled back", rolledBack)
		printKeys(c.Stdout, "migrated", migrated)

		return nothingToDo(c, err, "nothing to refresh")
	})
}

type StatusCmd struct{}

func (cmd *StatusCmd) Run(c *Context) error {
	return withMigrator(c, func(m *dram.Migrator) error {
		status, err := m.Status(c)
		if err != nil {
			return err
		}

		return renderStatus(c.Stdout, status)
	})
}

type CreateCmd struct {
	Name   string `kong:"arg,help='Human readable name of the migration.'"`
	SQL    bool   `kong:"name='sql',help='Create a pair of raw SQL files instead of a yaml step file.'"`
	Format string `kong:"help='Version format (sequential, timestamp or datetime), the configured one by default.'"`
}

func (cmd *CreateCmd) Run(c *Context) error {
	src := source.NewLocalFSSource(c.Config.MigrationsFolder, nil, migration.AnyFormat)

	vf := c.Config.VersionFormat
	if cmd.Format != "" {
		vf = migration.VersionFormat(cmd.Format)
		if !validVersionFormat(vf) {
			return errors.Wrapf(ErrInvalidVersionFormat, "got [%s]", cmd.Format)
		}
	}

	v, err := nextVersion(c, src, vf)
	if err != nil {
		return err
	}

	if src.AlreadyExists(v.Value, cmd.Name) {
		return errors.Wrapf(ErrMigrationAlreadyExists, "version [%s] name [%s]", v.Value, cmd.Name)
	}

	format := source.YAMLFormat
	if cmd.SQL {
		format = source.SQLFormat
	}

	m, err := src.Create(v.Value, cmd.Name, format)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.Stdout, "created %s in %s\n", m.Key, src.Folder())

	return nil
}

// nextVersion continues the sequence of the folder or stamps the current time
func nextVersion(c *Context, src *source.LocalFileSource, vf migration.VersionFormat) (migration.Version, error) {
	if vf != migration.SequentialFormat {
		return migration.GenerateVersion(c.Now, vf), nil
	}

	if !src.IsValid() {
		return migration.NextSequence(""), nil
	}

	existing, err := src.Select(c, source.Filter{})
	if err != nil {
		return migration.Version{}, err
	}

	if len(existing) == 0 {
		return migration.NextSequence(""), nil
	}

	return migration.NextSequence(existing[len(existing)-1].Version.Value), nil
}

type InitCmd struct {
	Path  string `kong:"arg,optional,default='dram.yaml',help='Where to write the configuration.'"`
	Force bool   `kong:"help='Overwrite an existing file.'"`
}

func (cmd *InitCmd) Run(c *Context) error {
	if err := InitConfig(cmd.Path, cmd.Force); err != nil {
		return err
	}

	fmt.Fprintf(c.Stdout, "created %s\n", cmd.Path)

	return nil
}
