package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/memory"
	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogStubs = "./testdata/catalog"

func newCatalogSource(t *testing.T) *LocalFileSource {
	t.Helper()

	folder, err := filepath.Abs(catalogStubs)
	require.NoError(t, err)

	return NewLocalFSSource(folder, logger.NullLogger{}, migration.AnyFormat)
}

func writeStub(t *testing.T, folder, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(folder, name), []byte(contents), 0o644))
}

func TestLocalFileSource_Select(t *testing.T) {
	lfs := newCatalogSource(t)

	t.Run("all migrations can be read from local folder", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		migrations, err := lfs.Select(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, migrations, 5)

		assert.Equal(t, []string{
			"001_create_distilleries_table",
			"002_create_whiskies_table",
			"003_add_distillery_id_to_whiskies_table",
			"004_seed_regions",
			"005_add_approval_status_to_whiskies_table",
		}, migrations.Keys())

		assert.Equal(t, "Create distilleries table", migrations[0].Name)
		assert.Equal(t, "001", migrations[0].Version.Value)
		assert.Equal(t, migration.SequentialFormat, migrations[0].Version.Format)
		assert.Equal(t, "Seed regions", migrations[3].Name)
	})

	t.Run("specified migrations can be read from local folder", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		migrations, err := lfs.Select(ctx, Filter{Versions: []migration.Version{{Value: "3"}, {Value: "005"}}})
		require.NoError(t, err)

		assert.Equal(t, []string{
			"003_add_distillery_id_to_whiskies_table",
			"005_add_approval_status_to_whiskies_table",
		}, migrations.Keys())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := lfs.Select(ctx, Filter{})
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestLocalFileSource_YAMLSteps(t *testing.T) {
	migrations, err := newCatalogSource(t).Select(context.Background(), Filter{})
	require.NoError(t, err)

	t.Run("create table with derived rollback", func(t *testing.T) {
		m := migrations[0]
		require.Len(t, m.Migrate, 1)
		require.Len(t, m.Rollback, 1)

		create, ok := m.Migrate[0].(migration.CreateTable)
		require.True(t, ok)
		assert.Equal(t, "distilleries", create.Table.Name)
		assert.Equal(t, []string{"id"}, create.Table.PrimaryKey())
		assert.Equal(t, schema.String("region", 255).Null(), create.Table.Columns[2])
		assert.Equal(t, []schema.Index{{Columns: []string{"name"}, Unique: true}}, create.Table.Indexes)

		drop, ok := m.Rollback[0].(migration.DropTable)
		require.True(t, ok)
		assert.Equal(t, "distilleries", drop.Name)
		require.NotNil(t, drop.Definition)
	})

	t.Run("expression defaults", func(t *testing.T) {
		create := migrations[1].Migrate[0].(migration.CreateTable)
		assert.Equal(t, schema.Expression("CURRENT_TIMESTAMP"), create.Table.Columns[4].Default)
		assert.Equal(t, schema.DefaultStringLength, create.Table.Columns[1].Length)
	})

	t.Run("foreign keys and column changes", func(t *testing.T) {
		m := migrations[2]
		expected := schema.UUID("distillery_id").
			Null().
			References("distilleries", "id").
			OnUpdate(schema.Cascade).
			OnDelete(schema.SetNull)

		assert.Equal(t, migration.AddColumn{Table: "whiskies", Column: expected}, m.Migrate[0])
		assert.Equal(t, migration.ChangeColumn{
			Table: "whiskies",
			From:  schema.String("distillery", 255),
			To:    schema.String("distillery", 255).Null(),
		}, m.Migrate[2])
		assert.Equal(t, migration.RemoveColumn{Table: "whiskies", Column: "distillery_id"}, m.Rollback[2])
	})

	t.Run("sql files become raw statements", func(t *testing.T) {
		m := migrations[3]
		require.Len(t, m.Migrate, 2)
		assert.Equal(t, migration.Raw{SQL: "CREATE TABLE regions (\n    name VARCHAR(64) PRIMARY KEY\n);"}, m.Migrate[0])
		assert.Equal(t, migration.Raw{SQL: "INSERT INTO regions (name) VALUES ('Islay'), ('Speyside');"}, m.Migrate[1])
		assert.Equal(t, []migration.Step{migration.Raw{SQL: "DROP TABLE regions;"}}, m.Rollback)
	})

	t.Run("update with expressions", func(t *testing.T) {
		m := migrations[4]
		require.Len(t, m.Migrate, 3)

		backfill, ok := m.Migrate[2].(migration.Backfill)
		require.True(t, ok)
		assert.Equal(t, schema.Update{
			Table: "whiskies",
			Set: []schema.Assignment{
				schema.Set("approval_status", "approved"),
				schema.Set("approval_date", schema.CurrentTimestamp),
			},
			Where: []schema.Predicate{
				schema.IsNull("approval_status"),
				schema.Equals("approval_status", "pending"),
				schema.IsNull("approval_date"),
			},
		}, backfill.Update)
	})
}

func TestLocalFileSource_RunsOnAnEngine(t *testing.T) {
	ctx := context.Background()

	migrations, err := newCatalogSource(t).Select(ctx, Filter{})
	require.NoError(t, err)

	engine := memory.New()
	runner := database.NewRunner(engine)

	migrated, err := runner.Migrate(ctx, migrations, database.Plan{})
	require.NoError(t, err)
	assert.Len(t, migrated, 5)

	status, ok := engine.Column("whiskies", "approval_status")
	require.True(t, ok)
	assert.Equal(t, []string{"pending", "approved", "rejected"}, status.Values)
	assert.Len(t, engine.Statements(), 2)

	for range migrations {
		_, err := runner.Rollback(ctx, migrations, database.Plan{})
		require.NoError(t, err)
	}

	assert.NotContains(t, engine.Snapshot(), "whiskies")
	assert.NotContains(t, engine.Snapshot(), "distilleries")
	assert.Equal(t, "DROP TABLE regions;", engine.Statements()[2])
}

func TestLocalFileSource_InvalidFolders(t *testing.T) {
	ctx := context.Background()

	t.Run("yaml and sql for the same key", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_create_users.yaml", "migrate: []\n")
		writeStub(t, folder, "001_create_users.migrate.sql", "SELECT 1;\n")

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, ErrTooManyFilesForKey))
	})

	t.Run("rollback without migrate", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_create_users.rollback.sql", "DROP TABLE users;\n")

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, ErrInvalidMigrationFile))
	})

	t.Run("step with two kinds", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_broken.yaml", `migrate:
  - drop_table: {name: users}
    raw: {sql: "SELECT 1"}
`)

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, ErrInvalidMigrationFile))
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_typo.yaml", "migrate:\n  - drop_tabel: {name: users}\n")

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, ErrInvalidMigrationFile))
	})

	t.Run("unknown column type", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_money.yaml", "migrate:\n  - add_column: {table: whiskies, column: {name: price, type: money}}\n")

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, ErrInvalidMigrationFile))
	})

	t.Run("rollback that does not undo migrate", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_add_age.yaml", `migrate:
  - add_column: {table: whiskies, column: {name: age, type: integer, nullable: true}}
rollback:
  - remove_column: {table: whiskies, column: name}
`)

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, migration.ErrNotReversible))
	})

	t.Run("duplicate versions", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_first.migrate.sql", "SELECT 1;\n")
		writeStub(t, folder, "1_second.migrate.sql", "SELECT 2;\n")

		_, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		assert.True(t, errors.Is(err, migration.ErrDuplicateVersion))
	})

	t.Run("version format mismatch", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_first.migrate.sql", "SELECT 1;\n")

		_, err := NewLocalFSSource(folder, nil, migration.TimestampFormat).Select(ctx, Filter{})
		assert.True(t, errors.Is(err, migration.ErrInvalidVersionFormat))
	})

	t.Run("explicitly empty rollback stays empty", func(t *testing.T) {
		folder := t.TempDir()
		writeStub(t, folder, "001_add_age.yaml", `migrate:
  - add_column: {table: whiskies, column: {name: age, type: integer, nullable: true}}
rollback: []
`)

		migrations, err := NewLocalFSSource(folder, nil, "").Select(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, migrations, 1)
		assert.Empty(t, migrations[0].Rollback)
	})
}

func TestLocalFileSource_Create(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		folder := filepath.Join(t.TempDir(), "migrations")
		lfs := NewLocalFSSource(folder, nil, "")
		assert.False(t, lfs.IsValid())

		m, err := lfs.Create("012", "Add tasting notes", YAMLFormat)
		require.NoError(t, err)
		assert.Equal(t, "012_add_tasting_notes", m.Key)
		assert.Equal(t, migration.SequentialFormat, m.Version.Format)
		assert.True(t, lfs.IsValid())
		assert.FileExists(t, filepath.Join(folder, "012_add_tasting_notes.yaml"))

		assert.True(t, lfs.AlreadyExists("012", "Add tasting notes"))
		assert.True(t, lfs.AlreadyExists("12", "Something else"))
		assert.False(t, lfs.AlreadyExists("013", "Add tasting notes"))

		_, err = lfs.Create("012", "Add tasting notes", YAMLFormat)
		assert.True(t, errors.Is(err, migration.ErrDuplicateVersion))

		migrations, err := lfs.Select(context.Background(), Filter{})
		require.NoError(t, err)
		require.Len(t, migrations, 1)
		assert.Empty(t, migrations[0].Migrate)
	})

	t.Run("sql", func(t *testing.T) {
		folder := t.TempDir()
		lfs := NewLocalFSSource(folder, nil, "")

		_, err := lfs.Create("1597897177", "Create baz table", SQLFormat)
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(folder, "1597897177_create_baz_table.migrate.sql"))
		assert.FileExists(t, filepath.Join(folder, "1597897177_create_baz_table.rollback.sql"))
	})

	t.Run("invalid input", func(t *testing.T) {
		lfs := NewLocalFSSource(t.TempDir(), nil, "")

		_, err := lfs.Create("abc", "Create baz table", SQLFormat)
		assert.True(t, errors.Is(err, migration.ErrInvalidVersionFormat))

		_, err = lfs.Create("001", " ", SQLFormat)
		assert.True(t, errors.Is(err, migration.ErrInvalidMigrationName))
	})
}

func TestRawSteps(t *testing.T) {
	tt := []struct {
		name     string
		contents string
		expect   []migration.Step
	}{
		{name: "empty", contents: "", expect: nil},
		{name: "comments only", contents: "-- nothing to do\n\n", expect: nil},
		{
			name:     "missing trailing semicolon",
			contents: "ALTER TABLE whiskies ADD COLUMN age INT",
			expect:   []migration.Step{migration.Raw{SQL: "ALTER TABLE whiskies ADD COLUMN age INT"}},
		},
		{
			name:     "several statements",
			contents: "DELETE FROM a;\n\n-- b\nDELETE FROM b;\n",
			expect:   []migration.Step{migration.Raw{SQL: "DELETE FROM a;"}, migration.Raw{SQL: "DELETE FROM b;"}},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, rawSteps([]byte(tc.contents)))
		})
	}
}

func TestInMemorySource(t *testing.T) {
	src, err := NewInMemorySource(
		migration.New("001", "Create users", []migration.Step{
			migration.CreateTable{Table: schema.Table{Name: "users", Columns: []schema.Column{schema.UUID("id").PrimaryKey()}}},
		}, nil),
		migration.New("002", "Seed users", []migration.Step{migration.Raw{SQL: "INSERT INTO users (id) VALUES ('u1')"}}, nil),
	)
	require.NoError(t, err)

	assert.True(t, src.IsValid())
	assert.True(t, src.AlreadyExists("2", ""))

	all, err := src.Select(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_users", "002_seed_users"}, all.Keys())

	some, err := src.Select(context.Background(), Filter{Versions: []migration.Version{{Value: "002"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_seed_users"}, some.Keys())

	_, err = src.Create("003", "Anything", YAMLFormat)
	assert.True(t, errors.Is(err, ErrReadOnlySource))
}
