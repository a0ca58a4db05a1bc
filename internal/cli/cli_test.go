package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogFolder(t *testing.T) string {
	t.Helper()

	folder, err := filepath.Abs(filepath.Join("..", "source", "testdata", "catalog"))
	require.NoError(t, err)

	return folder
}

type run struct {
	t      *testing.T
	config string
}

func newRun(t *testing.T, databaseURL, folder string) *run {
	t.Helper()

	path := writeConfig(t, fmt.Sprintf(`version: "1"
migrations:
  database_url: %q
  local_folder: %q
  migrations_table: schema_migrations
  lock_timeout: 1s
`, databaseURL, folder))

	return &run{t: t, config: path}
}

func (r *run) exec(args ...string) (string, string, error) {
	r.t.Helper()

	var stdout, stderr bytes.Buffer
	err := Execute(context.Background(), append([]string{"--config", r.config}, args...), &stdout, &stderr, false)

	return stdout.String(), stderr.String(), err
}

func TestExecute_Sqlite(t *testing.T) {
	r := newRun(t, "sqlite:"+filepath.Join(t.TempDir(), "catalog.db"), catalogFolder(t))

	out, _, err := r.exec("migrate", "--steps", "2")
	require.NoError(t, err)
	assert.Equal(t, "migrated 001_create_distilleries_table\nmigrated 002_create_whiskies_table\n", out)

	out, _, err = r.exec("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Create whiskies table")
	assert.Contains(t, out, statusApplied)
	assert.Contains(t, out, statusPending)

	out, _, err = r.exec("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated 005_add_approval_status_to_whiskies_table")

	out, logs, err := r.exec("migrate")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, logs, "nothing to migrate")

	out, _, err = r.exec("rollback")
	require.NoError(t, err)
	assert.Equal(t, "rolled back 005_add_approval_status_to_whiskies_table\n", out)

	out, _, err = r.exec("refresh", "--steps", "1")
	require.NoError(t, err)
	assert.Equal(t, "rolled back 004_seed_regions\nmigrated 004_seed_regions\n", out)

	out, _, err = r.exec("rollback", "--version", "3")
	require.NoError(t, err)
	assert.Equal(t, "rolled back 003_add_distillery_id_to_whiskies_table\n", out)

	out, _, err = r.exec("reset")
	require.NoError(t, err)
	assert.Contains(t, out, "rolled back 001_create_distilleries_table")

	out, _, err = r.exec("status")
	require.NoError(t, err)
	assert.NotContains(t, out, statusApplied)
}

func TestExecute_Create(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "migrations")
	r := newRun(t, "memory:", folder)

	out, _, err := r.exec("create", "create_tastings_table")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("created 001_create_tastings_table in %s\n", folder), out)
	assert.FileExists(t, filepath.Join(folder, "001_create_tastings_table.yaml"))

	_, _, err = r.exec("create", "seed_tastings", "--sql")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(folder, "002_seed_tastings.migrate.sql"))
	assert.FileExists(t, filepath.Join(folder, "002_seed_tastings.rollback.sql"))

	_, _, err = r.exec("create", "add_score", "--format", "weekly")
	assert.ErrorIs(t, err, ErrInvalidVersionFormat)

	before := time.Now().Unix()
	_, _, err = r.exec("create", "add_score", "--format", "timestamp")
	require.NoError(t, err)

	entries, err := os.ReadDir(folder)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Regexp(t, `^\d{10}_add_score\.yaml$`, entries[3].Name())
	assert.GreaterOrEqual(t, entries[3].Name()[:10], fmt.Sprint(before))
}

func TestExecute_Init(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dram.yaml")

	var stdout, stderr bytes.Buffer
	require.NoError(t, Execute(context.Background(), []string{"init", path}, &stdout, &stderr, false))
	assert.FileExists(t, path)
	assert.Equal(t, fmt.Sprintf("created %s\n", path), stdout.String())

	err := Execute(context.Background(), []string{"init", path}, &stdout, &stderr, false)
	assert.ErrorIs(t, err, ErrConfigAlreadyExists)
}

func TestExecute_InMemory(t *testing.T) {
	r := newRun(t, "memory:", catalogFolder(t))

	out, _, err := r.exec("migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated 004_seed_regions")

	_, _, err = r.exec("rollback", "--steps", "1", "--batch", "1")
	assert.Error(t, err)
}
