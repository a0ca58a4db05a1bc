package logger

import (
	"bytes"
	"log"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestBWLogger(t *testing.T) {
	t.Run("sql and debug are printed only when enabled", func(t *testing.T) {
		var buf bytes.Buffer
		lg := NewBWLogger(log.New(&buf, "", 0), false, false)

		lg.Debugf("hidden %d", 1)
		lg.SQL("SELECT 1")
		lg.Successf("migrated %s", "002_add_distillery_id_to_whiskies_table")
		lg.Error(errors.New("boom"))

		assert.Equal(t, "dram: migrated 002_add_distillery_id_to_whiskies_table\ndram error: boom\n", buf.String())
	})

	t.Run("sql parameters are listed", func(t *testing.T) {
		var buf bytes.Buffer
		lg := NewBWLogger(log.New(&buf, "", 0), true, true)

		lg.SQL("DELETE FROM migrations WHERE version = ?", "002")

		assert.Equal(t, "dram running sql: DELETE FROM migrations WHERE version = ?\nquery parameters: {\"002\"}\n", buf.String())
	})
}

func TestColoredLogger(t *testing.T) {
	var buf bytes.Buffer
	lg := NewColorLogger(log.New(&buf, "", 0), true, true)

	lg.Successf("rolled back %s", "011_add_two_factor_columns_to_users_table")
	lg.Debugf("debug")
	lg.SQL("SELECT 1")

	out := buf.String()
	assert.Contains(t, out, "dram: rolled back 011_add_two_factor_columns_to_users_table")
	assert.Contains(t, out, "dram debug: debug")
	assert.Contains(t, out, "dram running sql: SELECT 1")
	assert.Contains(t, out, "\x1b[")
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	lg := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	lg.Successf("migrated %s", "001_create_catalog_tables")
	lg.SQL("SELECT 1")
	lg.Debugf("hidden")

	out := buf.String()
	assert.Contains(t, out, "msg=\"migrated 001_create_catalog_tables\"")
	assert.NotContains(t, out, "SELECT 1")
	assert.NotContains(t, out, "hidden")
}
