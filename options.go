package dram

import (
	"log/slog"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/migration"
	"go.opentelemetry.io/otel/trace"
)

type OptionFunc func(*Migrator) error

func UseColorLogger(p logger.Printer, printSql, printDebug bool) OptionFunc {
	return func(m *Migrator) error {
		m.lg = logger.NewColorLogger(p, printSql, printDebug)
		return nil
	}
}

func UseLogger(p logger.Printer, printSql, printDebug bool) OptionFunc {
	return func(m *Migrator) error {
		m.lg = logger.NewBWLogger(p, printSql, printDebug)
		return nil
	}
}

// UseSlogLogger sends migration events to a structured logger, SQL is logged at debug level
func UseSlogLogger(l *slog.Logger) OptionFunc {
	return func(m *Migrator) error {
		m.lg = logger.NewSlogLogger(l)
		return nil
	}
}

// WithClock replaces the clock used for migrated_at values
func WithClock(cf migration.ClockFunc) OptionFunc {
	return func(m *Migrator) error {
		m.runnerOpts = append(m.runnerOpts, database.WithClock(cf))
		return nil
	}
}

func WithTracerProvider(tp trace.TracerProvider) OptionFunc {
	return func(m *Migrator) error {
		m.runnerOpts = append(m.runnerOpts, database.WithTracerProvider(tp))
		return nil
	}
}
