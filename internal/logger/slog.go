package logger

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogLogger forwards migration events to a structured logger
type SlogLogger struct {
	l *slog.Logger
}

var _ Logger = (*SlogLogger)(nil)

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

func (sl *SlogLogger) Successf(format string, args ...interface{}) {
	sl.l.Info(fmt.Sprintf(format, args...))
}

func (sl *SlogLogger) Debugf(format string, args ...interface{}) {
	sl.l.Debug(fmt.Sprintf(format, args...))
}

func (sl *SlogLogger) Error(err error) {
	sl.l.Error(err.Error())
}

func (sl *SlogLogger) SQL(query string, args ...interface{}) {
	if !sl.l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	sl.l.Debug("running sql", "query", query, "args", args)
}
