// Package logger reports migration progress. Printer backed loggers write
// prefixed lines, optionally colored with aurora; SlogLogger forwards to slog.
package logger

import (
	"fmt"
	"strings"

	"github.com/logrusorgru/aurora/v3"
)

const prefix = "dram"

// Printer is satisfied by *log.Logger
type Printer interface {
	Output(calldepth int, s string) error
}

type Logger interface {
	Successf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Error(err error)
	SQL(query string, args ...interface{})
}

// PrintLogger writes one line per event to a Printer
type PrintLogger struct {
	printer Printer
	au      aurora.Aurora
	sql     bool
	debug   bool
}

var _ Logger = (*PrintLogger)(nil)

func NewColorLogger(p Printer, sql, debug bool) *PrintLogger {
	return &PrintLogger{printer: p, au: aurora.NewAurora(true), sql: sql, debug: debug}
}

// NewBWLogger prints without escape sequences, for files and pipes
func NewBWLogger(p Printer, sql, debug bool) *PrintLogger {
	return &PrintLogger{printer: p, au: aurora.NewAurora(false), sql: sql, debug: debug}
}

func (pl *PrintLogger) output(v aurora.Value) {
	_ = pl.printer.Output(3, v.String())
}

func (pl *PrintLogger) Successf(format string, args ...interface{}) {
	pl.output(pl.au.Green(prefix + ": " + fmt.Sprintf(format, args...)))
}

func (pl *PrintLogger) Debugf(format string, args ...interface{}) {
	if !pl.debug {
		return
	}

	pl.output(pl.au.Yellow(prefix + " debug: " + fmt.Sprintf(format, args...)))
}

func (pl *PrintLogger) Error(err error) {
	pl.output(pl.au.Red(prefix + " error: " + err.Error()))
}

func (pl *PrintLogger) SQL(query string, args ...interface{}) {
	if !pl.sql {
		return
	}

	pl.output(pl.au.Gray(15, describeSQL(query, args)))
}

func describeSQL(query string, args []interface{}) string {
	line := prefix + " running sql: " + query
	if len(args) == 0 {
		return line
	}

	params := make([]string, len(args))
	for i, a := range args {
		params[i] = fmt.Sprintf("{%#v}", a)
	}

	return line + "\nquery parameters: " + strings.Join(params, ", ")
}
