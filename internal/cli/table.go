package cli

import (
	"io"
	"strconv"

	"github.com/denismitr/dram"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/pkg/errors"
)

const (
	statusApplied = "applied"
	statusPending = "pending"
	statusMissing = "missing"

	migratedAtLayout = "2006-01-02 15:04:05"
)

var statusHeader = []string{"version", "name", "batch", "migrated at", "status"}

func statusRows(status []dram.MigrationStatus) [][]string {
	rows := make([][]string, 0, len(status))
	for _, s := range status {
		batch, migratedAt, state := "", "", statusPending
		if s.Applied {
			batch = strconv.FormatUint(uint64(s.Version.Batch), 10)
			migratedAt = s.Version.MigratedAt.Format(migratedAtLayout)
			state = statusApplied
		}
		name := s.Name
		if s.Missing {
			name, state = s.Key, statusMissing
		}

		rows = append(rows, []string{s.Version.Value, name, batch, migratedAt, state})
	}

	return rows
}

func renderStatus(w io.Writer, status []dram.MigrationStatus) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(
			tw.Rendition{
				Borders: tw.BorderNone,
				Symbols: tw.NewSymbols(tw.StyleASCII),
				Settings: tw.Settings{
					Lines: tw.Lines{
						ShowHeaderLine: tw.On,
						ShowFooterLine: tw.Off,
						ShowTop:        tw.Off,
						ShowBottom:     tw.Off,
					},
					Separators: tw.Separators{
						BetweenRows:    tw.Off,
						BetweenColumns: tw.Off,
					},
				},
			},
		)),
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
	)

	table.Header(statusHeader)
	if err := table.Bulk(statusRows(status)); err != nil {
		return errors.Wrap(err, "could not build status table")
	}

	return errors.Wrap(table.Render(), "could not render status table")
}
