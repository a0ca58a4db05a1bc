package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/denismitr/dram/schema"
)

// Step is one schema mutation of a migration
type Step interface {
	Apply(ctx context.Context, h schema.Handle) error
	// Inverse returns the step undoing this one, false when it cannot be derived
	Inverse() (Step, bool)
	String() string
}

type (
	CreateTable struct {
		Table schema.Table
	}

	// DropTable keeps the optional definition so that it can be inverted
	DropTable struct {
		Name       string
		Definition *schema.Table
	}

	AddColumn struct {
		Table  string
		Column schema.Column
	}

	RemoveColumn struct {
		Table      string
		Column     string
		Definition *schema.Column
	}

	ChangeColumn struct {
		Table string
		From  schema.Column
		To    schema.Column
	}

	AddIndex struct {
		Table string
		Index schema.Index
	}

	RemoveIndex struct {
		Table string
		Index schema.Index
	}

	Backfill struct {
		Update schema.Update
	}

	Raw struct {
		SQL  string
		Args []interface{}
	}
)

var (
	_ Step = (*CreateTable)(nil)
	_ Step = (*DropTable)(nil)
	_ Step = (*AddColumn)(nil)
	_ Step = (*RemoveColumn)(nil)
	_ Step = (*ChangeColumn)(nil)
	_ Step = (*AddIndex)(nil)
	_ Step = (*RemoveIndex)(nil)
	_ Step = (*Backfill)(nil)
	_ Step = (*Raw)(nil)
)

func (s CreateTable) Apply(ctx context.Context, h schema.Handle) error {
	return h.CreateTable(ctx, s.Table)
}

func (s CreateTable) Inverse() (Step, bool) {
	t := s.Table
	return DropTable{Name: t.Name, Definition: &t}, true
}

func (s CreateTable) String() string {
	return "create table " + s.Table.Name
}

func (s DropTable) Apply(ctx context.Context, h schema.Handle) error {
	return h.DropTable(ctx, s.Name)
}

func (s DropTable) Inverse() (Step, bool) {
	if s.Definition == nil {
		return nil, false
	}

	return CreateTable{Table: *s.Definition}, true
}

func (s DropTable) String() string {
	return "drop table " + s.Name
}

func (s AddColumn) Apply(ctx context.Context, h schema.Handle) error {
	return h.AddColumn(ctx, s.Table, s.Column)
}

func (s AddColumn) Inverse() (Step, bool) {
	c := s.Column
	return RemoveColumn{Table: s.Table, Column: c.Name, Definition: &c}, true
}

func (s AddColumn) String() string {
	return fmt.Sprintf("add column %s.%s", s.Table, s.Column.Describe())
}

func (s RemoveColumn) Apply(ctx context.Context, h schema.Handle) error {
	return h.RemoveColumn(ctx, s.Table, s.Column)
}

func (s RemoveColumn) Inverse() (Step, bool) {
	if s.Definition == nil {
		return nil, false
	}

	return AddColumn{Table: s.Table, Column: *s.Definition}, true
}

func (s RemoveColumn) String() string {
	return fmt.Sprintf("remove column %s.%s", s.Table, s.Column)
}

func (s ChangeColumn) Apply(ctx context.Context, h schema.Handle) error {
	return h.ChangeColumn(ctx, s.Table, s.To)
}

func (s ChangeColumn) Inverse() (Step, bool) {
	if s.From.Name == "" {
		return nil, false
	}

	return ChangeColumn{Table: s.Table, From: s.To, To: s.From}, true
}

func (s ChangeColumn) String() string {
	return fmt.Sprintf("change column %s.%s", s.Table, s.To.Describe())
}

func (s AddIndex) Apply(ctx context.Context, h schema.Handle) error {
	return h.AddIndex(ctx, s.Table, s.Index)
}

func (s AddIndex) Inverse() (Step, bool) {
	return RemoveIndex{Table: s.Table, Index: s.Index}, true
}

func (s AddIndex) String() string {
	kind := "index"
	if s.Index.Unique {
		kind = "unique index"
	}

	return fmt.Sprintf(
		"add %s %s on %s(%s)",
		kind, s.Index.IndexName(s.Table), s.Table, strings.Join(s.Index.Columns, ", "),
	)
}

func (s RemoveIndex) Apply(ctx context.Context, h schema.Handle) error {
	return h.RemoveIndex(ctx, s.Table, s.Index)
}

func (s RemoveIndex) Inverse() (Step, bool) {
	return AddIndex{Table: s.Table, Index: s.Index}, true
}

func (s RemoveIndex) String() string {
	return fmt.Sprintf(
		"remove index %s on %s(%s)",
		s.Index.IndexName(s.Table), s.Table, strings.Join(s.Index.Columns, ", "),
	)
}

func (s Backfill) Apply(ctx context.Context, h schema.Handle) error {
	return h.Update(ctx, s.Update)
}

// Inverse of a backfill does not exist, previous row values are gone
func (Backfill) Inverse() (Step, bool) {
	return nil, false
}

func (s Backfill) String() string {
	return s.Update.String()
}

func (s Raw) Apply(ctx context.Context, h schema.Handle) error {
	return h.ExecuteRaw(ctx, s.SQL, s.Args...)
}

func (Raw) Inverse() (Step, bool) {
	return nil, false
}

func (s Raw) String() string {
	return "raw " + strings.TrimSpace(s.SQL)
}

// structural steps are the ones taking part in reversibility checks
func structural(s Step) bool {
	switch s.(type) {
	case Backfill, *Backfill, Raw, *Raw:
		return false
	default:
		return true
	}
}
