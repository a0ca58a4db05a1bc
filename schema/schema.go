package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type (
	// Type of the column as seen by the migration layer,
	// each engine maps it to its own native type
	Type int

	// Action is a referential action of a foreign key
	Action string

	// Expression is a default value or an assigned value rendered verbatim by the engine
	Expression string
)

const (
	StringType Type = iota + 1
	UUIDType
	BooleanType
	TimestampType
	TextType
	EnumType
	IntegerType
)

const (
	NoAction Action = ""
	Cascade  Action = "CASCADE"
	SetNull  Action = "SET NULL"
	Restrict Action = "RESTRICT"
)

const CurrentTimestamp Expression = "CURRENT_TIMESTAMP"

const DefaultStringLength = 255

func (t Type) String() string {
	switch t {
	case StringType:
		return "string"
	case UUIDType:
		return "uuid"
	case BooleanType:
		return "boolean"
	case TimestampType:
		return "timestamp"
	case TextType:
		return "text"
	case EnumType:
		return "enum"
	case IntegerType:
		return "integer"
	default:
		return "unknown"
	}
}

// ParseType is the inverse of Type.String
func ParseType(s string) (Type, error) {
	for t := StringType; t <= IntegerType; t++ {
		if t.String() == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}

	return 0, errors.Errorf("unknown column type [%s]", s)
}

type ForeignKey struct {
	Table    string
	Column   string
	OnUpdate Action
	OnDelete Action
}

type Column struct {
	Name     string
	Type     Type
	Length   int
	Values   []string
	Nullable bool
	Primary  bool
	Default  interface{}
	Comment  string
	Foreign  *ForeignKey
}

type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// IndexName returns the explicit index name or derives one from the table and the columns
func (idx Index) IndexName(table string) string {
	if idx.Name != "" {
		return idx.Name
	}

	return table + "_" + strings.Join(idx.Columns, "_") + "_index"
}

type Table struct {
	Name    string
	Columns []Column
	Indexes []Index
}

// PrimaryKey lists the names of primary columns in definition order
func (t Table) PrimaryKey() []string {
	var result []string
	for _, c := range t.Columns {
		if c.Primary {
			result = append(result, c.Name)
		}
	}
	return result
}

type Assignment struct {
	Column string
	Value  interface{}
}

type Predicate struct {
	Column string
	IsNull bool
	Value  interface{}
}

// Update is a structured backfill: every row matching at least one predicate
// gets the assignments, no predicates means every row
type Update struct {
	Table string
	Set   []Assignment
	Where []Predicate
}

func (u Update) String() string {
	var sets []string
	for _, a := range u.Set {
		sets = append(sets, fmt.Sprintf("%s = %v", a.Column, a.Value))
	}

	var preds []string
	for _, p := range u.Where {
		preds = append(preds, p.String())
	}

	s := fmt.Sprintf("update %s set %s", u.Table, strings.Join(sets, ", "))
	if len(preds) > 0 {
		s += " where " + strings.Join(preds, " or ")
	}

	return s
}

func (p Predicate) String() string {
	if p.IsNull {
		return p.Column + " is null"
	}

	return fmt.Sprintf("%s = %v", p.Column, p.Value)
}

// Matches evaluates the predicate against a single row value
func (p Predicate) Matches(v interface{}) bool {
	if p.IsNull {
		return v == nil
	}

	return v != nil && fmt.Sprint(v) == fmt.Sprint(p.Value)
}

func IsNull(column string) Predicate {
	return Predicate{Column: column, IsNull: true}
}

func Equals(column string, value interface{}) Predicate {
	return Predicate{Column: column, Value: value}
}

func Set(column string, value interface{}) Assignment {
	return Assignment{Column: column, Value: value}
}

// Handle is the only thing that touches the live schema
type Handle interface {
	CreateTable(ctx context.Context, t Table) error
	DropTable(ctx context.Context, name string) error
	AddColumn(ctx context.Context, table string, c Column) error
	RemoveColumn(ctx context.Context, table, column string) error
	ChangeColumn(ctx context.Context, table string, c Column) error
	AddIndex(ctx context.Context, table string, idx Index) error
	RemoveIndex(ctx context.Context, table string, idx Index) error
	Update(ctx context.Context, u Update) error
	ExecuteRaw(ctx context.Context, statement string, args ...interface{}) error
}
