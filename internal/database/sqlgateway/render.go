package sqlgateway

import (
	"fmt"
	"strings"

	"github.com/denismitr/dram/schema"
)

// QuoteString renders a SQL string literal
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Literal renders a default value, expressions go verbatim and
// booleans are rendered by the dialect
func Literal(v interface{}, boolean func(bool) string) string {
	switch val := v.(type) {
	case schema.Expression:
		return string(val)
	case string:
		return QuoteString(val)
	case bool:
		return boolean(val)
	default:
		return fmt.Sprint(val)
	}
}

// QuoteAll quotes every identifier and joins them with commas
func QuoteAll(quote func(string) string, identifiers []string) string {
	quoted := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		quoted = append(quoted, quote(id))
	}
	return strings.Join(quoted, ", ")
}

// ForeignKeyName is the constraint name used for a column reference
func ForeignKeyName(table, column string) string {
	return table + "_" + column + "_foreign"
}

// References renders the REFERENCES clause with its referential actions
func References(quote func(string) string, fk *schema.ForeignKey) string {
	s := "REFERENCES " + quote(fk.Table) + " (" + quote(fk.Column) + ")"
	if fk.OnUpdate != schema.NoAction {
		s += " ON UPDATE " + string(fk.OnUpdate)
	}
	if fk.OnDelete != schema.NoAction {
		s += " ON DELETE " + string(fk.OnDelete)
	}
	return s
}

// IndexStatement renders CREATE [UNIQUE] INDEX with the derived index name
func IndexStatement(quote func(string) string, table string, idx schema.Index) string {
	s := "CREATE "
	if idx.Unique {
		s += "UNIQUE "
	}
	return s + "INDEX " + quote(idx.IndexName(table)) + " ON " + quote(table) + " (" + QuoteAll(quote, idx.Columns) + ")"
}
