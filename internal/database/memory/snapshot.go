package memory

import (
	"sort"

	"github.com/denismitr/dram/schema"
)

// TableShape is the observable structure of a table without its rows
type TableShape struct {
	Columns []string
	Indexes []string
}

// Snapshot describes every table in a comparable form,
// columns keep their definition order and indexes are sorted by name
func (e *Engine) Snapshot() map[string]TableShape {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make(map[string]TableShape, len(e.tables))
	for _, name := range sortedTableNames(e.tables) {
		t := e.tables[name]

		var shape TableShape
		for _, c := range t.columns {
			shape.Columns = append(shape.Columns, c.Describe())
		}

		for _, idx := range t.indexes {
			shape.Indexes = append(shape.Indexes, describeIndex(idx))
		}
		sort.Strings(shape.Indexes)

		result[name] = shape
	}

	return result
}

// Column returns the current definition of a column
func (e *Engine) Column(tableName, column string) (schema.Column, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tables[tableName]
	if !ok {
		return schema.Column{}, false
	}

	pos := t.column(column)
	if pos < 0 {
		return schema.Column{}, false
	}

	return t.columns[pos], true
}

// HasIndex checks for an index by its derived or explicit name
func (e *Engine) HasIndex(tableName string, idx schema.Index) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tables[tableName]
	if !ok {
		return false
	}

	name := idx.IndexName(tableName)
	for _, existing := range t.indexes {
		if existing.Name == name {
			return true
		}
	}

	return false
}

func describeIndex(idx schema.Index) string {
	s := idx.Name + "("
	for i, c := range idx.Columns {
		if i > 0 {
			s += ","
		}
		s += c
	}
	s += ")"

	if idx.Unique {
		s += " unique"
	}

	return s
}
