package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
)

type (
	Row map[string]interface{}

	// RawExecutor decides what a raw statement does to an in-memory schema
	RawExecutor func(ctx context.Context, statement string, args ...interface{}) error

	Option func(*Engine)

	table struct {
		name    string
		columns []schema.Column
		indexes []schema.Index
		rows    []Row
	}
)

// Engine keeps tables, rows, the ledger and the lock in process memory
type Engine struct {
	mu          sync.RWMutex
	tables      map[string]*table
	ledger      []database.Entry
	ledgerReady bool
	raw         RawExecutor
	statements  []string
	clock       migration.ClockFunc

	lock        chan struct{}
	lockTimeout time.Duration
	noLock      bool
}

var _ database.Engine = (*Engine)(nil)

func WithRawExecutor(re RawExecutor) Option {
	return func(e *Engine) {
		e.raw = re
	}
}

func WithClock(cf migration.ClockFunc) Option {
	return func(e *Engine) {
		e.clock = cf
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

func WithNoLock() Option {
	return func(e *Engine) {
		e.noLock = true
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		tables: make(map[string]*table),
		clock:  time.Now,
		lock:   make(chan struct{}, 1),
	}

	for _, o := range opts {
		o(e)
	}

	return e
}

func (e *Engine) Close() error {
	return nil
}

func (e *Engine) CreateTable(_ context.Context, t schema.Table) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tables[t.Name]; ok {
		return errors.Wrapf(schema.ErrSchemaOperation, "table %s already exists", t.Name)
	}

	nt := &table{name: t.Name}
	for _, c := range t.Columns {
		if nt.column(c.Name) >= 0 {
			return errors.Wrapf(schema.ErrDuplicateColumn, "%s.%s", t.Name, c.Name)
		}

		if err := e.checkForeignKey(t.Name, c); err != nil {
			return err
		}

		nt.columns = append(nt.columns, c)
	}

	for _, idx := range t.Indexes {
		if err := nt.addIndex(idx); err != nil {
			return err
		}
	}

	e.tables[t.Name] = nt

	return nil
}

func (e *Engine) DropTable(_ context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.tables[name]; !ok {
		return errors.Wrapf(schema.ErrSchemaOperation, "table %s does not exist", name)
	}

	for _, other := range e.tables {
		if other.name == name {
			continue
		}

		for _, c := range other.columns {
			if c.Foreign != nil && c.Foreign.Table == name {
				return errors.Wrapf(
					schema.ErrSchemaOperation,
					"table %s is referenced by %s.%s", name, other.name, c.Name,
				)
			}
		}
	}

	delete(e.tables, name)

	return nil
}

func (e *Engine) AddColumn(_ context.Context, tableName string, c schema.Column) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(tableName)
	if err != nil {
		return err
	}

	if t.column(c.Name) >= 0 {
		return errors.Wrapf(schema.ErrDuplicateColumn, "%s.%s", tableName, c.Name)
	}

	if err := e.checkForeignKey(tableName, c); err != nil {
		return err
	}

	if !c.Nullable && c.Default == nil && len(t.rows) > 0 {
		return errors.Wrapf(
			schema.ErrConstraintViolation,
			"%s.%s is not nullable, has no default and the table has %d rows",
			tableName, c.Name, len(t.rows),
		)
	}

	if !c.AllowsValue(c.Default) {
		return errors.Wrapf(schema.ErrSchemaOperation, "default %v is not one of %v", c.Default, c.Values)
	}

	t.columns = append(t.columns, c)
	for _, r := range t.rows {
		r[c.Name] = e.value(c.Default)
	}

	return nil
}

func (e *Engine) RemoveColumn(_ context.Context, tableName, column string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(tableName)
	if err != nil {
		return err
	}

	pos := t.column(column)
	if pos < 0 {
		return errors.Wrapf(schema.ErrMissingColumn, "%s.%s", tableName, column)
	}

	t.columns = append(t.columns[:pos], t.columns[pos+1:]...)

	var indexes []schema.Index
	for _, idx := range t.indexes {
		if !covers(idx, column) {
			indexes = append(indexes, idx)
		}
	}
	t.indexes = indexes

	for _, r := range t.rows {
		delete(r, column)
	}

	return nil
}

func (e *Engine) ChangeColumn(_ context.Context, tableName string, c schema.Column) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(tableName)
	if err != nil {
		return err
	}

	pos := t.column(c.Name)
	if pos < 0 {
		return errors.Wrapf(schema.ErrMissingColumn, "%s.%s", tableName, c.Name)
	}

	if err := e.checkForeignKey(tableName, c); err != nil {
		return err
	}

	var nulls int
	for _, r := range t.rows {
		if r[c.Name] == nil {
			nulls++
			continue
		}

		if !c.AllowsValue(r[c.Name]) {
			return errors.Wrapf(
				schema.ErrConstraintViolation,
				"%s.%s holds %v which is not one of %v", tableName, c.Name, r[c.Name], c.Values,
			)
		}
	}

	if !c.Nullable && nulls > 0 {
		return errors.Wrapf(
			schema.ErrConstraintViolation,
			"%s.%s cannot become not nullable, %d rows hold NULL", tableName, c.Name, nulls,
		)
	}

	t.columns[pos] = c

	return nil
}

func (e *Engine) AddIndex(_ context.Context, tableName string, idx schema.Index) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(tableName)
	if err != nil {
		return err
	}

	idx.Name = idx.IndexName(tableName)

	return t.addIndex(idx)
}

func (e *Engine) RemoveIndex(_ context.Context, tableName string, idx schema.Index) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(tableName)
	if err != nil {
		return err
	}

	name := idx.IndexName(tableName)
	for i := range t.indexes {
		if t.indexes[i].Name == name {
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			return nil
		}
	}

	return errors.Wrapf(schema.ErrSchemaOperation, "index %s does not exist on %s", name, tableName)
}

func (e *Engine) Update(_ context.Context, u schema.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tables[u.Table]
	if !ok {
		return errors.Wrapf(schema.ErrDataMigration, "table %s does not exist", u.Table)
	}

	for _, a := range u.Set {
		pos := t.column(a.Column)
		if pos < 0 {
			return errors.Wrapf(schema.ErrDataMigration, "%s.%s does not exist", u.Table, a.Column)
		}

		c := t.columns[pos]
		if !c.AllowsValue(a.Value) {
			return errors.Wrapf(schema.ErrDataMigration, "%v is not one of %v for %s.%s", a.Value, c.Values, u.Table, c.Name)
		}

		if a.Value == nil && !c.Nullable {
			return errors.Wrapf(schema.ErrDataMigration, "%s.%s is not nullable", u.Table, c.Name)
		}
	}

	for _, p := range u.Where {
		if t.column(p.Column) < 0 {
			return errors.Wrapf(schema.ErrDataMigration, "%s.%s does not exist", u.Table, p.Column)
		}
	}

	for _, r := range t.rows {
		if !matches(r, u.Where) {
			continue
		}

		for _, a := range u.Set {
			r[a.Column] = e.value(a.Value)
		}
	}

	return nil
}

func (e *Engine) ExecuteRaw(ctx context.Context, statement string, args ...interface{}) error {
	e.mu.Lock()
	e.statements = append(e.statements, statement)
	raw := e.raw
	e.mu.Unlock()

	if raw == nil {
		return nil
	}

	if err := raw(ctx, statement, args...); err != nil {
		return errors.Wrap(schema.ErrDataMigration, err.Error())
	}

	return nil
}

// Statements lists every raw statement received so far
func (e *Engine) Statements() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]string, len(e.statements))
	copy(result, e.statements)
	return result
}

// Insert seeds a row, missing columns get their defaults
func (e *Engine) Insert(tableName string, r Row) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.table(tableName)
	if err != nil {
		return err
	}

	row := make(Row, len(t.columns))
	for _, c := range t.columns {
		v, ok := r[c.Name]
		if !ok {
			v = e.value(c.Default)
		}

		if v == nil && !c.Nullable {
			return errors.Wrapf(schema.ErrConstraintViolation, "%s.%s is not nullable", tableName, c.Name)
		}

		if !c.AllowsValue(v) {
			return errors.Wrapf(schema.ErrConstraintViolation, "%v is not one of %v", v, c.Values)
		}

		row[c.Name] = v
	}

	for k := range r {
		if t.column(k) < 0 {
			return errors.Wrapf(schema.ErrMissingColumn, "%s.%s", tableName, k)
		}
	}

	t.rows = append(t.rows, row)

	return nil
}

// Rows returns copies of the stored rows in insertion order
func (e *Engine) Rows(tableName string) ([]Row, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, err := e.table(tableName)
	if err != nil {
		return nil, err
	}

	result := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		result = append(result, cp)
	}

	return result, nil
}

func (e *Engine) table(name string) (*table, error) {
	t, ok := e.tables[name]
	if !ok {
		return nil, errors.Wrapf(schema.ErrSchemaOperation, "table %s does not exist", name)
	}
	return t, nil
}

func (e *Engine) checkForeignKey(tableName string, c schema.Column) error {
	if c.Foreign == nil {
		return nil
	}

	target, ok := e.tables[c.Foreign.Table]
	if !ok && c.Foreign.Table != tableName {
		return errors.Wrapf(
			schema.ErrSchemaOperation,
			"%s.%s references missing table %s", tableName, c.Name, c.Foreign.Table,
		)
	}

	if ok && target.column(c.Foreign.Column) < 0 {
		return errors.Wrapf(
			schema.ErrSchemaOperation,
			"%s.%s references missing column %s.%s", tableName, c.Name, c.Foreign.Table, c.Foreign.Column,
		)
	}

	return nil
}

func (e *Engine) value(v interface{}) interface{} {
	if expr, ok := v.(schema.Expression); ok && expr == schema.CurrentTimestamp {
		return e.clock().UTC()
	}
	return v
}

func (t *table) column(name string) int {
	for i := range t.columns {
		if t.columns[i].Name == name {
			return i
		}
	}
	return -1
}

func (t *table) addIndex(idx schema.Index) error {
	idx.Name = idx.IndexName(t.name)

	for _, existing := range t.indexes {
		if existing.Name == idx.Name {
			return errors.Wrapf(schema.ErrSchemaOperation, "index %s already exists", idx.Name)
		}
	}

	for _, c := range idx.Columns {
		if t.column(c) < 0 {
			return errors.Wrapf(schema.ErrMissingColumn, "%s.%s", t.name, c)
		}
	}

	if idx.Unique {
		seen := make(map[string]struct{}, len(t.rows))
		for _, r := range t.rows {
			key := fmt.Sprint(project(r, idx.Columns)...)
			if _, dup := seen[key]; dup {
				return errors.Wrapf(schema.ErrConstraintViolation, "duplicate values for unique index %s", idx.Name)
			}
			seen[key] = struct{}{}
		}
	}

	t.indexes = append(t.indexes, idx)

	return nil
}

func project(r Row, columns []string) []interface{} {
	result := make([]interface{}, 0, len(columns))
	for _, c := range columns {
		result = append(result, r[c], "|")
	}
	return result
}

func covers(idx schema.Index, column string) bool {
	for _, c := range idx.Columns {
		if c == column {
			return true
		}
	}
	return false
}

func matches(r Row, where []schema.Predicate) bool {
	if len(where) == 0 {
		return true
	}

	for _, p := range where {
		if p.Matches(r[p.Column]) {
			return true
		}
	}

	return false
}

func sortedTableNames(tables map[string]*table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
