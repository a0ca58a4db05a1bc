package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/denismitr/dram/schema"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const rebuildPrefix = "_dram_new_"

type Options struct {
	database.CommonOptions
}

// Dialect renders SQLite DDL. SQLite cannot alter or drop constrained columns
// in place, so those steps rebuild the table.
type Dialect struct {
	migrationsTable string
}

var _ sqlgateway.Dialect = (*Dialect)(nil)

func NewDialect(migrationsTable string) *Dialect {
	if migrationsTable == "" {
		migrationsTable = database.DefaultMigrationsTable
	}

	return &Dialect{migrationsTable: migrationsTable}
}

func (Dialect) DriverName() string {
	return "sqlite3"
}

func (Dialect) Quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func (d Dialect) InitQuery() string {
	const createSQL = `CREATE TABLE IF NOT EXISTS %s (
	version VARCHAR(14) PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	batch INTEGER NOT NULL,
	migrated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	return fmt.Sprintf(createSQL, d.Quote(d.migrationsTable))
}

func (d Dialect) InsertQuery() string {
	return fmt.Sprintf("INSERT INTO %s (version, name, batch, migrated_at) VALUES (?, ?, ?, ?)", d.Quote(d.migrationsTable))
}

func (d Dialect) RemoveQuery() string {
	return fmt.Sprintf("DELETE FROM %s WHERE version = ?", d.Quote(d.migrationsTable))
}

func (d Dialect) ReadVersionsQuery() string {
	return fmt.Sprintf("SELECT version, name, batch, migrated_at FROM %s ORDER BY batch ASC, version ASC", d.Quote(d.migrationsTable))
}

func (d Dialect) DropQuery() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(d.migrationsTable))
}

func (Dialect) ShowTablesQuery() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
}

func (Dialect) ColumnExists(ctx context.Context, ex sqlgateway.Executor, table, column string) (bool, error) {
	var n int
	if err := ex.QueryRowxContext(ctx, "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "could not check column %s.%s", table, column)
	}

	return n > 0, nil
}

func (d Dialect) CreateTable(t schema.Table) (sqlgateway.Script, error) {
	definitions := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def, err := d.columnDefinition(c)
		if err != nil {
			return sqlgateway.Script{}, err
		}

		definitions = append(definitions, def)
	}

	if pk := t.PrimaryKey(); len(pk) > 0 {
		definitions = append(definitions, "PRIMARY KEY ("+sqlgateway.QuoteAll(d.Quote, pk)+")")
	}

	s := sqlgateway.Statements(fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", d.Quote(t.Name), strings.Join(definitions, ",\n\t")))
	s.Guards = referenceGuards(t.Name, t.Columns...)
	for _, idx := range t.Indexes {
		s.Body = append(s.Body, sqlgateway.IndexStatement(d.Quote, t.Name, idx))
	}
	s.Atomic = true

	return s, nil
}

func (d Dialect) DropTable(name string) sqlgateway.Script {
	return sqlgateway.Statements("DROP TABLE " + d.Quote(name))
}

func (d Dialect) AddColumn(table string, c schema.Column) (sqlgateway.Script, error) {
	def, err := d.columnDefinition(c)
	if err != nil {
		return sqlgateway.Script{}, err
	}

	s := sqlgateway.Statements(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), def))
	s.Guards = referenceGuards(table, c)

	return s, nil
}

func (d Dialect) RemoveColumn(
	ctx context.Context,
	ex sqlgateway.Executor,
	table, column string,
) (sqlgateway.Script, error) {
	return d.rebuild(ctx, ex, table, column, nil)
}

func (d Dialect) ChangeColumn(
	ctx context.Context,
	ex sqlgateway.Executor,
	table string,
	c schema.Column,
) (sqlgateway.Script, error) {
	return d.rebuild(ctx, ex, table, "", &c)
}

func (d Dialect) AddIndex(table string, idx schema.Index) sqlgateway.Script {
	return sqlgateway.Statements(sqlgateway.IndexStatement(d.Quote, table, idx))
}

func (d Dialect) RemoveIndex(
	_ context.Context,
	_ sqlgateway.Executor,
	table string,
	idx schema.Index,
) (sqlgateway.Script, error) {
	return sqlgateway.Statements("DROP INDEX " + d.Quote(idx.IndexName(table))), nil
}

func (Dialect) Classify(err error) error {
	var driverErr sqlite3.Error
	if !errors.As(err, &driverErr) {
		return err
	}

	msg := driverErr.Error()
	switch {
	case strings.Contains(msg, "duplicate column name"):
		return errors.Wrap(schema.ErrDuplicateColumn, msg)
	case strings.Contains(msg, "no such column"):
		return errors.Wrap(schema.ErrMissingColumn, msg)
	case driverErr.Code == sqlite3.ErrConstraint:
		return errors.Wrap(schema.ErrConstraintViolation, msg)
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such index"),
		strings.Contains(msg, "already exists"):
		return errors.Wrap(schema.ErrSchemaOperation, msg)
	default:
		return err
	}
}

type columnInfo struct {
	CID     int            `db:"cid"`
	Name    string         `db:"name"`
	Type    string         `db:"type"`
	NotNull bool           `db:"notnull"`
	Default sql.NullString `db:"dflt_value"`
	PK      int            `db:"pk"`
}

type foreignKeyInfo struct {
	ID       int            `db:"id"`
	Seq      int            `db:"seq"`
	Table    string         `db:"table"`
	From     string         `db:"from"`
	To       sql.NullString `db:"to"`
	OnUpdate string         `db:"on_update"`
	OnDelete string         `db:"on_delete"`
	Match    string         `db:"match"`
}

type indexInfo struct {
	Name string `db:"name"`
	SQL  string `db:"sql"`
}

// rebuild copies the table into a new one without the dropped column
// or with the changed definition, then swaps them. Foreign key enforcement
// is off while the old table is gone.
func (d Dialect) rebuild(
	ctx context.Context,
	ex sqlgateway.Executor,
	table, drop string,
	change *schema.Column,
) (sqlgateway.Script, error) {
	var columns []columnInfo
	if err := sqlx.SelectContext(ctx, ex, &columns, "SELECT * FROM pragma_table_info(?)", table); err != nil {
		return sqlgateway.Script{}, errors.Wrapf(err, "could not read columns of %s", table)
	}

	if len(columns) == 0 {
		return sqlgateway.Script{}, errors.Wrapf(schema.ErrSchemaOperation, "table %s does not exist", table)
	}

	var foreignKeys []foreignKeyInfo
	if err := sqlx.SelectContext(ctx, ex, &foreignKeys, "SELECT * FROM pragma_foreign_key_list(?)", table); err != nil {
		return sqlgateway.Script{}, errors.Wrapf(err, "could not read foreign keys of %s", table)
	}

	var indexes []indexInfo
	const indexSQL = "SELECT name, sql FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL ORDER BY name"
	if err := sqlx.SelectContext(ctx, ex, &indexes, indexSQL, table); err != nil {
		return sqlgateway.Script{}, errors.Wrapf(err, "could not read indexes of %s", table)
	}

	var keep []string
	for _, idx := range indexes {
		if drop == "" {
			keep = append(keep, idx.SQL)
			continue
		}

		var indexed []string
		if err := sqlx.SelectContext(ctx, ex, &indexed, "SELECT name FROM pragma_index_info(?)", idx.Name); err != nil {
			return sqlgateway.Script{}, errors.Wrapf(err, "could not read columns of index %s", idx.Name)
		}

		if !contains(indexed, drop) {
			keep = append(keep, idx.SQL)
		}
	}

	sort.Slice(columns, func(i, j int) bool { return columns[i].CID < columns[j].CID })

	var definitions []string
	var copied []string
	var primary []columnInfo

	for _, c := range columns {
		if c.Name == drop {
			continue
		}

		copied = append(copied, d.Quote(c.Name))
		if c.PK > 0 {
			primary = append(primary, c)
		}

		if change != nil && c.Name == change.Name {
			changed := *change
			if changed.Foreign == nil {
				changed.Foreign = foreignKeyOf(foreignKeys, c.Name)
			}

			def, err := d.columnDefinition(changed)
			if err != nil {
				return sqlgateway.Script{}, err
			}

			definitions = append(definitions, def)
			continue
		}

		definitions = append(definitions, d.existingDefinition(c, foreignKeyOf(foreignKeys, c.Name)))
	}

	if len(primary) > 0 {
		sort.Slice(primary, func(i, j int) bool { return primary[i].PK < primary[j].PK })
		names := make([]string, 0, len(primary))
		for _, c := range primary {
			names = append(names, c.Name)
		}
		definitions = append(definitions, "PRIMARY KEY ("+sqlgateway.QuoteAll(d.Quote, names)+")")
	}

	tmp := d.Quote(rebuildPrefix + table)
	cols := strings.Join(copied, ", ")

	s := sqlgateway.Script{
		Pre:    []string{"PRAGMA foreign_keys = OFF"},
		Post:   []string{"PRAGMA foreign_keys = ON"},
		Atomic: true,
		Verify: []sqlgateway.Check{{
			Query: "PRAGMA foreign_key_check(" + d.Quote(table) + ")",
			Err:   errors.Wrapf(schema.ErrConstraintViolation, "rows of %s violate its foreign keys", table),
		}},
	}

	if change != nil {
		s.Guards = referenceGuards("", *change)
	}

	s.Body = append(s.Body,
		fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", tmp, strings.Join(definitions, ",\n\t")),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", tmp, cols, cols, d.Quote(table)),
		fmt.Sprintf("DROP TABLE %s", d.Quote(table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmp, d.Quote(table)),
	)
	s.Body = append(s.Body, keep...)

	return s, nil
}

func (d Dialect) existingDefinition(c columnInfo, fk *schema.ForeignKey) string {
	def := d.Quote(c.Name) + " " + c.Type
	if c.NotNull {
		def += " NOT NULL"
	} else {
		def += " NULL"
	}

	if c.Default.Valid {
		def += " DEFAULT " + c.Default.String
	}

	if fk != nil {
		def += " " + sqlgateway.References(d.Quote, fk)
	}

	return def
}

func (d Dialect) columnDefinition(c schema.Column) (string, error) {
	var typ string
	switch c.Type {
	case schema.StringType, schema.UUIDType, schema.EnumType, schema.TextType:
		typ = "TEXT"
	case schema.BooleanType, schema.IntegerType:
		typ = "INTEGER"
	case schema.TimestampType:
		typ = "DATETIME"
	default:
		return "", errors.Errorf("column %s has unsupported type %s", c.Name, c.Type)
	}

	def := d.Quote(c.Name) + " " + typ
	if c.Nullable {
		def += " NULL"
	} else {
		def += " NOT NULL"
	}

	if c.Default != nil {
		def += " DEFAULT " + sqlgateway.Literal(c.Default, boolean)
	}

	if c.Foreign != nil {
		def += " " + sqlgateway.References(d.Quote, c.Foreign)
	}

	return def, nil
}

// referenceGuards fail the step when a new foreign key points at a missing
// table or column, SQLite itself only notices once rows are written
func referenceGuards(table string, columns ...schema.Column) []sqlgateway.Check {
	const missingSQL = "SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM pragma_table_info(?) WHERE name = ?)"

	var guards []sqlgateway.Check
	for _, c := range columns {
		if c.Foreign == nil || c.Foreign.Table == table {
			continue
		}

		guards = append(guards, sqlgateway.Check{
			Query: missingSQL,
			Args:  []interface{}{c.Foreign.Table, c.Foreign.Column},
			Err: errors.Wrapf(
				schema.ErrSchemaOperation,
				"column %s references missing %s.%s", c.Name, c.Foreign.Table, c.Foreign.Column,
			),
		})
	}

	return guards
}

func foreignKeyOf(foreignKeys []foreignKeyInfo, column string) *schema.ForeignKey {
	for _, fk := range foreignKeys {
		if fk.From != column {
			continue
		}

		return &schema.ForeignKey{
			Table:    fk.Table,
			Column:   fk.To.String,
			OnUpdate: action(fk.OnUpdate),
			OnDelete: action(fk.OnDelete),
		}
	}

	return nil
}

func action(s string) schema.Action {
	switch strings.ToUpper(s) {
	case string(schema.Cascade):
		return schema.Cascade
	case string(schema.SetNull):
		return schema.SetNull
	case string(schema.Restrict):
		return schema.Restrict
	default:
		return schema.NoAction
	}
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func boolean(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
