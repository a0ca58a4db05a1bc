package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/denismitr/dram/schema"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type Options struct {
	database.CommonOptions
	LockKey int64
}

// Dialect renders Postgres DDL, every schema step runs in a transaction
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
	return "postgres"
}

func (Dialect) Quote(identifier string) string {
	return pq.QuoteIdentifier(identifier)
}

func (d Dialect) InitQuery() string {
	const createSQL = `CREATE TABLE IF NOT EXISTS %s (
	version VARCHAR(14) PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	batch BIGINT NOT NULL,
	migrated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
	return "SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema() ORDER BY tablename"
}

func (Dialect) ColumnExists(ctx context.Context, ex sqlgateway.Executor, table, column string) (bool, error) {
	const q = "SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2"

	var n int
	if err := ex.QueryRowxContext(ctx, q, table, column).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "could not check column %s.%s", table, column)
	}

	return n > 0, nil
}

func (d Dialect) CreateTable(t schema.Table) (sqlgateway.Script, error) {
	var definitions []string
	var constraints []string
	var comments []string

	for _, c := range t.Columns {
		def, err := d.columnDefinition(c)
		if err != nil {
			return sqlgateway.Script{}, err
		}

		definitions = append(definitions, def)

		if c.Foreign != nil {
			constraints = append(constraints, d.foreignKey(t.Name, c))
		}

		if c.Type == schema.EnumType {
			constraints = append(constraints, d.check(t.Name, c))
		}

		if c.Comment != "" {
			comments = append(comments, d.comment(t.Name, c))
		}
	}

	if pk := t.PrimaryKey(); len(pk) > 0 {
		definitions = append(definitions, "PRIMARY KEY ("+sqlgateway.QuoteAll(d.Quote, pk)+")")
	}

	definitions = append(definitions, constraints...)

	s := sqlgateway.Statements(fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", d.Quote(t.Name), strings.Join(definitions, ",\n\t")))
	s.Body = append(s.Body, comments...)
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

	if c.Type == schema.EnumType {
		s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(table), d.check(table, c)))
	}

	if c.Foreign != nil {
		s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(table), d.foreignKey(table, c)))
	}

	if c.Comment != "" {
		s.Body = append(s.Body, d.comment(table, c))
	}

	s.Atomic = true

	return s, nil
}

// RemoveColumn relies on Postgres dropping dependent constraints and indexes with the column
func (d Dialect) RemoveColumn(
	_ context.Context,
	_ sqlgateway.Executor,
	table, column string,
) (sqlgateway.Script, error) {
	s := sqlgateway.Statements(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column)))
	s.Atomic = true
	return s, nil
}

func (d Dialect) ChangeColumn(
	_ context.Context,
	_ sqlgateway.Executor,
	table string,
	c schema.Column,
) (sqlgateway.Script, error) {
	typ, err := d.columnType(c)
	if err != nil {
		return sqlgateway.Script{}, err
	}

	alter := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s ", d.Quote(table), d.Quote(c.Name))

	var s sqlgateway.Script
	s.Atomic = true
	s.Body = append(s.Body, fmt.Sprintf(
		"ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", d.Quote(table), d.Quote(checkName(table, c.Name)),
	))
	s.Body = append(s.Body, alter+"TYPE "+typ+" USING "+d.Quote(c.Name)+"::"+typ)

	if c.Nullable {
		s.Body = append(s.Body, alter+"DROP NOT NULL")
	} else {
		s.Body = append(s.Body, alter+"SET NOT NULL")
	}

	if c.Default != nil {
		s.Body = append(s.Body, alter+"SET DEFAULT "+sqlgateway.Literal(c.Default, boolean))
	} else {
		s.Body = append(s.Body, alter+"DROP DEFAULT")
	}

	if c.Type == schema.EnumType {
		s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(table), d.check(table, c)))
	}

	s.Body = append(s.Body, d.comment(table, c))

	return s, nil
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
	var driverErr *pq.Error
	if !errors.As(err, &driverErr) {
		return err
	}

	switch driverErr.Code {
	case "42701":
		return errors.Wrap(schema.ErrDuplicateColumn, driverErr.Message)
	case "42703":
		return errors.Wrap(schema.ErrMissingColumn, driverErr.Message)
	case "23502", "23505", "23514":
		return errors.Wrap(schema.ErrConstraintViolation, driverErr.Message)
	case "42P01", "42P07", "42704":
		return errors.Wrap(schema.ErrSchemaOperation, driverErr.Message)
	default:
		return err
	}
}

func (d Dialect) columnType(c schema.Column) (string, error) {
	switch c.Type {
	case schema.StringType:
		length := c.Length
		if length == 0 {
			length = schema.DefaultStringLength
		}
		return fmt.Sprintf("VARCHAR(%d)", length), nil
	case schema.EnumType:
		return fmt.Sprintf("VARCHAR(%d)", schema.DefaultStringLength), nil
	case schema.UUIDType:
		return "UUID", nil
	case schema.BooleanType:
		return "BOOLEAN", nil
	case schema.TimestampType:
		return "TIMESTAMP", nil
	case schema.TextType:
		return "TEXT", nil
	case schema.IntegerType:
		return "INTEGER", nil
	default:
		return "", errors.Errorf("column %s has unsupported type %s", c.Name, c.Type)
	}
}

func (d Dialect) columnDefinition(c schema.Column) (string, error) {
	typ, err := d.columnType(c)
	if err != nil {
		return "", err
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

	return def, nil
}

func (d Dialect) foreignKey(table string, c schema.Column) string {
	return fmt.Sprintf(
		"CONSTRAINT %s FOREIGN KEY (%s) %s",
		d.Quote(sqlgateway.ForeignKeyName(table, c.Name)),
		d.Quote(c.Name),
		sqlgateway.References(d.Quote, c.Foreign),
	)
}

func (d Dialect) check(table string, c schema.Column) string {
	values := make([]string, 0, len(c.Values))
	for _, v := range c.Values {
		values = append(values, sqlgateway.QuoteString(v))
	}

	return fmt.Sprintf(
		"CONSTRAINT %s CHECK (%s IN (%s))",
		d.Quote(checkName(table, c.Name)), d.Quote(c.Name), strings.Join(values, ", "),
	)
}

func (d Dialect) comment(table string, c schema.Column) string {
	text := "NULL"
	if c.Comment != "" {
		text = sqlgateway.QuoteString(c.Comment)
	}

	return fmt.Sprintf("COMMENT ON COLUMN %s.%s IS %s", d.Quote(table), d.Quote(c.Name), text)
}

func checkName(table, column string) string {
	return table + "_" + column + "_check"
}

func boolean(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
