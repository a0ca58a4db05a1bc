package mysql

import (
	"context"
	"fmt"
	"strings"

	"github.com/VividCortex/mysqlerr"
	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/denismitr/dram/schema"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const DefaultCharset = "utf8mb4"

type Options struct {
	database.CommonOptions
	LockKey string
	Charset string
}

type Dialect struct {
	migrationsTable, charset string
}

var _ sqlgateway.Dialect = (*Dialect)(nil)

func NewDialect(migrationsTable, charset string) *Dialect {
	if migrationsTable == "" {
		migrationsTable = database.DefaultMigrationsTable
	}

	if charset == "" {
		charset = DefaultCharset
	}

	return &Dialect{migrationsTable: migrationsTable, charset: charset}
}

func (Dialect) DriverName() string {
	return "mysql"
}

func (Dialect) Quote(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

func (d Dialect) InitQuery() string {
	const createSQL = `CREATE TABLE IF NOT EXISTS %s (
	` + "`version`" + ` VARCHAR(14) NOT NULL PRIMARY KEY,
	` + "`name`" + ` VARCHAR(255) NOT NULL,
	` + "`batch`" + ` BIGINT UNSIGNED NOT NULL,
	` + "`migrated_at`" + ` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
) ENGINE=InnoDB CHARACTER SET=%s`

	return fmt.Sprintf(createSQL, d.Quote(d.migrationsTable), d.charset)
}

func (d Dialect) InsertQuery() string {
	const insertSQL = "INSERT INTO %s (`version`, `name`, `batch`, `migrated_at`) VALUES (?, ?, ?, ?)"
	return fmt.Sprintf(insertSQL, d.Quote(d.migrationsTable))
}

func (d Dialect) RemoveQuery() string {
	const removeSQL = "DELETE FROM %s WHERE `version` = ?"
	return fmt.Sprintf(removeSQL, d.Quote(d.migrationsTable))
}

func (d Dialect) ReadVersionsQuery() string {
	const readSQL = "SELECT `version`, `name`, `batch`, `migrated_at` FROM %s ORDER BY `batch` ASC, `version` ASC"
	return fmt.Sprintf(readSQL, d.Quote(d.migrationsTable))
}

func (d Dialect) DropQuery() string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", d.Quote(d.migrationsTable))
}

func (Dialect) ShowTablesQuery() string {
	return "SHOW TABLES"
}

func (Dialect) ColumnExists(ctx context.Context, ex sqlgateway.Executor, table, column string) (bool, error) {
	const q = "SELECT COUNT(*) FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?"

	var n int
	if err := ex.QueryRowxContext(ctx, q, table, column).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "could not check column %s.%s", table, column)
	}

	return n > 0, nil
}

func (d Dialect) CreateTable(t schema.Table) (sqlgateway.Script, error) {
	var definitions []string
	var constraints []string

	for _, c := range t.Columns {
		def, err := d.columnDefinition(c)
		if err != nil {
			return sqlgateway.Script{}, err
		}

		definitions = append(definitions, def)

		if c.Foreign != nil {
			constraints = append(constraints, d.foreignKey(t.Name, c))
		}
	}

	if pk := t.PrimaryKey(); len(pk) > 0 {
		definitions = append(definitions, "PRIMARY KEY ("+sqlgateway.QuoteAll(d.Quote, pk)+")")
	}

	definitions = append(definitions, constraints...)

	create := fmt.Sprintf(
		"CREATE TABLE %s (\n\t%s\n) ENGINE=InnoDB DEFAULT CHARSET=%s",
		d.Quote(t.Name), strings.Join(definitions, ",\n\t"), d.charset,
	)

	s := sqlgateway.Statements(create)
	for _, idx := range t.Indexes {
		s.Body = append(s.Body, sqlgateway.IndexStatement(d.Quote, t.Name, idx))
	}

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
	if c.Foreign != nil {
		s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s ADD %s", d.Quote(table), d.foreignKey(table, c)))
	}

	return s, nil
}

// RemoveColumn drops the foreign keys of the column first, MySQL refuses to drop it otherwise
func (d Dialect) RemoveColumn(
	ctx context.Context,
	ex sqlgateway.Executor,
	table, column string,
) (sqlgateway.Script, error) {
	const q = `SELECT CONSTRAINT_NAME FROM information_schema.KEY_COLUMN_USAGE
WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL`

	rows, err := ex.QueryxContext(ctx, q, table, column)
	if err != nil {
		return sqlgateway.Script{}, errors.Wrapf(err, "could not read foreign keys of %s.%s", table, column)
	}
	defer rows.Close()

	var s sqlgateway.Script
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return sqlgateway.Script{}, errors.Wrapf(err, "could not read foreign keys of %s.%s", table, column)
		}

		s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.Quote(table), d.Quote(name)))
	}

	if err := rows.Err(); err != nil {
		return sqlgateway.Script{}, err
	}

	s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(table), d.Quote(column)))

	return s, nil
}

func (d Dialect) ChangeColumn(
	_ context.Context,
	_ sqlgateway.Executor,
	table string,
	c schema.Column,
) (sqlgateway.Script, error) {
	def, err := d.columnDefinition(c)
	if err != nil {
		return sqlgateway.Script{}, err
	}

	return sqlgateway.Statements(fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", d.Quote(table), def)), nil
}

func (d Dialect) AddIndex(table string, idx schema.Index) sqlgateway.Script {
	return sqlgateway.Statements(sqlgateway.IndexStatement(d.Quote, table, idx))
}

type foreignKeyInfo struct {
	Name             string `db:"CONSTRAINT_NAME"`
	Column           string `db:"COLUMN_NAME"`
	ReferencedTable  string `db:"REFERENCED_TABLE_NAME"`
	ReferencedColumn string `db:"REFERENCED_COLUMN_NAME"`
	UpdateRule       string `db:"UPDATE_RULE"`
	DeleteRule       string `db:"DELETE_RULE"`
}

// RemoveIndex lifts the foreign keys of the indexed columns around the drop.
// InnoDB refuses to drop an index a foreign key relies on, re-adding the key
// after the drop lets it build its own index.
func (d Dialect) RemoveIndex(
	ctx context.Context,
	ex sqlgateway.Executor,
	table string,
	idx schema.Index,
) (sqlgateway.Script, error) {
	const q = `SELECT k.CONSTRAINT_NAME, k.COLUMN_NAME, k.REFERENCED_TABLE_NAME, k.REFERENCED_COLUMN_NAME, r.UPDATE_RULE, r.DELETE_RULE
FROM information_schema.KEY_COLUMN_USAGE k
JOIN information_schema.REFERENTIAL_CONSTRAINTS r ON r.CONSTRAINT_SCHEMA = k.CONSTRAINT_SCHEMA AND r.CONSTRAINT_NAME = k.CONSTRAINT_NAME
WHERE k.TABLE_SCHEMA = DATABASE() AND k.TABLE_NAME = ? AND k.COLUMN_NAME IN (?)
ORDER BY k.CONSTRAINT_NAME`

	query, args, err := sqlx.In(q, table, idx.Columns)
	if err != nil {
		return sqlgateway.Script{}, errors.Wrapf(err, "could not read foreign keys of %s", table)
	}

	var foreignKeys []foreignKeyInfo
	if err := sqlx.SelectContext(ctx, ex, &foreignKeys, query, args...); err != nil {
		return sqlgateway.Script{}, errors.Wrapf(err, "could not read foreign keys of %s", table)
	}

	var s sqlgateway.Script
	for _, fk := range foreignKeys {
		s.Body = append(s.Body, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", d.Quote(table), d.Quote(fk.Name)))
	}

	s.Body = append(s.Body, fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(idx.IndexName(table)), d.Quote(table)))

	for _, fk := range foreignKeys {
		s.Body = append(s.Body, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) %s",
			d.Quote(table), d.Quote(fk.Name), d.Quote(fk.Column),
			sqlgateway.References(d.Quote, &schema.ForeignKey{
				Table:    fk.ReferencedTable,
				Column:   fk.ReferencedColumn,
				OnUpdate: referentialAction(fk.UpdateRule),
				OnDelete: referentialAction(fk.DeleteRule),
			}),
		))
	}

	return s, nil
}

func (Dialect) Classify(err error) error {
	var driverErr *mysql.MySQLError
	if !errors.As(err, &driverErr) {
		return err
	}

	switch driverErr.Number {
	case mysqlerr.ER_DUP_FIELDNAME:
		return errors.Wrap(schema.ErrDuplicateColumn, driverErr.Message)
	case mysqlerr.ER_BAD_FIELD_ERROR, mysqlerr.ER_CANT_DROP_FIELD_OR_KEY:
		return errors.Wrap(schema.ErrMissingColumn, driverErr.Message)
	case mysqlerr.ER_INVALID_USE_OF_NULL,
		mysqlerr.ER_BAD_NULL_ERROR,
		mysqlerr.WARN_DATA_TRUNCATED,
		mysqlerr.ER_DUP_ENTRY:
		return errors.Wrap(schema.ErrConstraintViolation, driverErr.Message)
	case mysqlerr.ER_NO_SUCH_TABLE,
		mysqlerr.ER_CANNOT_ADD_FOREIGN,
		mysqlerr.ER_DUP_KEYNAME,
		mysqlerr.ER_DROP_INDEX_FK:
		return errors.Wrap(schema.ErrSchemaOperation, driverErr.Message)
	default:
		return err
	}
}

func (d Dialect) columnDefinition(c schema.Column) (string, error) {
	var typ string
	switch c.Type {
	case schema.StringType:
		length := c.Length
		if length == 0 {
			length = schema.DefaultStringLength
		}
		typ = fmt.Sprintf("VARCHAR(%d)", length)
	case schema.UUIDType:
		typ = "CHAR(36)"
	case schema.BooleanType:
		typ = "TINYINT(1)"
	case schema.TimestampType:
		typ = "TIMESTAMP"
	case schema.TextType:
		typ = "TEXT"
	case schema.IntegerType:
		typ = "INT"
	case schema.EnumType:
		values := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			values = append(values, sqlgateway.QuoteString(v))
		}
		typ = "ENUM(" + strings.Join(values, ", ") + ")"
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

	if c.Comment != "" {
		def += " COMMENT " + sqlgateway.QuoteString(c.Comment)
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

// referentialAction maps information_schema rules back, NO ACTION is the default
func referentialAction(rule string) schema.Action {
	switch schema.Action(rule) {
	case schema.Cascade, schema.SetNull, schema.Restrict:
		return schema.Action(rule)
	default:
		return schema.NoAction
	}
}

func boolean(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
