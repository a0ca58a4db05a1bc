package sqlgateway

import (
	"context"

	"github.com/denismitr/dram/schema"
	"github.com/jmoiron/sqlx"
)

// Executor is satisfied by *sqlx.Conn, *sqlx.DB and *sqlx.Tx
type Executor interface {
	sqlx.ExecerContext
	sqlx.QueryerContext
}

// Script is the SQL a dialect renders for one schema step.
// Pre and Post run on the connection outside of any transaction,
// Body runs in a single transaction when Atomic is set, between
// its Guards and its Verify checks.
type Script struct {
	Pre    []string
	Guards []Check
	Body   []string
	Verify []Check
	Post   []string
	Atomic bool
}

// Check is a query that must come back empty, the first row it returns fails the step with Err
type Check struct {
	Query string
	Args  []interface{}
	Err   error
}

func Statements(body ...string) Script {
	return Script{Body: body}
}

// Dialect renders ledger queries and schema changes for one database engine.
// Every query uses ? placeholders, the gateway rebinds them for the driver.
type Dialect interface {
	DriverName() string
	Quote(identifier string) string

	InitQuery() string
	InsertQuery() string
	RemoveQuery() string
	ReadVersionsQuery() string
	DropQuery() string
	ShowTablesQuery() string

	ColumnExists(ctx context.Context, ex Executor, table, column string) (bool, error)

	CreateTable(t schema.Table) (Script, error)
	DropTable(name string) Script
	AddColumn(table string, c schema.Column) (Script, error)
	RemoveColumn(ctx context.Context, ex Executor, table, column string) (Script, error)
	ChangeColumn(ctx context.Context, ex Executor, table string, c schema.Column) (Script, error)
	AddIndex(table string, idx schema.Index) Script
	RemoveIndex(ctx context.Context, ex Executor, table string, idx schema.Index) (Script, error)

	// Classify maps a driver error onto the schema error taxonomy,
	// unknown errors are returned untouched
	Classify(err error) error
}
