package sqlgateway

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/logger"
	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SQLGateway is the engine over a real database: every schema step is rendered
// by the dialect and executed on one pinned connection
type SQLGateway struct {
	conn    *sqlx.Conn
	tx      *Transactor
	dialect Dialect
	locker  database.Locker
	lg      logger.Logger
	closers []func() error
}

var _ database.Engine = (*SQLGateway)(nil)

type Option func(*SQLGateway)

func WithLogger(lg logger.Logger) Option {
	return func(g *SQLGateway) {
		g.lg = lg
	}
}

// WithCloser registers something to close after the connection, usually the pool
func WithCloser(f func() error) Option {
	return func(g *SQLGateway) {
		g.closers = append(g.closers, f)
	}
}

func New(conn *sqlx.Conn, dialect Dialect, locker database.Locker, opts ...Option) *SQLGateway {
	if locker == nil {
		locker = database.NullLocker{}
	}

	g := &SQLGateway{
		conn:    conn,
		tx:      NewTransactor(conn),
		dialect: dialect,
		locker:  locker,
		lg:      logger.NullLogger{},
	}

	for _, o := range opts {
		o(g)
	}

	return g
}

func (g *SQLGateway) SetLogger(lg logger.Logger) {
	g.lg = lg
}

func (g *SQLGateway) Lock(ctx context.Context) error {
	return g.locker.Lock(ctx)
}

func (g *SQLGateway) Unlock(ctx context.Context) error {
	return g.locker.Unlock(ctx)
}

func (g *SQLGateway) Close() error {
	var result error
	if err := g.conn.Close(); err != nil {
		result = errors.Wrap(err, "could not close migrations connection")
	}

	for _, f := range g.closers {
		if err := f(); err != nil && result == nil {
			result = err
		}
	}

	return result
}

func (g *SQLGateway) CreateMigrationsTable(ctx context.Context) error {
	q := g.dialect.InitQuery()
	g.lg.SQL(q)

	if _, err := g.conn.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "could not create migrations table")
	}

	return nil
}

func (g *SQLGateway) DropMigrationsTable(ctx context.Context) error {
	q := g.dialect.DropQuery()
	g.lg.SQL(q)

	if _, err := g.conn.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "could not drop migrations table")
	}

	return nil
}

type ledgerRow struct {
	Version    string    `db:"version"`
	Name       string    `db:"name"`
	Batch      uint      `db:"batch"`
	MigratedAt time.Time `db:"migrated_at"`
}

func (g *SQLGateway) ReadVersions(ctx context.Context) ([]database.Entry, error) {
	var rows []ledgerRow
	if err := sqlx.SelectContext(ctx, g.conn, &rows, g.rebind(g.dialect.ReadVersionsQuery())); err != nil {
		return nil, errors.Wrap(err, "could not read migrated versions")
	}

	result := make([]database.Entry, 0, len(rows))
	for _, r := range rows {
		format, err := migration.DetectVersionFormat(r.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "ledger entry %s is malformed", r.Name)
		}

		result = append(result, database.Entry{
			Key: r.Name,
			Version: migration.Version{
				Format:     format,
				Value:      r.Version,
				Batch:      r.Batch,
				MigratedAt: r.MigratedAt.UTC(),
			},
		})
	}

	return result, nil
}

func (g *SQLGateway) InsertVersion(ctx context.Context, e database.Entry) error {
	q := g.rebind(g.dialect.InsertQuery())
	args := []interface{}{e.Version.Value, e.Key, e.Version.Batch, e.Version.MigratedAt}
	g.lg.SQL(q, args...)

	if _, err := g.conn.ExecContext(ctx, q, args...); err != nil {
		return errors.Wrapf(err, "could not insert migration version %s", e.Version.Value)
	}

	return nil
}

func (g *SQLGateway) RemoveVersion(ctx context.Context, e database.Entry) error {
	q := g.rebind(g.dialect.RemoveQuery())
	g.lg.SQL(q, e.Version.Value)

	if _, err := g.conn.ExecContext(ctx, q, e.Version.Value); err != nil {
		return errors.Wrapf(err, "could not remove migration version %s", e.Version.Value)
	}

	return nil
}

func (g *SQLGateway) ShowTables(ctx context.Context) ([]string, error) {
	var result []string
	if err := sqlx.SelectContext(ctx, g.conn, &result, g.dialect.ShowTablesQuery()); err != nil {
		return nil, errors.Wrap(err, "could not list all tables")
	}

	return result, nil
}

func (g *SQLGateway) CreateTable(ctx context.Context, t schema.Table) error {
	s, err := g.dialect.CreateTable(t)
	if err != nil {
		return err
	}

	return g.run(ctx, s)
}

func (g *SQLGateway) DropTable(ctx context.Context, name string) error {
	return g.run(ctx, g.dialect.DropTable(name))
}

func (g *SQLGateway) AddColumn(ctx context.Context, table string, c schema.Column) error {
	exists, err := g.dialect.ColumnExists(ctx, g.conn, table, c.Name)
	if err != nil {
		return g.classify(err)
	}

	if exists {
		return errors.Wrapf(schema.ErrDuplicateColumn, "%s.%s", table, c.Name)
	}

	s, err := g.dialect.AddColumn(table, c)
	if err != nil {
		return err
	}

	return g.run(ctx, s)
}

func (g *SQLGateway) RemoveColumn(ctx context.Context, table, column string) error {
	if err := g.mustHaveColumn(ctx, table, column); err != nil {
		return err
	}

	s, err := g.dialect.RemoveColumn(ctx, g.conn, table, column)
	if err != nil {
		return g.classify(err)
	}

	return g.run(ctx, s)
}

func (g *SQLGateway) ChangeColumn(ctx context.Context, table string, c schema.Column) error {
	if err := g.mustHaveColumn(ctx, table, c.Name); err != nil {
		return err
	}

	if !c.Nullable {
		nulls, err := g.count(ctx, table, g.dialect.Quote(c.Name)+" IS NULL")
		if err != nil {
			return err
		}

		if nulls > 0 {
			return errors.Wrapf(
				schema.ErrConstraintViolation,
				"%s.%s cannot become not nullable, %d rows hold NULL", table, c.Name, nulls,
			)
		}
	}

	if c.Type == schema.EnumType && len(c.Values) > 0 {
		args := make([]interface{}, 0, len(c.Values))
		for _, v := range c.Values {
			args = append(args, v)
		}

		where := g.dialect.Quote(c.Name) + " IS NOT NULL AND " + g.dialect.Quote(c.Name) +
			" NOT IN (" + placeholders(len(c.Values)) + ")"

		outside, err := g.count(ctx, table, where, args...)
		if err != nil {
			return err
		}

		if outside > 0 {
			return errors.Wrapf(
				schema.ErrConstraintViolation,
				"%s.%s has %d rows outside of %v", table, c.Name, outside, c.Values,
			)
		}
	}

	s, err := g.dialect.ChangeColumn(ctx, g.conn, table, c)
	if err != nil {
		return g.classify(err)
	}

	return g.run(ctx, s)
}

func (g *SQLGateway) AddIndex(ctx context.Context, table string, idx schema.Index) error {
	return g.run(ctx, g.dialect.AddIndex(table, idx))
}

func (g *SQLGateway) RemoveIndex(ctx context.Context, table string, idx schema.Index) error {
	s, err := g.dialect.RemoveIndex(ctx, g.conn, table, idx)
	if err != nil {
		return g.classify(err)
	}

	return g.run(ctx, s)
}

// Update runs in its own transaction, a partially applied backfill is never left behind
func (g *SQLGateway) Update(ctx context.Context, u schema.Update) error {
	q, args := g.renderUpdate(u)
	q = g.rebind(q)
	g.lg.SQL(q, args...)

	err := g.tx.ReadWrite(ctx, func(ctx context.Context, ex Executor) error {
		_, err := ex.ExecContext(ctx, q, args...)
		return err
	})

	if err != nil {
		return errors.Wrapf(schema.ErrDataMigration, "%s: %s", u.String(), err.Error())
	}

	return nil
}

func (g *SQLGateway) ExecuteRaw(ctx context.Context, statement string, args ...interface{}) error {
	g.lg.SQL(statement, args...)

	if _, err := g.conn.ExecContext(ctx, statement, args...); err != nil {
		return errors.Wrap(schema.ErrDataMigration, err.Error())
	}

	return nil
}

func (g *SQLGateway) run(ctx context.Context, s Script) error {
	for _, q := range s.Pre {
		g.lg.SQL(q)
		if _, err := g.conn.ExecContext(ctx, q); err != nil {
			return g.classify(err)
		}
	}

	body := func(ctx context.Context, ex Executor) error {
		if err := g.check(ctx, ex, s.Guards); err != nil {
			return err
		}

		for _, q := range s.Body {
			g.lg.SQL(q)
			if _, err := ex.ExecContext(ctx, q); err != nil {
				return err
			}
		}

		return g.check(ctx, ex, s.Verify)
	}

	var err error
	if s.Atomic {
		err = g.tx.ReadWrite(ctx, body)
	} else {
		err = g.tx.Direct(ctx, body)
	}

	// post statements restore connection state and must run after a failed body too
	for _, q := range s.Post {
		g.lg.SQL(q)
		if _, postErr := g.conn.ExecContext(ctx, q); postErr != nil && err == nil {
			err = postErr
		}
	}

	if err != nil {
		return g.classify(err)
	}

	return nil
}

func (g *SQLGateway) check(ctx context.Context, ex Executor, checks []Check) error {
	for _, c := range checks {
		q := g.rebind(c.Query)
		g.lg.SQL(q, c.Args...)

		rows, err := ex.QueryxContext(ctx, q, c.Args...)
		if err != nil {
			return err
		}

		failed := rows.Next()
		err = rows.Err()
		_ = rows.Close()

		if err != nil {
			return err
		}

		if failed {
			return c.Err
		}
	}

	return nil
}

func (g *SQLGateway) mustHaveColumn(ctx context.Context, table, column string) error {
	exists, err := g.dialect.ColumnExists(ctx, g.conn, table, column)
	if err != nil {
		return g.classify(err)
	}

	if !exists {
		return errors.Wrapf(schema.ErrMissingColumn, "%s.%s", table, column)
	}

	return nil
}

func (g *SQLGateway) count(ctx context.Context, table, where string, args ...interface{}) (int, error) {
	q := g.rebind("SELECT COUNT(*) FROM " + g.dialect.Quote(table) + " WHERE " + where)
	g.lg.SQL(q, args...)

	var n int
	if err := g.conn.QueryRowxContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, g.classify(err)
	}

	return n, nil
}

func (g *SQLGateway) classify(err error) error {
	classified := g.dialect.Classify(err)
	if schema.Classified(classified) {
		return classified
	}

	return errors.Wrap(schema.ErrSchemaOperation, err.Error())
}

func (g *SQLGateway) rebind(q string) string {
	return sqlx.Rebind(sqlx.BindType(g.dialect.DriverName()), q)
}

func (g *SQLGateway) renderUpdate(u schema.Update) (string, []interface{}) {
	var buf bytes.Buffer
	var args []interface{}

	buf.WriteString("UPDATE ")
	buf.WriteString(g.dialect.Quote(u.Table))
	buf.WriteString(" SET ")

	for i, a := range u.Set {
		if i > 0 {
			buf.WriteString(", ")
		}

		buf.WriteString(g.dialect.Quote(a.Column))
		buf.WriteString(" = ")

		if expr, ok := a.Value.(schema.Expression); ok {
			buf.WriteString(string(expr))
			continue
		}

		buf.WriteString("?")
		args = append(args, a.Value)
	}

	if len(u.Where) > 0 {
		conditions := make([]string, 0, len(u.Where))
		for _, p := range u.Where {
			if p.IsNull {
				conditions = append(conditions, g.dialect.Quote(p.Column)+" IS NULL")
				continue
			}

			conditions = append(conditions, g.dialect.Quote(p.Column)+" = ?")
			args = append(args, p.Value)
		}

		buf.WriteString(" WHERE ")
		buf.WriteString(strings.Join(conditions, " OR "))
	}

	return buf.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
