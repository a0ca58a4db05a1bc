package sqlgateway_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/denismitr/dram/internal/database"
	"github.com/denismitr/dram/internal/database/sqlgateway"
	"github.com/denismitr/dram/internal/database/sqlgateway/postgres"
	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) (*sqlgateway.SQLGateway, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)

	conn, err := sqlx.NewDb(db, "postgres").Connx(context.Background())
	require.NoError(t, err)

	g := sqlgateway.New(conn, postgres.NewDialect(""), nil, sqlgateway.WithCloser(db.Close))
	t.Cleanup(func() {
		_ = g.Close()
	})

	return g, mock
}

const columnExistsQuery = "SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2"

func TestSQLGateway_Ledger(t *testing.T) {
	ctx := context.Background()
	migratedAt := time.Date(2021, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("insert and remove are rebound for the driver", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectExec(`INSERT INTO "migrations" (version, name, batch, migrated_at) VALUES ($1, $2, $3, $4)`).
			WithArgs("007", "007_add_approval_fields_to_whiskies_table", 2, migratedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM "migrations" WHERE version = $1`).
			WithArgs("007").
			WillReturnResult(sqlmock.NewResult(0, 1))

		e := database.Entry{
			Key:     "007_add_approval_fields_to_whiskies_table",
			Version: migration.Version{Value: "007", Batch: 2, MigratedAt: migratedAt},
		}

		require.NoError(t, g.InsertVersion(ctx, e))
		require.NoError(t, g.RemoveVersion(ctx, e))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("read versions", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectQuery(`SELECT version, name, batch, migrated_at FROM "migrations" ORDER BY batch ASC, version ASC`).
			WillReturnRows(sqlmock.NewRows([]string{"version", "name", "batch", "migrated_at"}).
				AddRow("001", "001_create_catalog_tables", 1, migratedAt).
				AddRow("1597408496", "1597408496_add_index", 2, migratedAt))

		entries, err := g.ReadVersions(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, "001_create_catalog_tables", entries[0].Key)
		assert.Equal(t, migration.SequentialFormat, entries[0].Version.Format)
		assert.Equal(t, uint(1), entries[0].Version.Batch)
		assert.Equal(t, migratedAt, entries[0].Version.MigratedAt)
		assert.Equal(t, migration.TimestampFormat, entries[1].Version.Format)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLGateway_Columns(t *testing.T) {
	ctx := context.Background()

	t.Run("an existing column is reported before any DDL", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectQuery(columnExistsQuery).
			WithArgs("whiskies", "distillery_id").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := g.AddColumn(ctx, "whiskies", schema.UUID("distillery_id").Null())
		assert.True(t, errors.Is(err, schema.ErrDuplicateColumn))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a missing column cannot be removed", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectQuery(columnExistsQuery).
			WithArgs("whiskies", "distillery_id").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		err := g.RemoveColumn(ctx, "whiskies", "distillery_id")
		assert.True(t, errors.Is(err, schema.ErrMissingColumn))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("add column runs atomically", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectQuery(columnExistsQuery).
			WithArgs("users", "two_factor_secret").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec(`ALTER TABLE "users" ADD COLUMN "two_factor_secret" TEXT NULL`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`COMMENT ON COLUMN "users"."two_factor_secret" IS 'contains encrypted secret'`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := g.AddColumn(ctx, "users", schema.Text("two_factor_secret").Null().WithComment("contains encrypted secret"))
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver errors are classified and the transaction rolled back", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectQuery(columnExistsQuery).
			WithArgs("users", "two_factor_enabled").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec(`ALTER TABLE "users" ADD COLUMN "two_factor_enabled" BOOLEAN NOT NULL DEFAULT FALSE`).
			WillReturnError(&pq.Error{Code: "42701", Message: `column "two_factor_enabled" already exists`})
		mock.ExpectRollback()

		err := g.AddColumn(ctx, "users", schema.Boolean("two_factor_enabled").WithDefault(false))
		assert.True(t, errors.Is(err, schema.ErrDuplicateColumn))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("narrowing a column with nulls is refused", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectQuery(columnExistsQuery).
			WithArgs("whiskies", "distillery").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery(`SELECT COUNT(*) FROM "whiskies" WHERE "distillery" IS NULL`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		err := g.ChangeColumn(ctx, "whiskies", schema.String("distillery", 255))
		assert.True(t, errors.Is(err, schema.ErrConstraintViolation))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLGateway_Data(t *testing.T) {
	ctx := context.Background()

	t.Run("update is a single parameterized statement in a transaction", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "whiskies" SET "approval_status" = $1, "approval_date" = CURRENT_TIMESTAMP WHERE "approval_status" IS NULL OR "approval_status" = $2`).
			WithArgs("approved", "pending").
			WillReturnResult(sqlmock.NewResult(0, 10))
		mock.ExpectCommit()

		err := g.Update(ctx, schema.Update{
			Table: "whiskies",
			Set: []schema.Assignment{
				schema.Set("approval_status", "approved"),
				schema.Set("approval_date", schema.CurrentTimestamp),
			},
			Where: []schema.Predicate{
				schema.IsNull("approval_status"),
				schema.Equals("approval_status", "pending"),
			},
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed update is a data migration error", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "whiskies" SET "approval_status" = $1`).
			WithArgs("approved").
			WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		err := g.Update(ctx, schema.Update{
			Table: "whiskies",
			Set:   []schema.Assignment{schema.Set("approval_status", "approved")},
		})
		assert.True(t, errors.Is(err, schema.ErrDataMigration))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("raw statements go through untouched", func(t *testing.T) {
		g, mock := newGateway(t)

		mock.ExpectExec(`INSERT INTO distilleries (id, name) VALUES ($1, $2)`).
			WithArgs("b1f3", "Ardbeg").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM nowhere`).
			WillReturnError(errors.New("relation does not exist"))

		require.NoError(t, g.ExecuteRaw(ctx, "INSERT INTO distilleries (id, name) VALUES ($1, $2)", "b1f3", "Ardbeg"))

		err := g.ExecuteRaw(ctx, "DELETE FROM nowhere")
		assert.True(t, errors.Is(err, schema.ErrDataMigration))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPollLock(t *testing.T) {
	ctx := context.Background()

	t.Run("blocking poll waits for the lock", func(t *testing.T) {
		attempts := 0
		err := sqlgateway.PollLock(ctx, 0, time.Millisecond, func(context.Context) (bool, error) {
			attempts++
			return attempts == 3, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("blocking poll stops with the context", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		err := sqlgateway.PollLock(cctx, 0, time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		})
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("bounded poll reports contention", func(t *testing.T) {
		err := sqlgateway.PollLock(ctx, 20*time.Millisecond, 5*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		})
		assert.True(t, errors.Is(err, schema.ErrLockContention))
	})

	t.Run("errors stop the poll", func(t *testing.T) {
		boom := errors.New("boom")
		err := sqlgateway.PollLock(ctx, 20*time.Millisecond, 5*time.Millisecond, func(context.Context) (bool, error) {
			return false, boom
		})
		assert.True(t, errors.Is(err, boom))
	})
}

func TestTransactor_Deadlock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	conn, err := sqlx.NewDb(db, "postgres").Connx(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "whiskies" SET "approval_status" = $1`).
		WithArgs("approved").
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()

	err = sqlgateway.NewTransactor(conn).ReadWrite(context.Background(), func(ctx context.Context, ex sqlgateway.Executor) error {
		_, err := ex.ExecContext(ctx, `UPDATE "whiskies" SET "approval_status" = $1`, "approved")
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sqlgateway.ErrTxDeadlock))

	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}
