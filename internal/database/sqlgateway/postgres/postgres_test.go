package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/denismitr/dram/schema"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})

	return sqlx.NewDb(db, "postgres"), mock
}

func TestDialect_AddColumn(t *testing.T) {
	d := NewDialect("")

	t.Run("enum becomes a checked varchar", func(t *testing.T) {
		s, err := d.AddColumn("whiskies", schema.Enum("approval_status", "pending", "approved", "rejected").WithDefault("approved"))
		require.NoError(t, err)
		assert.True(t, s.Atomic)
		assert.Equal(t, []string{
			`ALTER TABLE "whiskies" ADD COLUMN "approval_status" VARCHAR(255) NOT NULL DEFAULT 'approved'`,
			`ALTER TABLE "whiskies" ADD CONSTRAINT "whiskies_approval_status_check" CHECK ("approval_status" IN ('pending', 'approved', 'rejected'))`,
		}, s.Body)
	})

	t.Run("comments are separate statements", func(t *testing.T) {
		s, err := d.AddColumn("users", schema.Text("two_factor_secret").Null().WithComment("contains encrypted secret"))
		require.NoError(t, err)
		assert.Equal(t, []string{
			`ALTER TABLE "users" ADD COLUMN "two_factor_secret" TEXT NULL`,
			`COMMENT ON COLUMN "users"."two_factor_secret" IS 'contains encrypted secret'`,
		}, s.Body)
	})

	t.Run("references", func(t *testing.T) {
		s, err := d.AddColumn("whiskies", schema.UUID("submitted_by").Null().References("users", "id").OnDelete(schema.SetNull))
		require.NoError(t, err)
		assert.Equal(t, []string{
			`ALTER TABLE "whiskies" ADD COLUMN "submitted_by" UUID NULL`,
			`ALTER TABLE "whiskies" ADD CONSTRAINT "whiskies_submitted_by_foreign" FOREIGN KEY ("submitted_by") REFERENCES "users" ("id") ON DELETE SET NULL`,
		}, s.Body)
	})

	t.Run("boolean default", func(t *testing.T) {
		s, err := d.AddColumn("users", schema.Boolean("two_factor_enabled").WithDefault(false))
		require.NoError(t, err)
		assert.Equal(t, `ALTER TABLE "users" ADD COLUMN "two_factor_enabled" BOOLEAN NOT NULL DEFAULT FALSE`, s.Body[0])
	})
}

func TestDialect_ChangeColumn(t *testing.T) {
	d := NewDialect("")

	s, err := d.ChangeColumn(context.Background(), nil, "whiskies", schema.String("distillery", 255).Null())
	require.NoError(t, err)
	assert.True(t, s.Atomic)
	assert.Equal(t, []string{
		`ALTER TABLE "whiskies" DROP CONSTRAINT IF EXISTS "whiskies_distillery_check"`,
		`ALTER TABLE "whiskies" ALTER COLUMN "distillery" TYPE VARCHAR(255) USING "distillery"::VARCHAR(255)`,
		`ALTER TABLE "whiskies" ALTER COLUMN "distillery" DROP NOT NULL`,
		`ALTER TABLE "whiskies" ALTER COLUMN "distillery" DROP DEFAULT`,
		`COMMENT ON COLUMN "whiskies"."distillery" IS NULL`,
	}, s.Body)
}

func TestDialect_Indexes(t *testing.T) {
	d := NewDialect("")
	idx := schema.Index{Columns: []string{"distillery_id"}}

	assert.Equal(t, []string{`CREATE INDEX "whiskies_distillery_id_index" ON "whiskies" ("distillery_id")`}, d.AddIndex("whiskies", idx).Body)

	s, err := d.RemoveIndex(context.Background(), nil, "whiskies", idx)
	require.NoError(t, err)
	assert.Equal(t, []string{`DROP INDEX "whiskies_distillery_id_index"`}, s.Body)
}

func TestDialect_Classify(t *testing.T) {
	d := NewDialect("")

	tt := []struct {
		code   pq.ErrorCode
		expect error
	}{
		{code: "42701", expect: schema.ErrDuplicateColumn},
		{code: "42703", expect: schema.ErrMissingColumn},
		{code: "23502", expect: schema.ErrConstraintViolation},
		{code: "23514", expect: schema.ErrConstraintViolation},
		{code: "42P01", expect: schema.ErrSchemaOperation},
	}

	for _, tc := range tt {
		err := d.Classify(&pq.Error{Code: tc.code, Message: "boom"})
		assert.True(t, errors.Is(err, tc.expect), "code %s", tc.code)
	}
}

func TestDialect_ColumnExists(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM information_schema.columns")).
		WithArgs("whiskies", "distillery_id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := NewDialect("").ColumnExists(context.Background(), db, "whiskies", "distillery_id")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("blocking lock", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
			WithArgs(DefaultLockKey).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
			WithArgs(DefaultLockKey).
			WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

		l := NewLocker(db, 0, 0, false)
		require.NoError(t, l.Lock(ctx))
		require.NoError(t, l.Unlock(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("polling lock gets the lock on a later attempt", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

		l := NewLocker(db, 42, time.Second, false)
		l.step = 10 * time.Millisecond

		require.NoError(t, l.Lock(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("polling lock gives up", func(t *testing.T) {
		db, mock := newMock(t)
		mock.MatchExpectationsInOrder(false)
		for i := 0; i < 20; i++ {
			mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
				WithArgs(int64(42)).
				WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
		}

		l := NewLocker(db, 42, 30*time.Millisecond, false)
		l.step = 10 * time.Millisecond

		err := l.Lock(ctx)
		assert.True(t, errors.Is(err, schema.ErrLockContention))
	})
}
