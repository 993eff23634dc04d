// internal/lending/postgres_store.go
package lending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"libralend/internal/period"
)

// The partial unique index backs the one-active-loan-per-pair rule; the
// per-user advisory lock in CreateActive serializes the borrow limit check.
const Schema = `
CREATE TABLE IF NOT EXISTS lending_records (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	book_id UUID NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	borrowed_at TIMESTAMPTZ NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	returned_at TIMESTAMPTZ,
	notes TEXT NOT NULL DEFAULT '',
	user_email TEXT NOT NULL DEFAULT '',
	book_title TEXT NOT NULL DEFAULT '',
	book_author TEXT NOT NULL DEFAULT '',
	book_isbn TEXT NOT NULL DEFAULT '',
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_lending_active_pair
	ON lending_records (user_id, book_id) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS idx_lending_user_status ON lending_records (user_id, status);
CREATE INDEX IF NOT EXISTS idx_lending_book ON lending_records (book_id);
CREATE INDEX IF NOT EXISTS idx_lending_borrowed_at ON lending_records (borrowed_at DESC);
`

const table = "lending_records"

var recordColumns = []interface{}{
	"id", "user_id", "book_id", "type", "status", "borrowed_at", "due_date", "returned_at", "notes",
	"user_email", "book_title", "book_author", "book_isbn", "version", "created_at", "updated_at",
}

const recordReturning = `RETURNING id, user_id, book_id, type, status, borrowed_at, due_date, returned_at, notes,
	user_email, book_title, book_author, book_isbn, version, created_at, updated_at`

type PostgresStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, dialect: goqu.Dialect("postgres")}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate lending: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateActive(ctx context.Context, rec *Record, limit int) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.UserID.String()); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	var counts struct {
		SameBook int `db:"same_book"`
		Active   int `db:"active"`
	}
	if err := tx.GetContext(ctx, &counts, `
		SELECT COUNT(*) FILTER (WHERE book_id = $2) AS same_book, COUNT(*) AS active
		FROM lending_records
		WHERE user_id = $1 AND status = 'ACTIVE'
	`, rec.UserID, rec.BookID); err != nil {
		return fmt.Errorf("count active loans: %w", err)
	}
	if counts.SameBook > 0 {
		return ErrDuplicateLoan
	}
	if counts.Active >= limit {
		return ErrBorrowLimitExceeded
	}

	query, args, err := p.dialect.Insert(table).Rows(goqu.Record{
		"id":          rec.ID,
		"user_id":     rec.UserID,
		"book_id":     rec.BookID,
		"type":        rec.Type,
		"status":      rec.Status,
		"borrowed_at": rec.BorrowedAt,
		"due_date":    rec.DueDate,
		"notes":       rec.Notes,
		"user_email":  rec.UserEmail,
		"book_title":  rec.BookTitle,
		"book_author": rec.BookAuthor,
		"book_isbn":   rec.BookISBN,
		"version":     rec.Version,
		"created_at":  rec.CreatedAt,
		"updated_at":  rec.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateLoan
		}
		return fmt.Errorf("insert lending record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := p.getOne(ctx, goqu.C("id").Eq(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLendingNotFound
	}
	return rec, err
}

func (p *PostgresStore) FindActive(ctx context.Context, userID, bookID uuid.UUID) (*Record, error) {
	rec, err := p.getOne(ctx, goqu.C("user_id").Eq(userID), goqu.C("book_id").Eq(bookID), goqu.C("status").Eq(StatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveLoan
	}
	return rec, err
}

func (p *PostgresStore) getOne(ctx context.Context, where ...exp.Expression) (*Record, error) {
	query, args, err := p.dialect.From(table).Select(recordColumns...).Where(where...).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rec Record
	if err := p.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get lending record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := p.Count(ctx, Filter{UserID: userID, Status: StatusActive})
	return int(n), err
}

func (p *PostgresStore) Complete(ctx context.Context, id uuid.UUID, at time.Time) (*Record, error) {
	var rec Record
	err := p.db.GetContext(ctx, &rec, `
		UPDATE lending_records
		SET status = 'COMPLETED', returned_at = $2, version = version + 1, updated_at = $2
		WHERE id = $1 AND status = 'ACTIVE'
		`+recordReturning, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotActive
	}
	if err != nil {
		return nil, fmt.Errorf("complete lending record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) Reopen(ctx context.Context, id uuid.UUID, version int, at time.Time) (*Record, error) {
	var rec Record
	err := p.db.GetContext(ctx, &rec, `
		UPDATE lending_records
		SET status = 'ACTIVE', returned_at = NULL, version = version + 1, updated_at = $3
		WHERE id = $1 AND status = 'COMPLETED' AND version = $2
		`+recordReturning, id, version, at)
	switch {
	case err == nil:
		return &rec, nil
	case isUniqueViolation(err):
		return nil, ErrDuplicateLoan
	case errors.Is(err, sql.ErrNoRows):
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("record %s changed since version %d", id, version)
	default:
		return nil, fmt.Errorf("reopen lending record: %w", err)
	}
}

func (p *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := p.dialect.Delete(table).Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete lending record: %w", err)
	}
	return nil
}

func filterExpressions(f Filter) []exp.Expression {
	var where []exp.Expression
	if f.UserID != uuid.Nil {
		where = append(where, goqu.C("user_id").Eq(f.UserID))
	}
	if f.BookID != uuid.Nil {
		where = append(where, goqu.C("book_id").Eq(f.BookID))
	}
	if f.Status != "" {
		where = append(where, goqu.C("status").Eq(f.Status))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, goqu.C("due_date").Lt(f.DueBefore))
	}
	if !f.BorrowedFrom.IsZero() {
		where = append(where, goqu.C("borrowed_at").Gte(f.BorrowedFrom))
	}
	if !f.BorrowedTo.IsZero() {
		where = append(where, goqu.C("borrowed_at").Lt(f.BorrowedTo))
	}
	return where
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	query, args, err := p.dialect.From(table).Select(recordColumns...).
		Where(filterExpressions(f)...).
		Order(goqu.C("borrowed_at").Desc(), goqu.C("id").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	records := []Record{}
	if err := p.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list lending records: %w", err)
	}
	return records, nil
}

func (p *PostgresStore) Count(ctx context.Context, f Filter) (int64, error) {
	query, args, err := p.dialect.From(table).Select(goqu.COUNT("*")).
		Where(filterExpressions(f)...).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	if err := p.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count lending records: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) MonthlyBorrows(ctx context.Context, since time.Time) ([]period.MonthlyCount, error) {
	var rows []period.MonthlyCount
	err := p.db.SelectContext(ctx, &rows, `
		SELECT EXTRACT(YEAR FROM borrowed_at AT TIME ZONE 'UTC')::int AS year,
		       EXTRACT(MONTH FROM borrowed_at AT TIME ZONE 'UTC')::int AS month,
		       COUNT(*) AS count
		FROM lending_records
		WHERE borrowed_at >= $1
		GROUP BY 1, 2
		ORDER BY 1, 2
	`, since)
	if err != nil {
		return nil, fmt.Errorf("monthly borrows: %w", err)
	}
	return rows, nil
}

func (p *PostgresStore) MostBorrowed(ctx context.Context, limit int) ([]BookCount, error) {
	query, args, err := p.dialect.From(table).
		Select(goqu.C("book_id"), goqu.MAX("book_title").As("book_title"), goqu.COUNT("*").As("count")).
		GroupBy("book_id").
		Order(goqu.I("count").Desc(), goqu.I("book_title").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	out := []BookCount{}
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("most borrowed: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) UserPatterns(ctx context.Context, limit int) ([]UserPattern, error) {
	out := []UserPattern{}
	err := p.db.SelectContext(ctx, &out, `
		SELECT user_id,
		       MAX(user_email) AS user_email,
		       COUNT(*) AS total_loans,
		       COUNT(*) FILTER (WHERE status = 'ACTIVE') AS active_loans,
		       COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed_loans
		FROM lending_records
		GROUP BY user_id
		ORDER BY total_loans DESC, user_email ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("user patterns: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) AverageLoanDays(ctx context.Context) (float64, error) {
	var days float64
	err := p.db.GetContext(ctx, &days, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (returned_at - borrowed_at))) / 86400, 0)::float8
		FROM lending_records
		WHERE status = 'COMPLETED' AND returned_at IS NOT NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("average loan days: %w", err)
	}
	return days, nil
}

func (p *PostgresStore) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	out := []Activity{}
	err := p.db.SelectContext(ctx, &out, `
		SELECT record_id, user_id, book_id, user_email, book_title, action, at FROM (
			SELECT id AS record_id, user_id, book_id, user_email, book_title, 'BORROW' AS action, borrowed_at AS at
			FROM lending_records
			UNION ALL
			SELECT id, user_id, book_id, user_email, book_title, 'RETURN', returned_at
			FROM lending_records
			WHERE returned_at IS NOT NULL
		) activity
		ORDER BY at DESC, action DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	return out, nil
}
