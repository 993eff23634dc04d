// internal/catalog/postgres_store.go
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const Schema = `
CREATE TABLE IF NOT EXISTS books (
	id UUID PRIMARY KEY,
	isbn TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	publisher TEXT NOT NULL DEFAULT '',
	total_copies INT NOT NULL,
	available_copies INT NOT NULL,
	borrow_count BIGINT NOT NULL DEFAULT 0,
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT books_inventory_bounds CHECK (available_copies >= 0 AND available_copies <= total_copies)
);
CREATE INDEX IF NOT EXISTS idx_books_created_at ON books (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_books_borrow_count ON books (borrow_count DESC);

CREATE TABLE IF NOT EXISTS inventory_operations (
	id UUID PRIMARY KEY,
	book_id UUID REFERENCES books(id),
	requested INT NOT NULL DEFAULT 0,
	delta INT NOT NULL DEFAULT 0,
	reverted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
-- Reverting an id that never arrived leaves a row without a book.
ALTER TABLE inventory_operations ALTER COLUMN book_id DROP NOT NULL;
`

const operationColumns = `id, COALESCE(book_id, '00000000-0000-0000-0000-000000000000') AS book_id,
	requested, delta, reverted, created_at`

var bookColumns = []interface{}{
	"id", "isbn", "title", "author", "category", "publisher",
	"total_copies", "available_copies", "borrow_count", "version", "created_at", "updated_at",
}

const bookReturning = `RETURNING id, isbn, title, author, category, publisher,
	total_copies, available_copies, borrow_count, version, created_at, updated_at`

// PostgresStore keeps books in Postgres. Counter changes are single
// conditional UPDATE statements so concurrent callers never read-modify-write.
type PostgresStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, dialect: goqu.Dialect("postgres")}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, b *Book) error {
	query, args, err := p.dialect.Insert("books").Rows(goqu.Record{
		"id":               b.ID,
		"isbn":             b.ISBN,
		"title":            b.Title,
		"author":           b.Author,
		"category":         b.Category,
		"publisher":        b.Publisher,
		"total_copies":     b.TotalCopies,
		"available_copies": b.AvailableCopies,
		"borrow_count":     b.BorrowCount,
		"version":          b.Version,
		"created_at":       b.CreatedAt,
		"updated_at":       b.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateISBN
		}
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Book, error) {
	query, args, err := p.dialect.From("books").Select(bookColumns...).Where(goqu.C("id").Eq(id)).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var b Book
	if err := p.db.GetContext(ctx, &b, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &b, nil
}

func (p *PostgresStore) SetInventory(ctx context.Context, id uuid.UUID, total, available int) (*Book, error) {
	var b Book
	err := p.db.GetContext(ctx, &b, `
		UPDATE books
		SET total_copies = $1, available_copies = $2, version = version + 1, updated_at = NOW()
		WHERE id = $3
		`+bookReturning, total, available, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("update inventory: %w", err)
	}
	return &b, nil
}

func (p *PostgresStore) Adjust(ctx context.Context, bookID, operationID uuid.UUID, delta int) (*Book, *Operation, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Claiming the operation id first makes a concurrent replay wait on this
	// transaction and then see the committed row.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_operations (id, book_id, requested)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, operationID, bookID, delta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return nil, nil, ErrBookNotFound
		}
		return nil, nil, fmt.Errorf("claim operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.replay(ctx, tx, bookID, operationID, delta)
	}

	var b Book
	if delta < 0 {
		err = tx.GetContext(ctx, &b, `
			UPDATE books
			SET available_copies = available_copies - 1,
			    borrow_count = borrow_count + 1,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1 AND available_copies > 0
			`+bookReturning, bookID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNoCopiesAvailable
		}
	} else {
		err = tx.GetContext(ctx, &b, `
			UPDATE books
			SET available_copies = available_copies + 1,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1 AND available_copies < total_copies
			`+bookReturning, bookID)
		if errors.Is(err, sql.ErrNoRows) {
			// Full shelf: record the operation as a no-op.
			err = tx.GetContext(ctx, &b, `SELECT `+columnList()+` FROM books WHERE id = $1`, bookID)
			if err == nil {
				delta = 0
			}
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("adjust inventory: %w", err)
	}

	var op Operation
	if err := tx.GetContext(ctx, &op, `
		UPDATE inventory_operations SET delta = $2 WHERE id = $1
		RETURNING `+operationColumns, operationID, delta); err != nil {
		return nil, nil, fmt.Errorf("record operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &b, &op, nil
}

func (p *PostgresStore) replay(ctx context.Context, tx *sqlx.Tx, bookID, operationID uuid.UUID, delta int) (*Book, *Operation, error) {
	var op Operation
	if err := tx.GetContext(ctx, &op, `SELECT `+operationColumns+` FROM inventory_operations WHERE id = $1`, operationID); err != nil {
		return nil, nil, fmt.Errorf("load operation: %w", err)
	}
	if op.Reverted {
		return nil, nil, errOperationReverted
	}
	if op.BookID != bookID || op.Requested != delta {
		return nil, nil, ErrOperationConflict
	}
	var b Book
	if err := tx.GetContext(ctx, &b, `SELECT `+columnList()+` FROM books WHERE id = $1`, bookID); err != nil {
		return nil, nil, fmt.Errorf("load book: %w", err)
	}
	return &b, &op, nil
}

func (p *PostgresStore) Revert(ctx context.Context, operationID uuid.UUID) (*Book, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// An id we have not seen yet is claimed as an already reverted no-op, so
	// a decrement still in flight cannot apply after its compensation.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_operations (id, reverted)
		VALUES ($1, TRUE)
		ON CONFLICT (id) DO NOTHING
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("claim operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return nil, nil
	}

	var op Operation
	err = tx.GetContext(ctx, &op, `SELECT `+operationColumns+` FROM inventory_operations WHERE id = $1 FOR UPDATE`, operationID)
	if err != nil {
		return nil, fmt.Errorf("load operation: %w", err)
	}
	if op.Reverted {
		return nil, nil
	}

	var b Book
	switch op.Delta {
	case -1:
		err = tx.GetContext(ctx, &b, `
			UPDATE books
			SET available_copies = LEAST(available_copies + 1, total_copies),
			    borrow_count = GREATEST(borrow_count - 1, 0),
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1
			`+bookReturning, op.BookID)
	case 1:
		err = tx.GetContext(ctx, &b, `
			UPDATE books
			SET available_copies = GREATEST(available_copies - 1, 0),
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $1
			`+bookReturning, op.BookID)
	default:
		err = tx.GetContext(ctx, &b, `SELECT `+columnList()+` FROM books WHERE id = $1`, op.BookID)
	}
	if err != nil {
		return nil, fmt.Errorf("revert inventory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inventory_operations SET reverted = TRUE WHERE id = $1`, operationID); err != nil {
		return nil, fmt.Errorf("mark operation reverted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &b, nil
}

func columnList() string {
	return `id, isbn, title, author, category, publisher,
		total_copies, available_copies, borrow_count, version, created_at, updated_at`
}

func (p *PostgresStore) count(ctx context.Context, ds *goqu.SelectDataset) (int64, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	if err := p.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count books: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountBooks(ctx context.Context) (int64, error) {
	return p.count(ctx, p.dialect.From("books").Select(goqu.COUNT("*")))
}

func (p *PostgresStore) CountAvailableBooks(ctx context.Context) (int64, error) {
	return p.count(ctx, p.dialect.From("books").Select(goqu.COUNT("*")).Where(goqu.C("available_copies").Gt(0)))
}

func (p *PostgresStore) SumCopies(ctx context.Context) (int64, int64, error) {
	query, args, err := p.dialect.From("books").Select(
		goqu.COALESCE(goqu.SUM("total_copies"), 0).As("total"),
		goqu.COALESCE(goqu.SUM("available_copies"), 0).As("available"),
	).Prepared(true).ToSQL()
	if err != nil {
		return 0, 0, fmt.Errorf("build query: %w", err)
	}
	var row struct {
		Total     int64 `db:"total"`
		Available int64 `db:"available"`
	}
	if err := p.db.GetContext(ctx, &row, query, args...); err != nil {
		return 0, 0, fmt.Errorf("sum copies: %w", err)
	}
	return row.Total, row.Available, nil
}

func (p *PostgresStore) CountByCategory(ctx context.Context) ([]CategoryCount, error) {
	query, args, err := p.dialect.From("books").
		Select(goqu.C("category"), goqu.COUNT("*").As("count")).
		GroupBy("category").
		Order(goqu.C("category").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []CategoryCount
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	return rows, nil
}

func (p *PostgresStore) LowStock(ctx context.Context, threshold, limit int) ([]Book, error) {
	return p.selectBooks(ctx, p.dialect.From("books").Select(bookColumns...).
		Where(goqu.C("available_copies").Lte(threshold)).
		Order(goqu.C("available_copies").Asc(), goqu.C("title").Asc()).
		Limit(uint(limit)))
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]Book, error) {
	return p.selectBooks(ctx, p.dialect.From("books").Select(bookColumns...).
		Order(goqu.C("created_at").Desc(), goqu.C("title").Asc()).
		Limit(uint(limit)))
}

func (p *PostgresStore) ByBorrowCount(ctx context.Context, limit int, descending bool) ([]Book, error) {
	order := goqu.C("borrow_count").Asc()
	if descending {
		order = goqu.C("borrow_count").Desc()
	}
	return p.selectBooks(ctx, p.dialect.From("books").Select(bookColumns...).
		Order(order, goqu.C("title").Asc()).
		Limit(uint(limit)))
}

func (p *PostgresStore) selectBooks(ctx context.Context, ds *goqu.SelectDataset) ([]Book, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	books := []Book{}
	if err := p.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}
