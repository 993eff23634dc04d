// internal/identity/postgres_store.go
package identity

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

const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	login_count BIGINT NOT NULL DEFAULT 0,
	last_login_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at);

CREATE TABLE IF NOT EXISTS credentials (
	user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	password_hash TEXT NOT NULL,
	salt TEXT NOT NULL
);
`

var userColumns = []interface{}{
	"id", "email", "name", "role", "active", "login_count", "last_login_at", "created_at", "updated_at",
}

const userReturning = `RETURNING id, email, name, role, active, login_count, last_login_at, created_at, updated_at`

type PostgresStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, dialect: goqu.Dialect("postgres")}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate identity: %w", err)
	}
	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, u *User, c *Credential) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, active, login_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
	`, u.ID, u.Email, u.Name, u.Role, u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (user_id, password_hash, salt)
		VALUES ($1, $2, $3)
	`, c.UserID, c.PasswordHash, c.Salt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return p.getOne(ctx, goqu.C("id").Eq(id))
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, *Credential, error) {
	u, err := p.getOne(ctx, goqu.C("email").Eq(email))
	if err != nil {
		return nil, nil, err
	}
	var c Credential
	if err := p.db.GetContext(ctx, &c, `
		SELECT user_id, password_hash, salt FROM credentials WHERE user_id = $1
	`, u.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, fmt.Errorf("get credential: %w", err)
	}
	return u, &c, nil
}

func (p *PostgresStore) getOne(ctx context.Context, cond exp.Expression) (*User, error) {
	query, args, err := p.dialect.From("users").Select(userColumns...).Where(cond).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var u User
	if err := p.db.GetContext(ctx, &u, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (p *PostgresStore) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) (*User, error) {
	return p.updateOne(ctx, `
		UPDATE users SET login_count = login_count + 1, last_login_at = $2, updated_at = NOW()
		WHERE id = $1 `+userReturning, id, at)
}

func (p *PostgresStore) SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error) {
	return p.updateOne(ctx, `
		UPDATE users SET active = $2, updated_at = NOW()
		WHERE id = $1 `+userReturning, id, active)
}

func (p *PostgresStore) updateOne(ctx context.Context, query string, args ...interface{}) (*User, error) {
	var u User
	if err := p.db.GetContext(ctx, &u, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return &u, nil
}

func (p *PostgresStore) count(ctx context.Context, where ...exp.Expression) (int64, error) {
	query, args, err := p.dialect.From("users").Select(goqu.COUNT("*")).Where(where...).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int64
	if err := p.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	return p.count(ctx)
}

func (p *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	return p.count(ctx, goqu.C("active").IsTrue())
}

func (p *PostgresStore) CountCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	return p.count(ctx, goqu.C("created_at").Gte(since))
}

func (p *PostgresStore) CountByRole(ctx context.Context) ([]RoleCount, error) {
	query, args, err := p.dialect.From("users").
		Select(goqu.C("role"), goqu.COUNT("*").As("count")).
		GroupBy("role").
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []RoleCount
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("count by role: %w", err)
	}
	return rows, nil
}

func (p *PostgresStore) MonthlySignups(ctx context.Context, since time.Time) ([]period.MonthlyCount, error) {
	var rows []period.MonthlyCount
	err := p.db.SelectContext(ctx, &rows, `
		SELECT EXTRACT(YEAR FROM created_at)::int AS year,
		       EXTRACT(MONTH FROM created_at)::int AS month,
		       COUNT(*) AS count
		FROM users
		WHERE created_at >= $1
		GROUP BY 1, 2
		ORDER BY 1, 2
	`, since)
	if err != nil {
		return nil, fmt.Errorf("monthly signups: %w", err)
	}
	return rows, nil
}

func (p *PostgresStore) TopByLogins(ctx context.Context, limit int) ([]User, error) {
	query, args, err := p.dialect.From("users").Select(userColumns...).
		Where(goqu.C("active").IsTrue(), goqu.C("login_count").Gt(0)).
		Order(goqu.C("login_count").Desc(), goqu.C("email").Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	users := []User{}
	if err := p.db.SelectContext(ctx, &users, query, args...); err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	return users, nil
}
