// internal/identity/service.go
package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"libralend/internal/period"
)

// Service defines the interface for the identity service.
type Service interface {
	RegisterUser(ctx context.Context, in NewUser) (*User, error)
	Authenticate(ctx context.Context, email, password string) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error)

	CountUsers(ctx context.Context) (int64, error)
	CountActiveUsers(ctx context.Context) (int64, error)
	CountNewUsersThisMonth(ctx context.Context) (int64, error)
	CountByRole(ctx context.Context) (map[string]int64, error)
	GrowthStats(ctx context.Context, months int) ([]period.MonthlyCount, error)
	TopActiveUsers(ctx context.Context, limit int) ([]User, error)
}

// Store is the persistence boundary of the identity service.
type Store interface {
	Insert(ctx context.Context, u *User, c *Credential) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, *Credential, error)
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) (*User, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error)

	CountUsers(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	CountCreatedSince(ctx context.Context, since time.Time) (int64, error)
	CountByRole(ctx context.Context) ([]RoleCount, error)
	// MonthlySignups returns per-month counts for users created at or after since.
	// Months without signups may be missing.
	MonthlySignups(ctx context.Context, since time.Time) ([]period.MonthlyCount, error)
	TopByLogins(ctx context.Context, limit int) ([]User, error)
}
