// internal/identity/domain.go
package identity

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidUser        = errors.New("invalid user")
	ErrDuplicateEmail     = errors.New("a user with this email already exists")
)

type Role string

const (
	RoleMember    Role = "MEMBER"
	RoleLibrarian Role = "LIBRARIAN"
	RoleAdmin     Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleMember, RoleLibrarian, RoleAdmin:
		return true
	}
	return false
}

// User is a registered library user.
type User struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Email       string     `json:"email" db:"email"`
	Name        string     `json:"name" db:"name"`
	Role        Role       `json:"role" db:"role"`
	Active      bool       `json:"active" db:"active"`
	LoginCount  int64      `json:"login_count" db:"login_count"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Credential holds a user's password material. Never serialized.
type Credential struct {
	UserID       uuid.UUID `json:"-" db:"user_id"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Salt         string    `json:"-" db:"salt"`
}

// NewUser is the input for RegisterUser.
type NewUser struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

func (n *NewUser) normalize() error {
	n.Email = strings.ToLower(strings.TrimSpace(n.Email))
	n.Name = strings.TrimSpace(n.Name)
	if n.Role == "" {
		n.Role = RoleMember
	}
	if _, err := mail.ParseAddress(n.Email); err != nil {
		return fmt.Errorf("%w: invalid email", ErrInvalidUser)
	}
	if n.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	if len(n.Password) < 8 {
		return fmt.Errorf("%w: password must have at least 8 characters", ErrInvalidUser)
	}
	if !n.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidUser, n.Role)
	}
	return nil
}

type RoleCount struct {
	Role  Role  `db:"role"`
	Count int64 `db:"count"`
}
