// internal/identity/implementation.go
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"libralend/internal/logger"
	"libralend/internal/period"
)

// service implements the Service interface.
type service struct {
	store       Store
	log         *logger.Logger
	rateLimiter *rate.Limiter
	now         func() time.Time
}

type Option func(*service)

// WithRateLimit replaces the default limiter guarding registration and login.
func WithRateLimit(every time.Duration, burst int) Option {
	return func(s *service) {
		s.rateLimiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a new identity service instance.
func NewService(store Store, log *logger.Logger, opts ...Option) Service {
	s := &service{
		store:       store,
		log:         log.With("component", "identity"),
		rateLimiter: rate.NewLimiter(rate.Every(12*time.Second), 5), // 5 requests per minute
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterUser creates an active user with a hashed password.
func (s *service) RegisterUser(ctx context.Context, in NewUser) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	hash, salt, err := hashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	user := &User{
		ID:        uuid.New(),
		Email:     in.Email,
		Name:      in.Name,
		Role:      in.Role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cred := &Credential{UserID: user.ID, PasswordHash: hash, Salt: salt}
	if err := s.store.Insert(ctx, user, cred); err != nil {
		return nil, fmt.Errorf("failed to register user: %w", err)
	}
	s.log.Info("user registered", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// Authenticate verifies credentials and records the login.
func (s *service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	if !s.rateLimiter.Allow() {
		return nil, ErrRateLimited
	}

	user, cred, err := s.store.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok || !user.Active {
		return nil, ErrInvalidCredentials
	}

	updated, err := s.store.RecordLogin(ctx, user.ID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to record login: %w", err)
	}
	return updated, nil
}

func (s *service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	user, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return user, nil
}

func (s *service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*User, error) {
	user, err := s.store.SetActive(ctx, id, active)
	if err != nil {
		return nil, fmt.Errorf("failed to update user %s: %w", id, err)
	}
	s.log.Info("user activation changed", "user_id", id, "active", active)
	return user, nil
}

func (s *service) CountUsers(ctx context.Context) (int64, error) {
	return s.store.CountUsers(ctx)
}

func (s *service) CountActiveUsers(ctx context.Context) (int64, error) {
	return s.store.CountActive(ctx)
}

func (s *service) CountNewUsersThisMonth(ctx context.Context) (int64, error) {
	return s.store.CountCreatedSince(ctx, period.StartOfMonth(s.now().UTC()))
}

func (s *service) CountByRole(ctx context.Context) (map[string]int64, error) {
	rows, err := s.store.CountByRole(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[string(r.Role)] = r.Count
	}
	return out, nil
}

// GrowthStats returns new users per month for the last months calendar months, oldest first.
func (s *service) GrowthStats(ctx context.Context, months int) ([]period.MonthlyCount, error) {
	if months <= 0 || months > 36 {
		months = 12
	}
	now := s.now().UTC()
	sparse, err := s.store.MonthlySignups(ctx, period.Window(now, months))
	if err != nil {
		return nil, err
	}
	return period.Fill(now, months, sparse), nil
}

func (s *service) TopActiveUsers(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	users, err := s.store.TopByLogins(ctx, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].LoginCount > users[j].LoginCount })
	return users, nil
}
