// internal/clients/identity_client.go
package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"libralend/internal/identity"
	"libralend/internal/period"
)

// IdentityClient talks to the identity service over HTTP.
type IdentityClient struct {
	*base
}

var _ identity.Service = (*IdentityClient)(nil)

func NewIdentityClient(baseURL string, opts ...Option) *IdentityClient {
	codes := map[string]error{
		"user_not_found":      identity.ErrUserNotFound,
		"invalid_credentials": identity.ErrInvalidCredentials,
		"rate_limited":        identity.ErrRateLimited,
		"duplicate_email":     identity.ErrDuplicateEmail,
		"invalid_user":        identity.ErrInvalidUser,
	}
	return &IdentityClient{base: newBase("identity", baseURL, codes, identity.ErrUserNotFound, opts)}
}

func (c *IdentityClient) Ping(ctx context.Context) error {
	return c.ping(ctx, "/users/stats/count")
}

func (c *IdentityClient) RegisterUser(ctx context.Context, in identity.NewUser) (*identity.User, error) {
	var user identity.User
	if err := c.do(ctx, http.MethodPost, "/users", nil, in, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *IdentityClient) Authenticate(ctx context.Context, email, password string) (*identity.User, error) {
	var user identity.User
	req := identity.LoginRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/login", nil, req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *IdentityClient) GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	var user identity.User
	if err := c.do(ctx, http.MethodGet, "/users/"+id.String(), nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *IdentityClient) SetActive(ctx context.Context, id uuid.UUID, active bool) (*identity.User, error) {
	var user identity.User
	req := identity.ActiveRequest{Active: active}
	if err := c.do(ctx, http.MethodPut, "/users/"+id.String()+"/active", nil, req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *IdentityClient) CountUsers(ctx context.Context) (int64, error) {
	return c.count(ctx, "/users/stats/count", nil)
}

func (c *IdentityClient) CountActiveUsers(ctx context.Context) (int64, error) {
	return c.count(ctx, "/users/stats/active", nil)
}

func (c *IdentityClient) CountNewUsersThisMonth(ctx context.Context) (int64, error) {
	return c.count(ctx, "/users/stats/new-this-month", nil)
}

func (c *IdentityClient) CountByRole(ctx context.Context) (map[string]int64, error) {
	var counts map[string]int64
	if err := c.do(ctx, http.MethodGet, "/users/stats/by-role", nil, nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *IdentityClient) GrowthStats(ctx context.Context, months int) ([]period.MonthlyCount, error) {
	var stats []period.MonthlyCount
	if err := c.do(ctx, http.MethodGet, "/users/stats/growth", limitQuery("months", months), nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *IdentityClient) TopActiveUsers(ctx context.Context, limit int) ([]identity.User, error) {
	var users []identity.User
	if err := c.do(ctx, http.MethodGet, "/users/top-active", limitQuery("limit", limit), nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}
