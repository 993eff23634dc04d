package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/logger"
)

func newTestService(t testing.TB, opts ...Option) (Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append([]Option{WithRateLimit(time.Millisecond, 1000)}, opts...)
	return NewService(store, logger.Nop(), opts...), store
}

func register(t testing.TB, svc Service, email string) *User {
	t.Helper()
	user, err := svc.RegisterUser(context.Background(), NewUser{
		Email:    email,
		Name:     "Reader",
		Password: "correct horse",
	})
	require.NoError(t, err)
	return user
}

func TestRegisterUserDefaultsToActiveMember(t *testing.T) {
	svc, _ := newTestService(t)

	user := register(t, svc, "  Ada@Example.com ")

	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, RoleMember, user.Role)
	assert.True(t, user.Active)
	assert.NotEqual(t, uuid.Nil, user.ID)
}

func TestRegisterUserValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := map[string]NewUser{
		"bad email":      {Email: "nope", Name: "A", Password: "12345678"},
		"missing name":   {Email: "a@b.io", Password: "12345678"},
		"short password": {Email: "a@b.io", Name: "A", Password: "1234"},
		"unknown role":   {Email: "a@b.io", Name: "A", Password: "12345678", Role: "GUEST"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.RegisterUser(ctx, in)
			assert.ErrorIs(t, err, ErrInvalidUser)
		})
	}
}

func TestRegisterUserRejectsDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "dup@example.com")

	_, err := svc.RegisterUser(context.Background(), NewUser{Email: "DUP@example.com", Name: "B", Password: "12345678"})

	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestAuthenticateRecordsLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	register(t, svc, "login@example.com")

	user, err := svc.Authenticate(ctx, "login@example.com", "correct horse")
	require.NoError(t, err)
	user, err = svc.Authenticate(ctx, "LOGIN@example.com", "correct horse")
	require.NoError(t, err)

	assert.Equal(t, int64(2), user.LoginCount)
	assert.NotNil(t, user.LastLoginAt)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := register(t, svc, "who@example.com")

	_, err := svc.Authenticate(ctx, "who@example.com", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SetActive(ctx, user.ID, false)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "who@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	svc, _ := newTestService(t, WithRateLimit(time.Hour, 1))
	ctx := context.Background()

	register(t, svc, "first@example.com")
	_, err := svc.Authenticate(ctx, "first@example.com", "correct horse")

	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestGetUserNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetUser(context.Background(), uuid.New())

	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestStatistics(t *testing.T) {
	now := time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)
	clock := now
	svc, _ := newTestService(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	clock = now.AddDate(0, -2, 0)
	old := register(t, svc, "old@example.com")
	clock = now
	register(t, svc, "new1@example.com")
	register(t, svc, "new2@example.com")
	_, err := svc.RegisterUser(ctx, NewUser{Email: "lib@example.com", Name: "L", Password: "12345678", Role: RoleLibrarian})
	require.NoError(t, err)
	_, err = svc.SetActive(ctx, old.ID, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Authenticate(ctx, "new1@example.com", "correct horse")
		require.NoError(t, err)
	}
	_, err = svc.Authenticate(ctx, "new2@example.com", "correct horse")
	require.NoError(t, err)

	total, err := svc.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	active, err := svc.CountActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)

	fresh, err := svc.CountNewUsersThisMonth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh)

	roles, err := svc.CountByRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"MEMBER": 3, "LIBRARIAN": 1}, roles)

	growth, err := svc.GrowthStats(ctx, 3)
	require.NoError(t, err)
	require.Len(t, growth, 3)
	assert.Equal(t, 1, growth[0].Month)
	assert.Equal(t, int64(1), growth[0].Count)
	assert.Equal(t, int64(0), growth[1].Count)
	assert.Equal(t, int64(3), growth[2].Count)

	top, err := svc.TopActiveUsers(ctx, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "new1@example.com", top[0].Email)
	assert.Equal(t, int64(3), top[0].LoginCount)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, salt, err := hashPassword("s3cret-pass")
	require.NoError(t, err)

	ok, err := verifyPassword("s3cret-pass", salt, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("other", salt, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("x", "%%%", hash)
	assert.Error(t, err)
}
