// internal/clients/lending_client.go
package clients

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"libralend/internal/httpx"
	"libralend/internal/lending"
	"libralend/internal/period"
)

// LendingClient talks to the lending service over HTTP.
type LendingClient struct {
	*base
}

var _ lending.Service = (*LendingClient)(nil)

func NewLendingClient(baseURL string, opts ...Option) *LendingClient {
	codes := map[string]error{
		"user_not_found":          lending.ErrUserNotFound,
		"book_not_found":          lending.ErrBookNotFound,
		"lending_not_found":       lending.ErrLendingNotFound,
		"no_active_loan":          lending.ErrNoActiveLoan,
		"book_unavailable":        lending.ErrBookUnavailable,
		"duplicate_loan":          lending.ErrDuplicateLoan,
		"borrow_limit_exceeded":   lending.ErrBorrowLimitExceeded,
		"not_active":              lending.ErrNotActive,
		"invalid_request":         lending.ErrInvalidRequest,
		"inventory_update_failed": lending.ErrInventoryUpdateFailed,
		"service_unavailable":     lending.ErrServiceUnavailable,
	}
	return &LendingClient{base: newBase("lending", baseURL, codes, lending.ErrLendingNotFound, opts)}
}

func (c *LendingClient) Ping(ctx context.Context) error {
	return c.ping(ctx, "/loans/stats/total")
}

func (c *LendingClient) BeginLoan(ctx context.Context, req lending.BorrowRequest) (*lending.Record, error) {
	return c.record(ctx, http.MethodPost, "/loans", req)
}

func (c *LendingClient) CompleteLoan(ctx context.Context, id uuid.UUID) (*lending.Record, error) {
	return c.record(ctx, http.MethodPost, "/loans/"+id.String()+"/return", struct{}{})
}

func (c *LendingClient) CompleteLoanByUserAndBook(ctx context.Context, userID, bookID uuid.UUID) (*lending.Record, error) {
	return c.record(ctx, http.MethodPost, "/loans/return", lending.ReturnRequest{UserID: userID, BookID: bookID})
}

func (c *LendingClient) GetRecord(ctx context.Context, id uuid.UUID) (*lending.Record, error) {
	return c.record(ctx, http.MethodGet, "/loans/"+id.String(), nil)
}

func (c *LendingClient) ListUserRecords(ctx context.Context, userID uuid.UUID) ([]lending.Record, error) {
	return c.records(ctx, "/users/"+userID.String()+"/loans", nil)
}

func (c *LendingClient) ListActiveUserRecords(ctx context.Context, userID uuid.UUID) ([]lending.Record, error) {
	return c.records(ctx, "/users/"+userID.String()+"/loans", url.Values{"active": []string{"true"}})
}

func (c *LendingClient) ListActive(ctx context.Context) ([]lending.Record, error) {
	return c.records(ctx, "/loans/active", nil)
}

func (c *LendingClient) ListOverdue(ctx context.Context) ([]lending.Record, error) {
	return c.records(ctx, "/loans/overdue", nil)
}

func (c *LendingClient) ListBookRecords(ctx context.Context, bookID uuid.UUID) ([]lending.Record, error) {
	return c.records(ctx, "/books/"+bookID.String()+"/loans", nil)
}

func (c *LendingClient) ListBetween(ctx context.Context, from, to time.Time) ([]lending.Record, error) {
	q := url.Values{
		"from": []string{from.Format(time.RFC3339Nano)},
		"to":   []string{to.Format(time.RFC3339Nano)},
	}
	return c.records(ctx, "/loans", q)
}

func (c *LendingClient) CountRecords(ctx context.Context) (int64, error) {
	return c.count(ctx, "/loans/stats/total", nil)
}

func (c *LendingClient) CountActive(ctx context.Context) (int64, error) {
	return c.count(ctx, "/loans/stats/active", nil)
}

func (c *LendingClient) CountCompleted(ctx context.Context) (int64, error) {
	return c.count(ctx, "/loans/stats/completed", nil)
}

func (c *LendingClient) CountOverdue(ctx context.Context) (int64, error) {
	return c.count(ctx, "/loans/stats/overdue", nil)
}

func (c *LendingClient) CountBorrowedSince(ctx context.Context, since time.Time) (int64, error) {
	return c.count(ctx, "/loans/stats/since", url.Values{"since": []string{since.Format(time.RFC3339Nano)}})
}

func (c *LendingClient) MonthlyStats(ctx context.Context, months int) ([]period.MonthlyCount, error) {
	var stats []period.MonthlyCount
	if err := c.do(ctx, http.MethodGet, "/loans/stats/monthly", limitQuery("months", months), nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *LendingClient) MostBorrowedBooks(ctx context.Context, limit int) ([]lending.BookCount, error) {
	var books []lending.BookCount
	if err := c.do(ctx, http.MethodGet, "/loans/stats/most-borrowed", limitQuery("limit", limit), nil, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *LendingClient) UserBorrowingPatterns(ctx context.Context, limit int) ([]lending.UserPattern, error) {
	var patterns []lending.UserPattern
	if err := c.do(ctx, http.MethodGet, "/loans/stats/user-patterns", limitQuery("limit", limit), nil, &patterns); err != nil {
		return nil, err
	}
	return patterns, nil
}

func (c *LendingClient) AverageReturnTime(ctx context.Context) (float64, error) {
	var body httpx.ValueBody
	if err := c.do(ctx, http.MethodGet, "/loans/stats/average-return-time", nil, nil, &body); err != nil {
		return 0, err
	}
	return body.Value, nil
}

func (c *LendingClient) RecentActivity(ctx context.Context, limit int) ([]lending.Activity, error) {
	var activity []lending.Activity
	if err := c.do(ctx, http.MethodGet, "/loans/stats/recent-activity", limitQuery("limit", limit), nil, &activity); err != nil {
		return nil, err
	}
	return activity, nil
}

func (c *LendingClient) record(ctx context.Context, method, path string, body interface{}) (*lending.Record, error) {
	var view lending.View
	if err := c.do(ctx, method, path, nil, body, &view); err != nil {
		return nil, err
	}
	return &view.Record, nil
}

// records drops the derived overdue fields the service adds to each record.
func (c *LendingClient) records(ctx context.Context, path string, query url.Values) ([]lending.Record, error) {
	var views []lending.View
	if err := c.do(ctx, http.MethodGet, path, query, nil, &views); err != nil {
		return nil, err
	}
	out := make([]lending.Record, len(views))
	for i, v := range views {
		out[i] = v.Record
	}
	return out, nil
}
