// internal/clients/catalog_client.go
package clients

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"libralend/internal/catalog"
)

// CatalogClient talks to the catalog service over HTTP.
type CatalogClient struct {
	*base
}

var _ catalog.Service = (*CatalogClient)(nil)

func NewCatalogClient(baseURL string, opts ...Option) *CatalogClient {
	codes := map[string]error{
		"book_not_found":      catalog.ErrBookNotFound,
		"no_copies_available": catalog.ErrNoCopiesAvailable,
		"duplicate_isbn":      catalog.ErrDuplicateISBN,
		"operation_conflict":  catalog.ErrOperationConflict,
		"invalid_inventory":   catalog.ErrInvalidInventory,
		"invalid_book":        catalog.ErrInvalidBook,
	}
	return &CatalogClient{base: newBase("catalog", baseURL, codes, catalog.ErrBookNotFound, opts)}
}

func (c *CatalogClient) Ping(ctx context.Context) error {
	return c.ping(ctx, "/books/stats/count")
}

func (c *CatalogClient) AddBook(ctx context.Context, in catalog.NewBook) (*catalog.Book, error) {
	return c.book(ctx, http.MethodPost, "/books", in)
}

func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	return c.book(ctx, http.MethodGet, "/books/"+id.String(), nil)
}

func (c *CatalogClient) UpdateInventory(ctx context.Context, id uuid.UUID, totalCopies, availableCopies int) (*catalog.Book, error) {
	req := catalog.InventoryRequest{TotalCopies: totalCopies, AvailableCopies: availableCopies}
	return c.book(ctx, http.MethodPut, "/books/"+id.String()+"/inventory", req)
}

func (c *CatalogClient) DecrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*catalog.Book, error) {
	return c.book(ctx, http.MethodPost, "/books/"+bookID.String()+"/decrement", catalog.OperationRequest{OperationID: operationID})
}

func (c *CatalogClient) IncrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*catalog.Book, error) {
	return c.book(ctx, http.MethodPost, "/books/"+bookID.String()+"/increment", catalog.OperationRequest{OperationID: operationID})
}

func (c *CatalogClient) RevertOperation(ctx context.Context, operationID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, "/operations/"+operationID.String()+"/revert", nil, struct{}{}, nil)
}

func (c *CatalogClient) CountBooks(ctx context.Context) (int64, error) {
	return c.count(ctx, "/books/stats/count", nil)
}

func (c *CatalogClient) CountAvailableBooks(ctx context.Context) (int64, error) {
	return c.count(ctx, "/books/stats/available-books", nil)
}

func (c *CatalogClient) TotalCopies(ctx context.Context) (int64, error) {
	return c.count(ctx, "/books/stats/total-copies", nil)
}

func (c *CatalogClient) TotalAvailableCopies(ctx context.Context) (int64, error) {
	return c.count(ctx, "/books/stats/available-copies", nil)
}

func (c *CatalogClient) CountByCategory(ctx context.Context) (map[string]int64, error) {
	var counts map[string]int64
	if err := c.do(ctx, http.MethodGet, "/books/stats/by-category", nil, nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *CatalogClient) LowStockBooks(ctx context.Context, threshold int) ([]catalog.Book, error) {
	return c.books(ctx, "/books/low-stock", "threshold", threshold)
}

func (c *CatalogClient) RecentlyAddedBooks(ctx context.Context, limit int) ([]catalog.Book, error) {
	return c.books(ctx, "/books/recent", "limit", limit)
}

func (c *CatalogClient) PopularBooks(ctx context.Context, limit int) ([]catalog.Book, error) {
	return c.books(ctx, "/books/popular", "limit", limit)
}

func (c *CatalogClient) LeastBorrowedBooks(ctx context.Context, limit int) ([]catalog.Book, error) {
	return c.books(ctx, "/books/least-borrowed", "limit", limit)
}

func (c *CatalogClient) book(ctx context.Context, method, path string, body interface{}) (*catalog.Book, error) {
	var b catalog.Book
	if err := c.do(ctx, method, path, nil, body, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *CatalogClient) books(ctx context.Context, path, key string, n int) ([]catalog.Book, error) {
	var list []catalog.Book
	if err := c.do(ctx, http.MethodGet, path, limitQuery(key, n), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}
