// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the catalog service. The remote client in
// internal/clients implements it as well.
type Service interface {
	AddBook(ctx context.Context, in NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateInventory(ctx context.Context, id uuid.UUID, totalCopies, availableCopies int) (*Book, error)

	// DecrementAvailable takes one copy off the shelf. Replaying the same
	// operation id does not take a second copy.
	DecrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*Book, error)
	// IncrementAvailable puts one copy back, never exceeding the total.
	IncrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*Book, error)
	// RevertOperation undoes an applied operation once. An unknown id is
	// recorded as reverted so a late mutation with it is refused.
	RevertOperation(ctx context.Context, operationID uuid.UUID) error

	CountBooks(ctx context.Context) (int64, error)
	CountAvailableBooks(ctx context.Context) (int64, error)
	TotalCopies(ctx context.Context) (int64, error)
	TotalAvailableCopies(ctx context.Context) (int64, error)
	CountByCategory(ctx context.Context) (map[string]int64, error)
	LowStockBooks(ctx context.Context, threshold int) ([]Book, error)
	RecentlyAddedBooks(ctx context.Context, limit int) ([]Book, error)
	PopularBooks(ctx context.Context, limit int) ([]Book, error)
	LeastBorrowedBooks(ctx context.Context, limit int) ([]Book, error)
}

// Store is the persistence boundary of the catalog.
type Store interface {
	Insert(ctx context.Context, b *Book) error
	Get(ctx context.Context, id uuid.UUID) (*Book, error)
	SetInventory(ctx context.Context, id uuid.UUID, total, available int) (*Book, error)
	// Adjust applies delta (+1 or -1) to the available copies atomically and
	// records the operation. The returned Operation reports what was applied.
	Adjust(ctx context.Context, bookID, operationID uuid.UUID, delta int) (*Book, *Operation, error)
	// Revert undoes an operation. A nil book means there was nothing to undo.
	Revert(ctx context.Context, operationID uuid.UUID) (*Book, error)

	CountBooks(ctx context.Context) (int64, error)
	CountAvailableBooks(ctx context.Context) (int64, error)
	SumCopies(ctx context.Context) (total, available int64, err error)
	CountByCategory(ctx context.Context) ([]CategoryCount, error)
	LowStock(ctx context.Context, threshold, limit int) ([]Book, error)
	Recent(ctx context.Context, limit int) ([]Book, error)
	ByBorrowCount(ctx context.Context, limit int, descending bool) ([]Book, error)
}
