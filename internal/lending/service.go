// internal/lending/service.go
package lending

import (
	"context"
	"time"

	"github.com/google/uuid"

	"libralend/internal/catalog"
	"libralend/internal/eventstore"
	"libralend/internal/identity"
	"libralend/internal/period"
)

// Reader exposes lending records.
type Reader interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)
	ListUserRecords(ctx context.Context, userID uuid.UUID) ([]Record, error)
	ListActiveUserRecords(ctx context.Context, userID uuid.UUID) ([]Record, error)
	ListActive(ctx context.Context) ([]Record, error)
	ListOverdue(ctx context.Context) ([]Record, error)
	ListBookRecords(ctx context.Context, bookID uuid.UUID) ([]Record, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Record, error)
}

// Stats exposes lending statistics.
type Stats interface {
	CountRecords(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	CountCompleted(ctx context.Context) (int64, error)
	CountOverdue(ctx context.Context) (int64, error)
	CountBorrowedSince(ctx context.Context, since time.Time) (int64, error)
	MonthlyStats(ctx context.Context, months int) ([]period.MonthlyCount, error)
	MostBorrowedBooks(ctx context.Context, limit int) ([]BookCount, error)
	UserBorrowingPatterns(ctx context.Context, limit int) ([]UserPattern, error)
	// AverageReturnTime is the mean loan duration of completed records, in days.
	AverageReturnTime(ctx context.Context) (float64, error)
	RecentActivity(ctx context.Context, limit int) ([]Activity, error)
}

// Service defines the interface for the lending service.
type Service interface {
	Reader
	Stats

	BeginLoan(ctx context.Context, req BorrowRequest) (*Record, error)
	CompleteLoan(ctx context.Context, id uuid.UUID) (*Record, error)
	CompleteLoanByUserAndBook(ctx context.Context, userID, bookID uuid.UUID) (*Record, error)
}

// UserDirectory resolves borrowers. Satisfied by identity.Service and its remote client.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

// Inventory is the part of the catalog the saga mutates. Satisfied by
// catalog.Service and its remote client.
type Inventory interface {
	GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error)
	DecrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*catalog.Book, error)
	IncrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*catalog.Book, error)
	RevertOperation(ctx context.Context, operationID uuid.UUID) error
}

// Journal records the steps of each loan. Satisfied by the eventstore implementations.
type Journal interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
}

// Store is the persistence boundary of the lending service.
type Store interface {
	// CreateActive inserts rec unless the user already holds an active loan
	// for the book or has limit active loans. Both checks are atomic with the insert.
	CreateActive(ctx context.Context, rec *Record, limit int) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	FindActive(ctx context.Context, userID, bookID uuid.UUID) (*Record, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
	// Complete moves an ACTIVE record to COMPLETED. ErrNotActive if it is not ACTIVE.
	Complete(ctx context.Context, id uuid.UUID, at time.Time) (*Record, error)
	// Reopen undoes Complete for the record at the given version.
	Reopen(ctx context.Context, id uuid.UUID, version int, at time.Time) (*Record, error)
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, f Filter) ([]Record, error)
	Count(ctx context.Context, f Filter) (int64, error)
	MonthlyBorrows(ctx context.Context, since time.Time) ([]period.MonthlyCount, error)
	MostBorrowed(ctx context.Context, limit int) ([]BookCount, error)
	UserPatterns(ctx context.Context, limit int) ([]UserPattern, error)
	// AverageLoanDays returns the mean of returned_at - borrowed_at over completed records, 0 when none.
	AverageLoanDays(ctx context.Context) (float64, error)
	RecentActivity(ctx context.Context, limit int) ([]Activity, error)
}
