// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/logger"
)

const maxListLimit = 100

// service implements the Service interface.
type service struct {
	store  Store
	log    *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates a new catalog service instance.
func NewService(store Store, log *logger.Logger) Service {
	return &service{
		store:  store,
		log:    log.With("component", "catalog"),
		tracer: otel.Tracer("libralend/catalog"),
		now:    time.Now,
	}
}

// AddBook registers a title with all of its copies on the shelf.
func (s *service) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	book := &Book{
		ID:              uuid.New(),
		ISBN:            strings.TrimSpace(in.ISBN),
		Title:           strings.TrimSpace(in.Title),
		Author:          strings.TrimSpace(in.Author),
		Category:        strings.TrimSpace(in.Category),
		Publisher:       strings.TrimSpace(in.Publisher),
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Insert(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to add book: %w", err)
	}
	s.log.Info("book added", "book_id", book.ID, "isbn", book.ISBN, "copies", book.TotalCopies)
	return book, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	book, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get book %s: %w", id, err)
	}
	return book, nil
}

// UpdateInventory overwrites both counters after checking the inventory invariant.
func (s *service) UpdateInventory(ctx context.Context, id uuid.UUID, totalCopies, availableCopies int) (*Book, error) {
	if !validInventory(totalCopies, availableCopies) {
		return nil, ErrInvalidInventory
	}
	book, err := s.store.SetInventory(ctx, id, totalCopies, availableCopies)
	if err != nil {
		return nil, fmt.Errorf("failed to update inventory of %s: %w", id, err)
	}
	return book, nil
}

func (s *service) DecrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*Book, error) {
	return s.adjust(ctx, bookID, operationID, -1)
}

func (s *service) IncrementAvailable(ctx context.Context, bookID, operationID uuid.UUID) (*Book, error) {
	return s.adjust(ctx, bookID, operationID, 1)
}

func (s *service) adjust(ctx context.Context, bookID, operationID uuid.UUID, delta int) (*Book, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.adjust_inventory",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.String("operation.id", operationID.String()),
			attribute.Int("delta", delta),
		),
	)
	defer span.End()

	book, op, err := s.store.Adjust(ctx, bookID, operationID, delta)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to adjust inventory of %s: %w", bookID, err)
	}
	if op != nil && op.Requested > 0 && op.Delta == 0 {
		s.log.Warn("return on a full shelf ignored", "book_id", bookID, "operation_id", operationID)
	}
	span.SetAttributes(attribute.Int("available", book.AvailableCopies))
	return book, nil
}

func (s *service) RevertOperation(ctx context.Context, operationID uuid.UUID) error {
	book, err := s.store.Revert(ctx, operationID)
	if err != nil {
		return fmt.Errorf("failed to revert operation %s: %w", operationID, err)
	}
	if book != nil {
		s.log.Info("inventory operation reverted", "operation_id", operationID, "book_id", book.ID, "available", book.AvailableCopies)
	}
	return nil
}

func (s *service) CountBooks(ctx context.Context) (int64, error) {
	return s.store.CountBooks(ctx)
}

func (s *service) CountAvailableBooks(ctx context.Context) (int64, error) {
	return s.store.CountAvailableBooks(ctx)
}

func (s *service) TotalCopies(ctx context.Context) (int64, error) {
	total, _, err := s.store.SumCopies(ctx)
	return total, err
}

func (s *service) TotalAvailableCopies(ctx context.Context) (int64, error) {
	_, available, err := s.store.SumCopies(ctx)
	return available, err
}

func (s *service) CountByCategory(ctx context.Context) (map[string]int64, error) {
	rows, err := s.store.CountByCategory(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		name := r.Category
		if name == "" {
			name = "Uncategorized"
		}
		out[name] += r.Count
	}
	return out, nil
}

func (s *service) LowStockBooks(ctx context.Context, threshold int) ([]Book, error) {
	if threshold < 0 {
		threshold = 0
	}
	return s.store.LowStock(ctx, threshold, maxListLimit)
}

func (s *service) RecentlyAddedBooks(ctx context.Context, limit int) ([]Book, error) {
	return s.store.Recent(ctx, clampLimit(limit))
}

func (s *service) PopularBooks(ctx context.Context, limit int) ([]Book, error) {
	return s.store.ByBorrowCount(ctx, clampLimit(limit), true)
}

func (s *service) LeastBorrowedBooks(ctx context.Context, limit int) ([]Book, error) {
	return s.store.ByBorrowCount(ctx, clampLimit(limit), false)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
