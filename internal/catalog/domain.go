// internal/catalog/domain.go
package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrNoCopiesAvailable = errors.New("no copies available")
	ErrInvalidInventory  = errors.New("invalid inventory: need 0 <= available <= total")
	ErrInvalidBook       = errors.New("invalid book")
	ErrDuplicateISBN     = errors.New("a book with this isbn already exists")
	ErrOperationConflict = errors.New("operation id already used for a different mutation")

	errOperationReverted = fmt.Errorf("%w: operation was reverted", ErrOperationConflict)
)

// Book is a catalog title together with its inventory counters.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ISBN            string    `json:"isbn" db:"isbn"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	Category        string    `json:"category" db:"category"`
	Publisher       string    `json:"publisher,omitempty" db:"publisher"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	BorrowCount     int64     `json:"borrow_count" db:"borrow_count"`
	Version         int       `json:"version" db:"version"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// NewBook is the input for AddBook.
type NewBook struct {
	ISBN        string `json:"isbn"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	Publisher   string `json:"publisher"`
	TotalCopies int    `json:"total_copies"`
}

func (n NewBook) Validate() error {
	switch {
	case strings.TrimSpace(n.ISBN) == "":
		return fmt.Errorf("%w: isbn is required", ErrInvalidBook)
	case strings.TrimSpace(n.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidBook)
	case strings.TrimSpace(n.Author) == "":
		return fmt.Errorf("%w: author is required", ErrInvalidBook)
	case n.TotalCopies < 0:
		return fmt.Errorf("%w: total_copies must not be negative", ErrInvalidBook)
	}
	return nil
}

func validInventory(total, available int) bool {
	return total >= 0 && available >= 0 && available <= total
}

// Operation records one applied inventory mutation so it can be replayed or reverted.
// Delta is what was actually applied: -1, +1, or 0 for a clamped increment.
type Operation struct {
	ID        uuid.UUID `db:"id"`
	BookID    uuid.UUID `db:"book_id"`
	Requested int       `db:"requested"`
	Delta     int       `db:"delta"`
	Reverted  bool      `db:"reverted"`
	CreatedAt time.Time `db:"created_at"`
}

// CategoryCount is one row of the per-category breakdown.
type CategoryCount struct {
	Category string `db:"category"`
	Count    int64  `db:"count"`
}
