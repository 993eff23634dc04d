// internal/lending/domain.go
package lending

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrBookNotFound          = errors.New("book not found")
	ErrBookUnavailable       = errors.New("book has no available copies")
	ErrDuplicateLoan         = errors.New("user already has an active loan for this book")
	ErrBorrowLimitExceeded   = errors.New("user has reached the borrowing limit")
	ErrLendingNotFound       = errors.New("lending record not found")
	ErrNotActive             = errors.New("lending record is not active")
	ErrNoActiveLoan          = errors.New("no active loan for this user and book")
	ErrInventoryUpdateFailed = errors.New("inventory update failed")
	ErrServiceUnavailable    = errors.New("dependent service unavailable")
	ErrInvalidRequest        = errors.New("invalid lending request")
)

type Type string

const TypeBorrow Type = "BORROW"

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
)

// Record is one loan of one book to one user. Returns complete the record
// instead of creating a new one.
type Record struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	BookID     uuid.UUID  `json:"book_id" db:"book_id"`
	Type       Type       `json:"type" db:"type"`
	Status     Status     `json:"status" db:"status"`
	BorrowedAt time.Time  `json:"borrowed_at" db:"borrowed_at"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnedAt *time.Time `json:"returned_at,omitempty" db:"returned_at"`
	Notes      string     `json:"notes,omitempty" db:"notes"`

	// Snapshot of the user and book at borrow time. Never refreshed.
	UserEmail  string `json:"user_email" db:"user_email"`
	BookTitle  string `json:"book_title" db:"book_title"`
	BookAuthor string `json:"book_author" db:"book_author"`
	BookISBN   string `json:"book_isbn" db:"book_isbn"`

	Version   int       `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (r Record) IsOverdue(now time.Time) bool {
	return r.Status == StatusActive && r.DueDate.Before(now)
}

// DaysOverdue counts whole days past the due date, zero when not overdue.
func (r Record) DaysOverdue(now time.Time) int {
	if !r.IsOverdue(now) {
		return 0
	}
	return int(now.Sub(r.DueDate).Hours() / 24)
}

// View is the wire form of a record with its derived fields.
type View struct {
	Record
	Overdue     bool `json:"overdue"`
	DaysOverdue int  `json:"days_overdue"`
}

func (r Record) View(now time.Time) View {
	return View{Record: r, Overdue: r.IsOverdue(now), DaysOverdue: r.DaysOverdue(now)}
}

func Views(records []Record, now time.Time) []View {
	out := make([]View, len(records))
	for i, r := range records {
		out[i] = r.View(now)
	}
	return out
}

// BorrowRequest is the input of BeginLoan. DueDate defaults to the loan period.
type BorrowRequest struct {
	UserID  uuid.UUID  `json:"user_id"`
	BookID  uuid.UUID  `json:"book_id"`
	Notes   string     `json:"notes,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

type BookCount struct {
	BookID    uuid.UUID `json:"book_id" db:"book_id"`
	BookTitle string    `json:"book_title" db:"book_title"`
	Count     int64     `json:"count" db:"count"`
}

type UserPattern struct {
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	UserEmail      string    `json:"user_email" db:"user_email"`
	TotalLoans     int64     `json:"total_loans" db:"total_loans"`
	ActiveLoans    int64     `json:"active_loans" db:"active_loans"`
	CompletedLoans int64     `json:"completed_loans" db:"completed_loans"`
}

type Action string

const (
	ActionBorrow Action = "BORROW"
	ActionReturn Action = "RETURN"
)

// Activity is one borrow or return event derived from a record.
type Activity struct {
	RecordID  uuid.UUID `json:"record_id" db:"record_id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	BookID    uuid.UUID `json:"book_id" db:"book_id"`
	UserEmail string    `json:"user_email" db:"user_email"`
	BookTitle string    `json:"book_title" db:"book_title"`
	Action    Action    `json:"action" db:"action"`
	At        time.Time `json:"at" db:"at"`
}

// Filter narrows record listings and counts. Zero fields do not filter.
type Filter struct {
	UserID       uuid.UUID
	BookID       uuid.UUID
	Status       Status
	DueBefore    time.Time
	BorrowedFrom time.Time
	BorrowedTo   time.Time
}

// Journal event types.
const (
	EventLoanOpened      = "LoanOpened"
	EventLoanCompensated = "LoanCompensated"
	EventLoanCompleted   = "LoanCompleted"
	EventLoanReopened    = "LoanReopened"
)

const aggregateType = "lending_record"

type loanEvent struct {
	RecordID uuid.UUID `json:"record_id"`
	UserID   uuid.UUID `json:"user_id"`
	BookID   uuid.UUID `json:"book_id"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
