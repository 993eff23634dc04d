// internal/lending/implementation.go
package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/catalog"
	"libralend/internal/eventstore"
	"libralend/internal/identity"
	"libralend/internal/logger"
	"libralend/internal/period"
)

const (
	DefaultBorrowLimit = 5
	DefaultLoanPeriod  = 14 * 24 * time.Hour
	DefaultCallTimeout = 3 * time.Second

	maxListLimit = 100
)

// service implements the Service interface.
type service struct {
	store     Store
	users     UserDirectory
	inventory Inventory
	events    Journal
	log       *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time

	borrowLimit         int
	loanPeriod          time.Duration
	callTimeout         time.Duration
	compensationTimeout time.Duration
	maxTries            uint
	retryInterval       time.Duration

	outcomes      metric.Int64Counter
	compensations metric.Int64Counter
}

type Option func(*service)

func WithBorrowLimit(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.borrowLimit = n
		}
	}
}

func WithLoanPeriod(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.loanPeriod = d
		}
	}
}

// WithCallTimeout bounds every single remote call made by the saga.
func WithCallTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithRetry sets how often an inventory mutation is attempted and the first backoff interval.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(s *service) {
		if maxTries > 0 {
			s.maxTries = maxTries
		}
		if initial > 0 {
			s.retryInterval = initial
		}
	}
}

func WithJournal(j Journal) Option {
	return func(s *service) { s.events = j }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService creates a new lending service instance.
func NewService(store Store, users UserDirectory, inventory Inventory, log *logger.Logger, opts ...Option) Service {
	s := &service{
		store:         store,
		users:         users,
		inventory:     inventory,
		log:           log.With("component", "lending"),
		tracer:        otel.Tracer("libralend/lending"),
		now:           time.Now,
		borrowLimit:   DefaultBorrowLimit,
		loanPeriod:    DefaultLoanPeriod,
		callTimeout:   DefaultCallTimeout,
		maxTries:      3,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.compensationTimeout = time.Duration(s.maxTries+1) * s.callTimeout

	meter := otel.Meter("libralend/lending")
	var err error
	if s.outcomes, err = meter.Int64Counter("lending.saga.outcomes",
		metric.WithDescription("Lending saga runs by operation and outcome")); err != nil {
		s.log.Warn("failed to create saga outcome counter", "error", err)
	}
	if s.compensations, err = meter.Int64Counter("lending.saga.compensations",
		metric.WithDescription("Lending saga compensations by operation")); err != nil {
		s.log.Warn("failed to create compensation counter", "error", err)
	}
	return s
}

// BeginLoan validates the request against identity, catalog and the local
// records, persists an ACTIVE record and takes one copy off the shelf. When the
// inventory call fails the record is removed again.
func (s *service) BeginLoan(ctx context.Context, req BorrowRequest) (_ *Record, err error) {
	ctx, span := s.tracer.Start(ctx, "lending.begin_loan",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID.String()),
			attribute.String("book.id", req.BookID.String()),
		),
	)
	defer func() { s.finish(ctx, span, "begin", err) }()

	if req.UserID == uuid.Nil || req.BookID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id and book_id are required", ErrInvalidRequest)
	}
	now := s.now().UTC()
	dueDate := now.Add(s.loanPeriod)
	if req.DueDate != nil {
		if !req.DueDate.After(now) {
			return nil, fmt.Errorf("%w: due date must be in the future", ErrInvalidRequest)
		}
		dueDate = req.DueDate.UTC()
	}

	user, err := s.resolveUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	book, err := s.resolveBook(ctx, req.BookID)
	if err != nil {
		return nil, err
	}
	if book.AvailableCopies <= 0 {
		return nil, ErrBookUnavailable
	}
	if _, err := s.store.FindActive(ctx, user.ID, book.ID); err == nil {
		return nil, ErrDuplicateLoan
	} else if !errors.Is(err, ErrNoActiveLoan) {
		return nil, fmt.Errorf("failed to check active loans: %w", err)
	}
	active, err := s.store.CountActiveByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active loans: %w", err)
	}
	if active >= s.borrowLimit {
		return nil, ErrBorrowLimitExceeded
	}

	rec := &Record{
		ID:         uuid.New(),
		UserID:     user.ID,
		BookID:     book.ID,
		Type:       TypeBorrow,
		Status:     StatusActive,
		BorrowedAt: now,
		DueDate:    dueDate,
		Notes:      req.Notes,
		UserEmail:  user.Email,
		BookTitle:  book.Title,
		BookAuthor: book.Author,
		BookISBN:   book.ISBN,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateActive(ctx, rec, s.borrowLimit); err != nil {
		return nil, fmt.Errorf("failed to persist loan: %w", err)
	}
	span.SetAttributes(attribute.String("record.id", rec.ID.String()))
	s.journal(ctx, rec, EventLoanOpened, "")

	// The record id doubles as the idempotency key of the decrement.
	err = s.retry(ctx, func(ctx context.Context) error {
		_, err := s.inventory.DecrementAvailable(ctx, rec.BookID, rec.ID)
		return err
	})
	if err != nil {
		return nil, s.compensateBegin(ctx, rec, err)
	}

	s.log.Info("loan opened", "record_id", rec.ID, "user_id", rec.UserID, "book_id", rec.BookID, "due_date", rec.DueDate)
	return rec, nil
}

func (s *service) compensateBegin(ctx context.Context, rec *Record, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()
	s.countCompensation(ctx, "begin")
	s.log.Warn("inventory decrement failed, compensating", "record_id", rec.ID, "book_id", rec.BookID, "error", cause)

	var failures []error
	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.inventory.RevertOperation(ctx, rec.ID)
	}); err != nil {
		failures = append(failures, fmt.Errorf("revert inventory operation: %w", err))
	}
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		failures = append(failures, fmt.Errorf("delete lending record: %w", err))
	}
	s.journal(ctx, rec, EventLoanCompensated, cause.Error())

	reason := ErrInventoryUpdateFailed
	switch {
	case errors.Is(cause, catalog.ErrNoCopiesAvailable):
		reason = ErrBookUnavailable
	case errors.Is(cause, catalog.ErrBookNotFound):
		reason = ErrBookNotFound
	}
	return s.compensated(rec, reason, cause, failures)
}

// CompleteLoan closes an ACTIVE record and puts the copy back on the shelf.
// When the inventory call fails the record is reopened.
func (s *service) CompleteLoan(ctx context.Context, id uuid.UUID) (_ *Record, err error) {
	ctx, span := s.tracer.Start(ctx, "lending.complete_loan",
		trace.WithAttributes(attribute.String("record.id", id.String())),
	)
	defer func() { s.finish(ctx, span, "complete", err) }()

	rec, err := s.store.Complete(ctx, id, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to complete loan %s: %w", id, err)
	}
	s.journal(ctx, rec, EventLoanCompleted, "")

	opID := returnOperationID(rec)
	err = s.retry(ctx, func(ctx context.Context) error {
		_, err := s.inventory.IncrementAvailable(ctx, rec.BookID, opID)
		return err
	})
	if err != nil {
		return nil, s.compensateComplete(ctx, rec, opID, err)
	}

	s.log.Info("loan completed", "record_id", rec.ID, "user_id", rec.UserID, "book_id", rec.BookID)
	return rec, nil
}

func (s *service) compensateComplete(ctx context.Context, rec *Record, opID uuid.UUID, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()
	s.countCompensation(ctx, "complete")
	s.log.Warn("inventory increment failed, compensating", "record_id", rec.ID, "book_id", rec.BookID, "error", cause)

	var failures []error
	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.inventory.RevertOperation(ctx, opID)
	}); err != nil {
		failures = append(failures, fmt.Errorf("revert inventory operation: %w", err))
	}
	if _, err := s.store.Reopen(ctx, rec.ID, rec.Version, s.now().UTC()); err != nil {
		failures = append(failures, fmt.Errorf("reopen lending record: %w", err))
	}
	s.journal(ctx, rec, EventLoanReopened, cause.Error())

	return s.compensated(rec, ErrInventoryUpdateFailed, cause, failures)
}

func (s *service) compensated(rec *Record, reason, cause error, failures []error) error {
	err := fmt.Errorf("%w: %v", reason, cause)
	if len(failures) == 0 {
		return err
	}
	failed := errors.Join(failures...)
	s.log.Error("compensation incomplete", "record_id", rec.ID, "book_id", rec.BookID, "error", failed)
	return errors.Join(err, failed)
}

func (s *service) CompleteLoanByUserAndBook(ctx context.Context, userID, bookID uuid.UUID) (*Record, error) {
	rec, err := s.store.FindActive(ctx, userID, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active loan: %w", err)
	}
	return s.CompleteLoan(ctx, rec.ID)
}

// returnOperationID derives the idempotency key of a return from the record
// and the version the return produced, so a reopened record returns under a new key.
func returnOperationID(rec *Record) uuid.UUID {
	return uuid.NewSHA1(rec.ID, []byte(fmt.Sprintf("complete:%d", rec.Version)))
}

func (s *service) resolveUser(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	user, err := s.users.GetUser(ctx, id)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, identity.ErrUserNotFound):
		return nil, ErrUserNotFound
	default:
		return nil, fmt.Errorf("%w: identity: %v", ErrServiceUnavailable, err)
	}
}

func (s *service) resolveBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	book, err := s.inventory.GetBook(ctx, id)
	switch {
	case err == nil:
		return book, nil
	case errors.Is(err, catalog.ErrBookNotFound):
		return nil, ErrBookNotFound
	default:
		return nil, fmt.Errorf("%w: catalog: %v", ErrServiceUnavailable, err)
	}
}

// retry runs call with a per-attempt timeout, backing off between attempts.
// Rejections by the catalog are not retried.
func (s *service) retry(ctx context.Context, call func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = s.callTimeout

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		err := call(callCtx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("inventory call failed, retrying", "error", err, "backoff", next)
		}),
	)
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, catalog.ErrNoCopiesAvailable),
		errors.Is(err, catalog.ErrBookNotFound),
		errors.Is(err, catalog.ErrOperationConflict),
		errors.Is(err, catalog.ErrInvalidInventory),
		errors.Is(err, context.Canceled):
		return false
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

// journal appends one event to the record's stream. Failures are logged only;
// the record store stays authoritative.
func (s *service) journal(ctx context.Context, rec *Record, eventType, reason string) {
	if s.events == nil {
		return
	}
	ev, err := eventstore.NewEvent(eventType, loanEvent{
		RecordID: rec.ID,
		UserID:   rec.UserID,
		BookID:   rec.BookID,
		Status:   rec.Status,
		At:       s.now().UTC(),
		Reason:   reason,
	})
	if err == nil {
		ev.Metadata = map[string]string{"trace_id": trace.SpanContextFromContext(ctx).TraceID().String()}
		for attempt := 0; attempt < 3; attempt++ {
			var version int
			if version, err = s.events.GetCurrentVersion(ctx, rec.ID); err != nil {
				break
			}
			err = s.events.AppendEvents(ctx, rec.ID, aggregateType, version, []eventstore.Event{ev})
			if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
				break
			}
		}
	}
	if err != nil {
		s.log.Warn("failed to journal loan event", "record_id", rec.ID, "event", eventType, "error", err)
	}
}

func (s *service) finish(ctx context.Context, span trace.Span, operation string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInventoryUpdateFailed):
		outcome = "inventory_failed"
	case errors.Is(err, ErrServiceUnavailable):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	if err != nil {
		span.RecordError(err)
		if outcome != "rejected" {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	span.End()
	if s.outcomes != nil {
		s.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
	}
}

func (s *service) countCompensation(ctx context.Context, operation string) {
	if s.compensations != nil {
		s.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

func (s *service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get lending record %s: %w", id, err)
	}
	return rec, nil
}

func (s *service) ListUserRecords(ctx context.Context, userID uuid.UUID) ([]Record, error) {
	return s.store.List(ctx, Filter{UserID: userID})
}

func (s *service) ListActiveUserRecords(ctx context.Context, userID uuid.UUID) ([]Record, error) {
	return s.store.List(ctx, Filter{UserID: userID, Status: StatusActive})
}

func (s *service) ListActive(ctx context.Context) ([]Record, error) {
	return s.store.List(ctx, Filter{Status: StatusActive})
}

func (s *service) ListOverdue(ctx context.Context) ([]Record, error) {
	return s.store.List(ctx, Filter{Status: StatusActive, DueBefore: s.now().UTC()})
}

func (s *service) ListBookRecords(ctx context.Context, bookID uuid.UUID) ([]Record, error) {
	return s.store.List(ctx, Filter{BookID: bookID})
}

// ListBetween returns records borrowed in [from, to).
func (s *service) ListBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidRequest)
	}
	return s.store.List(ctx, Filter{BorrowedFrom: from, BorrowedTo: to})
}

func (s *service) CountRecords(ctx context.Context) (int64, error) {
	return s.store.Count(ctx, Filter{})
}

func (s *service) CountActive(ctx context.Context) (int64, error) {
	return s.store.Count(ctx, Filter{Status: StatusActive})
}

func (s *service) CountCompleted(ctx context.Context) (int64, error) {
	return s.store.Count(ctx, Filter{Status: StatusCompleted})
}

func (s *service) CountOverdue(ctx context.Context) (int64, error) {
	return s.store.Count(ctx, Filter{Status: StatusActive, DueBefore: s.now().UTC()})
}

func (s *service) CountBorrowedSince(ctx context.Context, since time.Time) (int64, error) {
	return s.store.Count(ctx, Filter{BorrowedFrom: since})
}

// MonthlyStats returns borrows per calendar month, oldest first.
func (s *service) MonthlyStats(ctx context.Context, months int) ([]period.MonthlyCount, error) {
	if months <= 0 || months > 36 {
		months = 12
	}
	now := s.now().UTC()
	sparse, err := s.store.MonthlyBorrows(ctx, period.Window(now, months))
	if err != nil {
		return nil, err
	}
	return period.Fill(now, months, sparse), nil
}

func (s *service) MostBorrowedBooks(ctx context.Context, limit int) ([]BookCount, error) {
	return s.store.MostBorrowed(ctx, clampLimit(limit))
}

func (s *service) UserBorrowingPatterns(ctx context.Context, limit int) ([]UserPattern, error) {
	return s.store.UserPatterns(ctx, clampLimit(limit))
}

func (s *service) AverageReturnTime(ctx context.Context) (float64, error) {
	days, err := s.store.AverageLoanDays(ctx)
	if err != nil {
		return 0, err
	}
	return round2(days), nil
}

func (s *service) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	return s.store.RecentActivity(ctx, clampLimit(limit))
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
