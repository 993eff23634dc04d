// internal/chaos/drills.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"libralend/internal/analytics"
	"libralend/internal/catalog"
	"libralend/internal/health"
	"libralend/internal/identity"
	"libralend/internal/lending"
)

const defaultRegisterTimeout = 2 * time.Minute

// Services are the handles the drills drive. cmd/chaos passes remote clients.
type Services struct {
	Identity identity.Service
	Catalog  catalog.Service
	Lending  lending.Service
}

// Drills configures the predefined experiments.
type Drills struct {
	Services
	// Reports is an aggregator whose catalog client goes through CatalogFault.
	Reports      analytics.Service
	CatalogFault *Transport

	Contenders     int
	Observation    time.Duration
	SampleInterval time.Duration
	// RegisterTimeout bounds the retries of rate-limited registrations.
	RegisterTimeout time.Duration
}

// RegisterDrills registers all predefined drills with the engine.
func (e *Engine) RegisterDrills(d Drills) {
	e.Register(LastCopyContention(d))
	e.Register(CatalogOutage(d))
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type contention struct {
	d Drills

	mu     sync.Mutex
	book   uuid.UUID
	users  []uuid.UUID
	winner *lending.Record

	winners  atomic.Int64
	rejected atomic.Int64
}

// LastCopyContention races Contenders borrowers for a single-copy book.
func LastCopyContention(d Drills) Experiment {
	c := &contention{d: d}
	return Experiment{
		Name:       "last-copy-contention",
		Hypothesis: "Exactly one of many concurrent borrowers gets the last copy and no copy is lost or duplicated",
		Setup: []Action{
			{Type: "setup", Target: "identity", Execute: c.registerBorrowers},
			{Type: "setup", Target: "catalog", Execute: c.createBook},
		},
		SteadyState: []Metric{
			{Name: "inventory_violations", Query: c.inventoryViolations, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "lost_copies", Query: c.lostCopies, Threshold: Threshold{Operator: "==", Value: 0}},
			{Name: "available_copies", Query: c.available, Threshold: Threshold{Operator: ">=", Value: 0}, Observe: true},
			{Name: "active_loans", Query: c.activeLoans, Threshold: Threshold{Operator: "<=", Value: 1}, Observe: true},
			{Name: "winners", Query: func(context.Context) (float64, error) {
				return float64(c.winners.Load()), nil
			}, Threshold: Threshold{Operator: "<=", Value: 1}, Observe: true},
			{Name: "rejected_borrowers", Query: func(context.Context) (float64, error) {
				return float64(c.rejected.Load()), nil
			}, Threshold: Threshold{Operator: ">=", Value: 0}, Observe: true},
		},
		Method: []Action{
			{Type: "concurrent-load", Target: "lending", Execute: c.race},
		},
		Rollback: []Action{
			{Type: "return-loan", Target: "lending", Execute: c.returnWinner},
		},
		Validation: []Assertion{
			{Metric: "winners", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one borrower should win the last copy"},
			{Metric: "inventory_violations", Condition: func(v float64) bool { return v == 0 }, Message: "available copies must stay within [0, total]"},
			{Metric: "available_copies", Condition: func(v float64) bool { return v == 0 }, Message: "the shelf should be empty after the race"},
			{Metric: "active_loans", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one active loan should exist for the book"},
			{Metric: "lost_copies", Condition: func(v float64) bool { return v == 0 }, Message: "every copy is either on the shelf or on loan"},
		},
		Duration:       d.Observation,
		SampleInterval: d.SampleInterval,
		BlastRadius:    0.1,
	}
}

func (c *contention) registerBorrowers(ctx context.Context) error {
	c.winners.Store(0)
	c.rejected.Store(0)
	users := make([]uuid.UUID, 0, c.d.Contenders)
	timeout := c.d.RegisterTimeout
	if timeout <= 0 {
		timeout = defaultRegisterTimeout
	}

	for range c.d.Contenders {
		in := identity.NewUser{
			Email:    fmt.Sprintf("chaos-%s@libralend.test", uuid.NewString()),
			Name:     "Chaos Borrower",
			Password: "chaos-drill-password",
			Role:     identity.RoleMember,
		}
		u, err := backoff.Retry(ctx, func() (*identity.User, error) {
			u, err := c.d.Identity.RegisterUser(ctx, in)
			// Rate limiting can also open the client's breaker; both pass with time.
			if err != nil && !errors.Is(err, identity.ErrRateLimited) && !errors.Is(err, gobreaker.ErrOpenState) {
				return nil, backoff.Permanent(err)
			}
			return u, err
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(timeout))
		if err != nil {
			return fmt.Errorf("register borrower: %w", err)
		}
		users = append(users, u.ID)
	}

	c.mu.Lock()
	c.users = users
	c.winner = nil
	c.mu.Unlock()
	return nil
}

func (c *contention) createBook(ctx context.Context) error {
	b, err := c.d.Catalog.AddBook(ctx, catalog.NewBook{
		ISBN:        "chaos-" + uuid.NewString(),
		Title:       "The Last Copy",
		Author:      "Chaos Drill",
		Category:    "Drills",
		TotalCopies: 1,
	})
	if err != nil {
		return fmt.Errorf("create book: %w", err)
	}
	c.mu.Lock()
	c.book = b.ID
	c.mu.Unlock()
	return nil
}

// race starts every borrower at once. Losing with ErrBookUnavailable is the
// expected outcome; any other failure is reported.
func (c *contention) race(ctx context.Context) error {
	c.mu.Lock()
	book, users := c.book, c.users
	c.mu.Unlock()

	start := make(chan struct{})
	var g errgroup.Group
	for _, user := range users {
		g.Go(func() error {
			<-start
			rec, err := c.d.Lending.BeginLoan(ctx, lending.BorrowRequest{UserID: user, BookID: book, Notes: "chaos drill"})
			switch {
			case err == nil:
				c.winners.Add(1)
				c.mu.Lock()
				c.winner = rec
				c.mu.Unlock()
				return nil
			case errors.Is(err, lending.ErrBookUnavailable):
				c.rejected.Add(1)
				return nil
			default:
				return fmt.Errorf("borrower %s: %w", user, err)
			}
		})
	}
	close(start)
	return g.Wait()
}

func (c *contention) returnWinner(ctx context.Context) error {
	c.mu.Lock()
	winner := c.winner
	c.mu.Unlock()
	if winner == nil {
		return nil
	}
	_, err := c.d.Lending.CompleteLoan(ctx, winner.ID)
	return err
}

func (c *contention) getBook(ctx context.Context) (*catalog.Book, error) {
	c.mu.Lock()
	id := c.book
	c.mu.Unlock()
	return c.d.Catalog.GetBook(ctx, id)
}

func (c *contention) inventoryViolations(ctx context.Context) (float64, error) {
	b, err := c.getBook(ctx)
	if err != nil {
		return 0, err
	}
	return boolMetric(b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies), nil
}

func (c *contention) available(ctx context.Context) (float64, error) {
	b, err := c.getBook(ctx)
	if err != nil {
		return 0, err
	}
	return float64(b.AvailableCopies), nil
}

func (c *contention) activeLoans(ctx context.Context) (float64, error) {
	c.mu.Lock()
	id := c.book
	c.mu.Unlock()
	records, err := c.d.Lending.ListBookRecords(ctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if r.Status == lending.StatusActive {
			n++
		}
	}
	return float64(n), nil
}

// lostCopies is total - available - active loans: a copy neither on the
// shelf nor on loan. Negative values mean a copy was handed out twice.
func (c *contention) lostCopies(ctx context.Context) (float64, error) {
	b, err := c.getBook(ctx)
	if err != nil {
		return 0, err
	}
	active, err := c.activeLoans(ctx)
	if err != nil {
		return 0, err
	}
	return float64(b.TotalCopies-b.AvailableCopies) - active, nil
}

// snapshot shares one dashboard between the metrics of a sample: the first
// metric of each round generates it and the others read it.
type snapshot struct {
	reports analytics.Service
	mu      sync.Mutex
	last    analytics.Report
}

func (s *snapshot) refresh(ctx context.Context) (float64, error) {
	r := s.reports.GenerateReport(ctx)
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()
	return 1, nil
}

func (s *snapshot) read(f func(analytics.Report) bool) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return boolMetric(f(s.last)), nil
	}
}

// CatalogOutage refuses every call the aggregator makes to the catalog.
func CatalogOutage(d Drills) Experiment {
	s := &snapshot{reports: d.Reports}
	one := Threshold{Operator: "==", Value: 1}
	return Experiment{
		Name:       "catalog-outage",
		Hypothesis: "With the catalog unreachable the dashboard is still produced, health turns DEGRADED and the other sections stay populated",
		SteadyState: []Metric{
			{Name: "report_produced", Query: s.refresh, Threshold: one},
			{Name: "identity_section_ok", Query: s.read(func(r analytics.Report) bool {
				return r.Identity.Status == analytics.SectionOK
			}), Threshold: one},
			{Name: "lending_section_ok", Query: s.read(func(r analytics.Report) bool {
				return r.Lending.Status == analytics.SectionOK
			}), Threshold: one},
			{Name: "catalog_section_ok", Query: s.read(func(r analytics.Report) bool {
				return r.Catalog.Status == analytics.SectionOK
			}), Threshold: one},
			{Name: "health_up", Query: s.read(func(r analytics.Report) bool {
				return r.Health.Status == health.StatusUp
			}), Threshold: one},
		},
		Method: []Action{
			{Type: "inject-fault", Target: "catalog", Execute: func(context.Context) error {
				d.CatalogFault.Inject(Fault{Kind: FaultRefuse})
				return nil
			}},
		},
		Rollback: []Action{
			{Type: "clear-fault", Target: "catalog", Execute: func(context.Context) error {
				d.CatalogFault.Clear()
				return nil
			}},
		},
		Validation: []Assertion{
			{Metric: "report_produced", Condition: func(v float64) bool { return v == 1 }, Message: "the dashboard should still be produced"},
			{Metric: "identity_section_ok", Condition: func(v float64) bool { return v == 1 }, Message: "the identity section should stay OK"},
			{Metric: "lending_section_ok", Condition: func(v float64) bool { return v == 1 }, Message: "the lending section should stay OK"},
			{Metric: "catalog_section_ok", Condition: func(v float64) bool { return v == 0 }, Message: "the catalog section should report its failed fields"},
			{Metric: "health_up", Condition: func(v float64) bool { return v == 0 }, Message: "health should report DEGRADED"},
		},
		Duration:       d.Observation,
		SampleInterval: d.SampleInterval,
		BlastRadius:    0.25,
	}
}
