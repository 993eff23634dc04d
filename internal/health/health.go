// internal/health/health.go
package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"libralend/internal/logger"
)

type Status string

const (
	StatusUp       Status = "UP"
	StatusDown     Status = "DOWN"
	StatusDegraded Status = "DEGRADED"
)

const DefaultTimeout = 2 * time.Second

// Pinger performs one cheap read against a service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Target is a named service to probe.
type Target struct {
	Name   string
	Pinger Pinger
}

// Check is the outcome of probing one service.
type Check struct {
	Service   string `json:"service"`
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is the health of every probed service at one instant.
type Report struct {
	Status        Status            `json:"status"`
	Services      map[string]Status `json:"services"`
	Checks        []Check           `json:"checks"`
	ServicesUp    int               `json:"services_up"`
	TotalServices int               `json:"total_services"`
	CheckedAt     time.Time         `json:"checked_at"`
}

// Prober probes a fixed set of services.
type Prober struct {
	targets []Target
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

func NewProber(log *logger.Logger, timeout time.Duration, targets ...Target) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		targets: targets,
		timeout: timeout,
		log:     log.With("component", "health"),
		now:     time.Now,
	}
}

// Probe calls p once under timeout. Any error, timeout or panic is DOWN; there is no retry.
func Probe(ctx context.Context, p Pinger, timeout time.Duration) (status Status, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- p.Ping(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return StatusDown, err
	}
	return StatusUp, nil
}

// ProbeAll probes every target concurrently.
func (p *Prober) ProbeAll(ctx context.Context) Report {
	checks := make([]Check, len(p.targets))
	var g errgroup.Group
	for i, t := range p.targets {
		g.Go(func() error {
			start := p.now()
			status, err := Probe(ctx, t.Pinger, p.timeout)
			checks[i] = Check{
				Service:   t.Name,
				Status:    status,
				LatencyMs: p.now().Sub(start).Milliseconds(),
			}
			if err != nil {
				checks[i].Error = err.Error()
				p.log.Warn("service health check failed", "service", t.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return NewReport(checks, p.now().UTC())
}

// NewReport summarises checks.
func NewReport(checks []Check, at time.Time) Report {
	r := Report{
		Services:      make(map[string]Status, len(checks)),
		Checks:        checks,
		TotalServices: len(checks),
		CheckedAt:     at,
	}
	statuses := make([]Status, 0, len(checks))
	for _, c := range checks {
		r.Services[c.Service] = c.Status
		statuses = append(statuses, c.Status)
		if c.Status == StatusUp {
			r.ServicesUp++
		}
	}
	r.Status = Overall(statuses)
	return r
}

// Overall is UP only when every status is UP. An empty set is UP.
func Overall(statuses []Status) Status {
	for _, s := range statuses {
		if s != StatusUp {
			return StatusDegraded
		}
	}
	return StatusUp
}
