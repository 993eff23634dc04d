// internal/analytics/fetch.go
package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// task fetches one leaf field. fetch returns an apply func that stores the
// value; it is only called when the value arrived in time, so a late answer
// never overwrites a default that was already reported.
type task struct {
	section string
	into    *Section
	name    string
	foreign bool
	fetch   func(ctx context.Context) (apply func(), err error)
}

func field[T any](dst *T, call func(context.Context) (T, error)) func(context.Context) (func(), error) {
	return func(ctx context.Context) (func(), error) {
		v, err := call(ctx)
		if err != nil {
			return nil, err
		}
		return func() { *dst = v }, nil
	}
}

// fields builds the tasks of one section.
type fields struct {
	section string
	into    *Section
	tasks   []task
}

func newFields(section string, into *Section) *fields {
	return &fields{section: section, into: into}
}

func (f *fields) add(name string, fetch func(context.Context) (func(), error)) {
	f.tasks = append(f.tasks, task{section: f.section, into: f.into, name: name, fetch: fetch})
}

// addForeign adds a field served by another service than the section's own.
func (f *fields) addForeign(name string, fetch func(context.Context) (func(), error)) {
	f.tasks = append(f.tasks, task{section: f.section, into: f.into, name: name, foreign: true, fetch: fetch})
}

func (f *fields) settle() {
	sort.Strings(f.into.FailedFields)
	owned, failed := 0, 0
	for _, t := range f.tasks {
		if t.foreign {
			continue
		}
		owned++
		if f.into.failed(t.name) {
			failed++
		}
	}
	f.into.settle(owned, failed)
}

// run executes all tasks concurrently, at most s.concurrency at a time. It
// returns when every task has finished or hit its timeout.
func (s *service) run(ctx context.Context, groups ...*fields) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.concurrency)
	for _, group := range groups {
		for _, t := range group.tasks {
			g.Go(func() error {
				if err := s.runTask(ctx, t); err != nil {
					mu.Lock()
					t.into.FailedFields = append(t.into.FailedFields, t.name)
					mu.Unlock()
					s.log.Warn("analytics field unavailable, using default",
						"section", t.section, "field", t.name, "error", err)
					if s.failures != nil {
						s.failures.Add(ctx, 1, metric.WithAttributes(
							attribute.String("section", t.section),
							attribute.String("field", t.name),
						))
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, group := range groups {
		group.settle()
	}
}

func (s *service) runTask(ctx context.Context, t task) error {
	ctx, cancel := context.WithTimeout(ctx, s.fieldTimeout)
	defer cancel()

	type result struct {
		apply func()
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("fetch panicked: %v", p)}
			}
		}()
		apply, err := t.fetch(ctx)
		done <- result{apply: apply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		r.apply()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
