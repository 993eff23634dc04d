// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/logger"
)

var (
	ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")
	ErrSetupFailed        = errors.New("experiment setup failed")
	ErrHypothesisViolated = errors.New("hypothesis violated")
)

const defaultSampleInterval = time.Second

// Experiment defines a chaos drill against running services.
type Experiment struct {
	Name       string
	Hypothesis string
	// Setup prepares fixtures. Any error aborts the run before faults are injected.
	Setup       []Action
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	// Duration bounds the observation window. Metrics are sampled at least once.
	Duration       time.Duration
	SampleInterval time.Duration
	BlastRadius    float64 // 0.0 to 1.0 (share of the system affected)
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
	// Observe marks metrics that only matter after injection; they are
	// sampled during observation but skipped by the steady-state check.
	Observe bool
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action is a setup step, fault injection or recovery.
type Action struct {
	Type    string // setup, inject-fault, concurrent-load, clear-fault
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the last observed value of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

// Last returns the final observation of a metric.
func (r *Result) Last(metric string) (float64, bool) {
	points := r.Observations[metric]
	if len(points) == 0 {
		return 0, false
	}
	return points[len(points)-1].Value, true
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments.
type Engine struct {
	tracer      trace.Tracer
	log         *logger.Logger
	experiments []Experiment
	results     []Result
	mu          sync.Mutex
}

func NewEngine(log *logger.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("libralend/chaos"),
		log:    log,
	}
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes one experiment. Rollback runs whenever faults were injected,
// even when ctx is cancelled during observation.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	log := e.log.With("experiment", exp.Name)
	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("setup")
	for _, action := range exp.Setup {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "setup failed")
			e.finish(result)
			return result, fmt.Errorf("%w: %s: %w", ErrSetupFailed, action.Target, err)
		}
	}

	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		span.SetStatus(codes.Error, "steady state invalid")
		log.Warn("steady state invalid", "violations", len(violations))
		e.finish(result)
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	rollbackCtx := context.WithoutCancel(ctx)
	for _, action := range exp.Rollback {
		if err := action.Execute(rollbackCtx); err != nil {
			span.RecordError(err)
			log.Error("rollback failed", "target", action.Target, "error", err)
		}
	}

	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	e.finish(result)

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	if !result.HypothesisHeld {
		span.SetStatus(codes.Error, "hypothesis violated")
	}
	return result, nil
}

func (e *Engine) finish(result *Result) {
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()
}

// observe samples every metric right away and then on each tick until the
// observation window closes.
func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	interval := exp.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var recoveryStart time.Time
	recovered := false
	for {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
					Timestamp: time.Now(),
					Error:     err.Error(),
					Component: metric.Name,
				})
				continue
			}
			now := time.Now()
			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !metric.Threshold.holds(value) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}

		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		if metric.Observe {
			continue
		}
		value, err := metric.Query(ctx)
		if err != nil {
			e.log.Warn("steady state query failed", "metric", metric.Name, "error", err)
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}
		if !metric.Threshold.holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

// validateAssertions returns the messages of the assertions that did not
// hold on the final observation. A metric never observed fails its assertion.
func validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		v, ok := result.Last(a.Metric)
		if !ok || !a.Condition(v) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay runs a series of experiments back to back.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	// Pause separates consecutive experiments.
	Pause time.Duration
}

// ExecuteGameDay runs every scenario, logs the outcome of each and returns
// ErrHypothesisViolated if any scenario failed or could not run.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) ([]*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)),
	)
	defer span.End()

	e.log.Info("starting game day", "name", day.Name, "experiments", len(day.Scenarios))

	results := make([]*Result, 0, len(day.Scenarios))
	failed := 0
	for i, scenario := range day.Scenarios {
		if i > 0 && day.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(day.Pause):
			}
		}
		e.log.Info("running experiment",
			"index", i+1, "of", len(day.Scenarios),
			"experiment", scenario.Name, "hypothesis", scenario.Hypothesis)

		result, err := e.Run(ctx, scenario)
		results = append(results, result)
		if err != nil {
			failed++
			e.log.Error("experiment failed", "experiment", scenario.Name, "error", err)
			continue
		}
		e.report(result)
		if !result.HypothesisHeld {
			failed++
		}
	}

	if failed > 0 {
		span.SetStatus(codes.Error, "hypothesis violated")
		return results, fmt.Errorf("%w: %d of %d experiments", ErrHypothesisViolated, failed, len(day.Scenarios))
	}
	return results, nil
}

func (e *Engine) report(result *Result) {
	log := e.log.With("experiment", result.ExperimentName, "duration", result.Duration)
	for _, v := range result.Violations {
		log.Warn("violation", "metric", v.MetricName, "expected", v.Expected, "actual", v.Actual)
	}
	if result.MTTR != nil {
		log.Info("recovered", "mttr", *result.MTTR)
	}
	if result.HypothesisHeld {
		log.Info("hypothesis held")
		return
	}
	log.Error("hypothesis violated", "failed_assertions", result.FailedAssertions)
}
