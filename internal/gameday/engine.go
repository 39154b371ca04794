// Package gameday runs resilience experiments against a cart store whose
// backends are wrapped in fault injectors.
package gameday

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/storage"
	"storefront/internal/storage/chaos"
)

// Experiment defines one resilience test.
type Experiment struct {
	Name       string
	Hypothesis string

	// Seed prepares the backends before the store is opened.
	Seed func(ctx context.Context, rig *Rig) error
	// Inject applies the faults.
	Inject func(rig *Rig)
	// Workload runs the cart operations under faults.
	Workload func(ctx context.Context, rig *Rig) error
	// Recover runs after the faults are healed.
	Recover func(ctx context.Context, rig *Rig) error

	// SteadyState must hold before faults are injected.
	SteadyState []Metric
	// Observe is sampled after the workload, before healing.
	Observe []Metric
	// Validation is checked after recovery.
	Validation []Metric
}

// Metric is a measurable property of the rig.
type Metric struct {
	Name      string
	Query     func(ctx context.Context, rig *Rig) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Result captures one experiment run.
type Result struct {
	Experiment       string             `json:"experiment"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	Duration         time.Duration      `json:"duration"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	Violations       []Violation        `json:"violations"`
	Observations     map[string]float64 `json:"observations"`
	ErrorEvents      []ErrorEvent       `json:"error_events"`
	RecoveryTime     time.Duration      `json:"recovery_time"`
}

type Violation struct {
	Phase    string    `json:"phase"`
	Metric   string    `json:"metric"`
	Operator string    `json:"operator"`
	Expected float64   `json:"expected"`
	Actual   float64   `json:"actual"`
	At       time.Time `json:"at"`
}

type ErrorEvent struct {
	At        time.Time `json:"at"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Rig is the system under test: a store over two fault-injecting backends.
type Rig struct {
	Store   *cart.Store
	Cookies *chaos.Backend
	Local   *chaos.Backend

	mu     sync.Mutex
	logged map[cart.ErrorKind]int
}

// Open replaces the store with a fresh one over the same backends, as a
// restart would.
func (r *Rig) Open(ctx context.Context) error {
	s, err := cart.New(ctx, cart.Options{
		Preference: cart.StorageBoth,
		Cookies:    r.Cookies,
		Local:      r.Local,
		OnError:    r.record,
	})
	if err != nil {
		return err
	}
	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	r.Store = s
	return nil
}

func (r *Rig) record(e *cart.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logged[e.Kind]++
}

// Logged reports how many errors of kind the rig's stores have logged.
func (r *Rig) Logged(kind cart.ErrorKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logged[kind]
}

// Engine orchestrates experiments.
type Engine struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tracer: otel.Tracer("storefront/gameday"),
		logger: logger,
	}
}

// Register adds an experiment to the suite.
func (e *Engine) Register(exp ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp...)
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

// ErrSteadyState aborts an experiment whose baseline does not hold.
var ErrSteadyState = errors.New("steady state invalid - aborting experiment")

// Run executes a single experiment on a fresh rig.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "gameday.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string]float64),
	}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.mu.Lock()
		e.results = append(e.results, *result)
		e.mu.Unlock()
	}()

	rig := &Rig{
		Cookies: chaos.Wrap(storage.NewMemory()),
		Local:   chaos.Wrap(storage.NewMemory()),
		logged:  make(map[cart.ErrorKind]int),
	}
	if exp.Seed != nil {
		if err := exp.Seed(ctx, rig); err != nil {
			return result, fmt.Errorf("seed %s: %w", exp.Name, err)
		}
	}
	if err := rig.Open(ctx); err != nil {
		return result, fmt.Errorf("open %s: %w", exp.Name, err)
	}

	span.AddEvent("validating_steady_state")
	if violations := e.check(ctx, rig, "steady_state", exp.SteadyState, result); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyState
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	if exp.Inject != nil {
		exp.Inject(rig)
	}
	if exp.Workload != nil {
		if err := exp.Workload(ctx, rig); err != nil {
			e.event(result, "workload", err)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	result.Violations = append(result.Violations, e.check(ctx, rig, "observe", exp.Observe, result)...)

	span.AddEvent("rolling_back")
	rig.Cookies.Heal()
	rig.Local.Heal()
	recoveryStart := time.Now()
	if exp.Recover != nil {
		if err := exp.Recover(ctx, rig); err != nil {
			e.event(result, "recover", err)
			span.RecordError(err)
		}
	}
	result.RecoveryTime = time.Since(recoveryStart)

	span.AddEvent("validating_assertions")
	result.Violations = append(result.Violations, e.check(ctx, rig, "validation", exp.Validation, result)...)
	result.HypothesisHeld = len(result.Violations) == 0 && len(result.ErrorEvents) == 0

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.Info("experiment finished",
		zap.String("experiment", exp.Name),
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Duration("recovery_time", result.RecoveryTime),
	)
	return result, nil
}

// RunAll runs every registered experiment in order. It fails when any
// experiment could not run or its hypothesis did not hold.
func (e *Engine) RunAll(ctx context.Context) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, exp := range e.Experiments() {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.Run(ctx, exp)
		results = append(results, *res)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", exp.Name, err))
		case !res.HypothesisHeld:
			errs = append(errs, fmt.Errorf("%s: hypothesis violated", exp.Name))
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) check(ctx context.Context, rig *Rig, phase string, metrics []Metric, result *Result) []Violation {
	var violations []Violation
	for _, m := range metrics {
		value, err := m.Query(ctx, rig)
		if err != nil {
			e.event(result, m.Name, err)
			value = -1
		}
		result.Observations[phase+"."+m.Name] = value

		if err != nil || !evaluate(value, m.Threshold) {
			violations = append(violations, Violation{
				Phase:    phase,
				Metric:   m.Name,
				Operator: m.Threshold.Operator,
				Expected: m.Threshold.Value,
				Actual:   value,
				At:       time.Now(),
			})
		}
	}
	return violations
}

func (e *Engine) event(result *Result, component string, err error) {
	result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
		At:        time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

func evaluate(value float64, t Threshold) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}
