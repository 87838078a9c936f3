// Package engine runs a compiled load test plan end to end.
//
// It coordinates:
//   - the stage scheduler and its virtual users
//   - the metrics aggregator and its per-stage windows
//   - threshold evaluation at stage boundaries and at completion
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	plan, _ := cfg.Compile()
//	eng, _ := engine.New(plan)
//	result, _ := eng.Run(context.Background())
//	fmt.Printf("Test passed: %v\n", result.Passed)
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stagehand/internal/config"
	"github.com/wesleyorama2/stagehand/internal/httpclient"
	"github.com/wesleyorama2/stagehand/internal/metrics"
	"github.com/wesleyorama2/stagehand/internal/scheduler"
	"github.com/wesleyorama2/stagehand/internal/threshold"
	"github.com/wesleyorama2/stagehand/internal/workload"
)

// ErrAlreadyRunning is returned when Run is called on an engine that has started.
var ErrAlreadyRunning = errors.New("engine has already been started")

// State is the run lifecycle state.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateDraining
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Engine runs one plan. An Engine is single-use.
type Engine struct {
	plan     *config.Plan
	timeline *scheduler.Timeline
	agg      *metrics.Aggregator
	sched    *scheduler.Scheduler
	client   *httpclient.Client
	logger   *zap.Logger
	runID    string

	state     atomic.Int32
	startTime atomic.Int64 // unix nanos, 0 before Run

	// stageResults[i] is set once stage i has been evaluated. Guarded by mu.
	stageResults []*StageResult
	mu           sync.Mutex
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger   *zap.Logger
	workload scheduler.Workload
	runID    string
}

// WithLogger sets the logger for lifecycle and diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithWorkload replaces the HTTP workload. Iteration counting still applies.
func WithWorkload(w scheduler.Workload) Option {
	return func(o *engineOptions) {
		o.workload = w
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *engineOptions) {
		o.runID = id
	}
}

// New prepares an engine for plan.
func New(plan *config.Plan, opts ...Option) (*Engine, error) {
	if plan == nil {
		return nil, errors.New("plan is required")
	}

	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	timeline, err := plan.Timeline()
	if err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}

	e := &Engine{
		plan:         plan,
		timeline:     timeline,
		agg:          metrics.NewAggregator(timeline.Len()),
		logger:       o.logger.With(zap.String("run", o.runID)),
		runID:        o.runID,
		stageResults: make([]*StageResult, timeline.Len()),
	}
	e.agg.Register(plan.CheckNames()...)

	inner := o.workload
	if inner == nil {
		e.client = httpclient.NewClient(plan.Client)
		inner = workload.NewHTTP(e.client, plan.Request, plan.Checks, e.agg,
			workload.WithLogger(e.logger)).Iterate
	}

	e.sched = scheduler.New(timeline, e.countIterations(inner), scheduler.Options{
		Sleep:             plan.Sleep,
		ReconcileInterval: plan.ReconcileInterval,
		GracefulStop:      plan.GracefulStop,
		Logger:            e.logger,
		Hooks: scheduler.Hooks{
			StageStarted: e.onStageStarted,
			Draining:     e.onDraining,
			Reconciled:   e.agg.SetVUs,
		},
	})
	return e, nil
}

// countIterations wraps w to record iterations and iteration_duration.
// Iterations cut short by a forced shutdown are not counted.
func (e *Engine) countIterations(w scheduler.Workload) scheduler.Workload {
	return func(ctx context.Context, vu *scheduler.VirtualUser) {
		start := time.Now()
		w(ctx, vu)
		if ctx.Err() != nil {
			return
		}
		e.agg.RecordIteration(time.Since(start))
	}
}

// Run executes the plan and blocks until the run has completed. Errors
// mean the run could not be executed; threshold failures are reported in
// the Result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.state.CompareAndSwap(int32(StatePending), int32(StateRunning)) {
		return nil, ErrAlreadyRunning
	}

	start := time.Now()
	e.startTime.Store(start.UnixNano())
	e.agg.Start()
	e.logger.Info("run started",
		zap.String("name", e.plan.Name),
		zap.Int("stages", e.timeline.Len()),
		zap.Duration("duration", e.timeline.Total()))

	outcome, err := e.sched.Run(ctx)
	if err != nil {
		e.state.Store(int32(StateCompleted))
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	// Drain is over; close the windows so late samples cannot land anywhere.
	e.agg.Stop()
	if e.client != nil {
		e.client.CloseIdleConnections()
	}

	// The stage active during drain, and any stages never reached, are evaluated now.
	for i := 0; i < e.timeline.Len(); i++ {
		e.evaluateStage(i)
	}

	result := e.buildResult(start, time.Now(), outcome)
	e.state.Store(int32(StateCompleted))

	e.logger.Info("run completed",
		zap.Bool("passed", result.Passed),
		zap.Duration("duration", result.Duration),
		zap.Bool("cancelled", result.Cancelled),
		zap.Int("forcedStops", result.ForcedStops))
	return result, nil
}

func (e *Engine) onStageStarted(i int) {
	// Switch windows first so in-flight samples from this point count toward stage i.
	e.agg.SetStage(i)
	if i > 0 {
		e.evaluateStage(i - 1)
	}
	st := e.timeline.Stage(i)
	e.logger.Info("stage started",
		zap.Int("stage", i),
		zap.String("name", st.Name),
		zap.Int("target", st.Target),
		zap.Bool("hold", st.Hold),
		zap.Duration("duration", st.Duration))
}

func (e *Engine) onDraining() {
	e.state.Store(int32(StateDraining))
	e.logger.Info("draining virtual users", zap.Int("vus", e.sched.Running()))
}

// evaluateStage evaluates stage i's thresholds against its window, once.
func (e *Engine) evaluateStage(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stageResults[i] != nil {
		return
	}

	ps := e.plan.Stages[i]
	snap := e.agg.StageSnapshot(i)
	results, passed := threshold.EvaluateAll(ps.Thresholds, snap)

	sr := &StageResult{
		Index:      i,
		Name:       ps.Name,
		Target:     ps.Target,
		Hold:       ps.Hold,
		Duration:   ps.Duration,
		Elapsed:    snap.Elapsed,
		Passed:     passed,
		Thresholds: results,
		Checks:     summarizeChecks(snap),
	}
	e.stageResults[i] = sr

	for _, r := range results {
		fields := []zap.Field{
			zap.Int("stage", i),
			zap.String("metric", r.Metric),
			zap.String("threshold", r.Expression),
			zap.Float64("value", r.Value),
		}
		switch {
		case r.NoData:
			e.logger.Info("stage threshold has no data", fields...)
		case !r.Passed:
			e.logger.Warn("stage threshold failed", fields...)
		default:
			e.logger.Debug("stage threshold passed", fields...)
		}
	}
}

func (e *Engine) buildResult(start, end time.Time, outcome *scheduler.Outcome) *Result {
	final := e.agg.Snapshot()
	runResults, runPassed := threshold.EvaluateAll(e.plan.Thresholds, final)

	e.mu.Lock()
	stages := make([]StageResult, len(e.stageResults))
	for i, sr := range e.stageResults {
		stages[i] = *sr
	}
	e.mu.Unlock()

	passed := runPassed
	for _, sr := range stages {
		passed = passed && sr.Passed
	}

	return &Result{
		RunID:         e.runID,
		Name:          e.plan.Name,
		Description:   e.plan.Description,
		StartTime:     start,
		EndTime:       end,
		Duration:      end.Sub(start),
		Passed:        passed,
		Cancelled:     outcome.Cancelled,
		Degraded:      outcome.Degraded(),
		ForcedStops:   outcome.ForcedStops,
		VUsSpawned:    outcome.Spawned,
		StagesReached: outcome.StagesReached,
		Checks:        summarizeChecks(final),
		Stages:        stages,
		Thresholds:    runResults,
		Metrics:       final,
	}
}

// RunID returns the run identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Plan returns the plan being run.
func (e *Engine) Plan() *config.Plan {
	return e.plan
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// CurrentStage returns the index of the active stage, -1 before the first.
func (e *Engine) CurrentStage() int {
	return e.sched.Stage()
}

// Elapsed returns time since Run was called.
func (e *Engine) Elapsed() time.Duration {
	start := e.startTime.Load()
	if start == 0 {
		return 0
	}
	return time.Since(time.Unix(0, start))
}

// Progress returns the fraction of the timeline elapsed, in [0, 1].
func (e *Engine) Progress() float64 {
	switch e.State() {
	case StatePending:
		return 0
	case StateDraining, StateCompleted:
		return 1
	}
	p := float64(e.Elapsed()) / float64(e.timeline.Total())
	if p > 1 {
		p = 1
	}
	return p
}

// Snapshot returns the current run total metrics.
func (e *Engine) Snapshot() *metrics.Snapshot {
	return e.agg.Snapshot()
}

// ActiveVUs returns the number of live, non-stopping VUs.
func (e *Engine) ActiveVUs() int {
	return e.sched.Active()
}

// DesiredVUs returns the current desired VU count.
func (e *Engine) DesiredVUs() int {
	return e.sched.Desired()
}

// Timeline returns the stage timeline.
func (e *Engine) Timeline() *scheduler.Timeline {
	return e.timeline
}
