// Package scheduler drives a population of virtual users through a staged timeline.
//
// A single control loop wakes every reconcile interval, computes the desired
// VU count from the timeline and reconciles the live population toward it.
// The control loop is the only writer of desired counts and stop signals.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultReconcileInterval is how often the control loop adjusts the VU population.
	DefaultReconcileInterval = 100 * time.Millisecond
	// DefaultGracefulStop is how long draining waits for VUs to finish.
	DefaultGracefulStop = 30 * time.Second
	// forcedExitWait bounds the wait for VUs after their context is cancelled.
	forcedExitWait = 5 * time.Second
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Workload executes one iteration for a virtual user. It records its own
// outcome and never reports errors to the scheduler. ctx is cancelled only
// when draining times out and the run is force-terminated.
type Workload func(ctx context.Context, vu *VirtualUser)

// Hooks are callbacks invoked from the control loop goroutine.
type Hooks struct {
	// StageStarted is called once for every stage, in order, when its start
	// boundary is crossed. Stages skipped between two ticks are still reported.
	StageStarted func(index int)
	// Draining is called once when the timeline has ended or the run was cancelled.
	Draining func()
	// Reconciled is called after every reconcile with the live and desired counts.
	Reconciled func(active, desired int)
}

// Options configure a Scheduler.
type Options struct {
	// Sleep is the pause between iterations of one VU.
	Sleep time.Duration
	// ReconcileInterval defaults to DefaultReconcileInterval.
	ReconcileInterval time.Duration
	// GracefulStop defaults to DefaultGracefulStop.
	GracefulStop time.Duration
	Hooks        Hooks
	Logger       *zap.Logger
}

// Outcome summarises a finished run.
type Outcome struct {
	Duration time.Duration
	// Spawned is the number of VUs started over the whole run.
	Spawned int
	// Cancelled is set when the run context ended before the timeline.
	Cancelled bool
	// ForcedStops is the number of VUs still running when the graceful stop
	// period expired. Non-zero means a degraded shutdown.
	ForcedStops int
	// StagesReached is the number of stages whose start boundary was crossed.
	StagesReached int
}

// Degraded reports whether any VU had to be force-terminated.
func (o *Outcome) Degraded() bool {
	return o.ForcedStops > 0
}

// Scheduler owns the VU population for one run.
type Scheduler struct {
	timeline *Timeline
	workload Workload
	opts     Options
	logger   *zap.Logger

	// live holds non-stopping VUs in spawn order. Guarded by mu.
	live []*VirtualUser
	mu   sync.Mutex

	wg      sync.WaitGroup
	running atomic.Int32
	nextID  atomic.Int64
	spawned atomic.Int64
	desired atomic.Int32
	stage   atomic.Int32
	started atomic.Bool

	// iterCtx is detached from the run context; it is cancelled only on forced shutdown.
	iterCtx     context.Context
	forceCancel context.CancelFunc
}

// New creates a scheduler for one run of timeline.
func New(timeline *Timeline, workload Workload, opts Options) *Scheduler {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.GracefulStop <= 0 {
		opts.GracefulStop = DefaultGracefulStop
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	iterCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		timeline:    timeline,
		workload:    workload,
		opts:        opts,
		logger:      logger,
		iterCtx:     iterCtx,
		forceCancel: cancel,
	}
	s.stage.Store(-1)
	return s
}

// Timeline returns the scheduler's timeline.
func (s *Scheduler) Timeline() *Timeline {
	return s.timeline
}

// Active returns the number of live VUs that have not been asked to stop.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Running returns the number of VU goroutines that have not exited,
// including VUs that are stopping.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Desired returns the most recently computed desired VU count.
func (s *Scheduler) Desired() int {
	return int(s.desired.Load())
}

// Stage returns the index of the current stage, -1 before the run starts.
func (s *Scheduler) Stage() int {
	return int(s.stage.Load())
}

// Reconcile moves the population from current toward desired: it spawns
// desired-current VUs, or asks the newest current-desired VUs to stop after
// their in-flight iteration. It returns the number spawned and stopped.
//
// Reconcile must only be called from one goroutine at a time.
func (s *Scheduler) Reconcile(current, desired int) (spawned, stopped int) {
	if desired < 0 {
		desired = 0
	}
	diff := desired - current

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case diff > 0:
		for i := 0; i < diff; i++ {
			s.spawnLocked()
		}
		return diff, 0
	case diff < 0:
		n := -diff
		if n > len(s.live) {
			n = len(s.live)
		}
		// Stop excess VUs from the end, newest first.
		for i := len(s.live) - 1; i >= len(s.live)-n; i-- {
			s.live[i].RequestStop()
		}
		s.live = s.live[:len(s.live)-n]
		return 0, n
	}
	return 0, 0
}

func (s *Scheduler) spawnLocked() {
	vu := NewVirtualUser(int(s.nextID.Add(1)))
	s.live = append(s.live, vu)
	s.spawned.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go s.runVU(vu)
}

// runVU runs one VU until it is asked to stop or the run is force-terminated.
func (s *Scheduler) runVU(vu *VirtualUser) {
	defer s.wg.Done()
	defer s.running.Add(-1)
	defer vu.markStopped()

	for {
		if vu.Stopping() || s.iterCtx.Err() != nil {
			return
		}
		if !vu.runIteration(s.iterCtx, s.workload) {
			return
		}
		if !vu.sleep(s.iterCtx, s.opts.Sleep) {
			return
		}
	}
}

// Run executes the timeline. It blocks until every stage has elapsed (or ctx
// is cancelled) and the VU population has drained.
func (s *Scheduler) Run(ctx context.Context) (*Outcome, error) {
	if !s.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	start := time.Now()
	total := s.timeline.Total()
	outcome := &Outcome{}

	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()
	end := time.NewTimer(total)
	defer end.Stop()

	reached := 0
	advance := func(elapsed time.Duration) {
		idx := s.timeline.StageAt(elapsed)
		for reached <= idx && reached < s.timeline.Len() {
			s.stage.Store(int32(reached))
			s.logger.Debug("stage started",
				zap.Int("stage", reached),
				zap.String("name", s.timeline.Stage(reached).Name),
				zap.Int("target", s.timeline.Stage(reached).Target))
			if s.opts.Hooks.StageStarted != nil {
				s.opts.Hooks.StageStarted(reached)
			}
			reached++
		}
	}
	step := func(elapsed time.Duration) {
		desired := s.timeline.DesiredAt(elapsed)
		s.desired.Store(int32(desired))
		s.Reconcile(s.Active(), desired)
		if s.opts.Hooks.Reconciled != nil {
			s.opts.Hooks.Reconciled(s.Active(), desired)
		}
	}

	advance(0)
	step(0)

loop:
	for {
		select {
		case <-ctx.Done():
			outcome.Cancelled = true
			break loop
		case <-end.C:
			break loop
		case <-ticker.C:
			elapsed := time.Since(start)
			if elapsed >= total {
				break loop
			}
			advance(elapsed)
			step(elapsed)
		}
	}

	if !outcome.Cancelled {
		// Report stages too short to have been seen by a tick.
		advance(total - 1)
	}
	outcome.StagesReached = reached

	s.desired.Store(0)
	if s.opts.Hooks.Draining != nil {
		s.opts.Hooks.Draining()
	}
	outcome.ForcedStops = s.Drain(s.opts.GracefulStop)
	outcome.Spawned = int(s.spawned.Load())
	outcome.Duration = time.Since(start)

	if s.opts.Hooks.Reconciled != nil {
		s.opts.Hooks.Reconciled(0, 0)
	}
	return outcome, nil
}

// Drain asks every live VU to stop and waits up to grace for all VU
// goroutines to exit. VUs still running after grace have their iteration
// context cancelled. It returns the number of VUs that had to be forced.
func (s *Scheduler) Drain(grace time.Duration) int {
	s.mu.Lock()
	for _, vu := range s.live {
		vu.RequestStop()
	}
	s.live = nil
	s.mu.Unlock()

	if s.wait(grace) {
		return 0
	}

	forced := s.Running()
	if forced == 0 {
		return 0
	}
	s.logger.Warn("graceful stop timed out, cancelling in-flight iterations",
		zap.Duration("gracefulStop", grace),
		zap.Int("vus", forced))
	s.forceCancel()

	if !s.wait(forcedExitWait) {
		s.logger.Error("virtual users did not exit after cancellation",
			zap.Int("vus", s.Running()))
	}
	return forced
}

// wait blocks until every VU goroutine has exited or timeout passes.
func (s *Scheduler) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
