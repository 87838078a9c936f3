package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wesleyorama2/stagehand/internal/scheduler"
)

// recorder is a workload that remembers every VU it has seen.
type recorder struct {
	mu  sync.Mutex
	vus map[int]*scheduler.VirtualUser

	started   atomic.Int64
	completed atomic.Int64

	// gate, when set, blocks each iteration until closed.
	gate chan struct{}
}

func newRecorder() *recorder {
	return &recorder{vus: make(map[int]*scheduler.VirtualUser)}
}

func (r *recorder) workload(ctx context.Context, vu *scheduler.VirtualUser) {
	r.mu.Lock()
	r.vus[vu.ID] = vu
	r.mu.Unlock()

	r.started.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	r.completed.Add(1)
}

func (r *recorder) vu(id int) *scheduler.VirtualUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vus[id]
}

func singleStage(t *testing.T, d time.Duration, target int) *scheduler.Timeline {
	t.Helper()
	tl, err := scheduler.NewTimeline([]scheduler.Stage{{Duration: d, Target: target, Hold: true}})
	require.NoError(t, err)
	return tl
}

func TestReconcile_SpawnAndStopNewestFirst(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})

	s := scheduler.New(singleStage(t, time.Second, 5), rec.workload, scheduler.Options{})

	spawned, stopped := s.Reconcile(0, 5)
	assert.Equal(t, 5, spawned)
	assert.Equal(t, 0, stopped)
	assert.Equal(t, 5, s.Active())

	require.Eventually(t, func() bool { return rec.started.Load() == 5 }, time.Second, 5*time.Millisecond)

	spawned, stopped = s.Reconcile(5, 2)
	assert.Equal(t, 0, spawned)
	assert.Equal(t, 3, stopped)
	assert.Equal(t, 2, s.Active())

	for id := 1; id <= 5; id++ {
		vu := rec.vu(id)
		require.NotNil(t, vu, "vu %d", id)
		if id <= 2 {
			assert.False(t, vu.Stopping(), "vu %d should keep running", id)
		} else {
			assert.True(t, vu.Stopping(), "vu %d should be stopping", id)
		}
	}

	// Stop requests never interrupt the in-flight iteration.
	assert.Equal(t, int64(0), rec.completed.Load())
	assert.Equal(t, 5, s.Running())

	close(rec.gate)
	for id := 3; id <= 5; id++ {
		assert.True(t, rec.vu(id).WaitForStop(time.Second), "vu %d did not exit", id)
		assert.Equal(t, int64(1), rec.vu(id).Iteration())
	}

	assert.Equal(t, 0, s.Drain(time.Second))
	assert.Equal(t, 0, s.Running())
	assert.Equal(t, rec.started.Load(), rec.completed.Load(), "every started iteration completed")
}

func TestReconcile_NoChange(t *testing.T) {
	rec := newRecorder()
	s := scheduler.New(singleStage(t, time.Second, 1), rec.workload, scheduler.Options{Sleep: 10 * time.Millisecond})

	s.Reconcile(0, 2)
	spawned, stopped := s.Reconcile(2, 2)
	assert.Zero(t, spawned)
	assert.Zero(t, stopped)

	_, stopped = s.Reconcile(2, -1)
	assert.Equal(t, 2, stopped, "negative desired is treated as zero")
	assert.Equal(t, 0, s.Drain(time.Second))
}

func TestRun_FollowsTimeline(t *testing.T) {
	tl, err := scheduler.NewTimeline([]scheduler.Stage{
		{Duration: 400 * time.Millisecond, Target: 8},
		{Duration: 300 * time.Millisecond, Target: 8},
		{Duration: 300 * time.Millisecond, Target: 2},
	})
	require.NoError(t, err)

	const interval = 20 * time.Millisecond

	var (
		mu     sync.Mutex
		stages []int
	)
	var drained atomic.Bool

	rec := newRecorder()
	s := scheduler.New(tl, rec.workload, scheduler.Options{
		Sleep:             5 * time.Millisecond,
		ReconcileInterval: interval,
		GracefulStop:      time.Second,
		Hooks: scheduler.Hooks{
			StageStarted: func(i int) {
				mu.Lock()
				stages = append(stages, i)
				mu.Unlock()
			},
			Draining: func() { drained.Store(true) },
		},
	})

	start := time.Now()
	done := make(chan *scheduler.Outcome, 1)
	go func() {
		out, err := s.Run(context.Background())
		assert.NoError(t, err)
		done <- out
	}()

	// Live VUs never exceed the desired count by more than the lag of one
	// reconcile interval (doubled for scheduling jitter).
	for {
		select {
		case out := <-done:
			assert.False(t, out.Cancelled)
			assert.Zero(t, out.ForcedStops)
			assert.False(t, out.Degraded())
			assert.Equal(t, 3, out.StagesReached)
			assert.GreaterOrEqual(t, out.Spawned, 8)
			assert.True(t, drained.Load())
			assert.Equal(t, 0, s.Running())

			mu.Lock()
			assert.Equal(t, []int{0, 1, 2}, stages)
			mu.Unlock()
			return
		case <-time.After(7 * time.Millisecond):
			elapsed := time.Since(start)
			active := s.Active()
			bound := tl.DesiredAt(elapsed)
			if lagged := tl.DesiredAt(elapsed - 3*interval); lagged > bound {
				bound = lagged
			}
			if active > bound+1 {
				t.Errorf("at %s: %d live VUs, desired at most %d", elapsed, active, bound)
			}
		}
	}
}

func TestRun_AlreadyStarted(t *testing.T) {
	rec := newRecorder()
	s := scheduler.New(singleStage(t, 30*time.Millisecond, 1), rec.workload, scheduler.Options{
		ReconcileInterval: 10 * time.Millisecond,
		Sleep:             time.Millisecond,
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrAlreadyStarted)
}

func TestRun_CancelIsCooperative(t *testing.T) {
	var (
		inFlight  atomic.Int64
		completed atomic.Int64
		ctxErrs   atomic.Int64
	)
	workload := func(ctx context.Context, vu *scheduler.VirtualUser) {
		inFlight.Add(1)
		defer inFlight.Add(-1)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			ctxErrs.Add(1)
		}
		completed.Add(1)
	}

	s := scheduler.New(singleStage(t, 10*time.Second, 4), workload, scheduler.Options{
		ReconcileInterval: 10 * time.Millisecond,
		GracefulStop:      2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	out, err := s.Run(ctx)
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Zero(t, out.ForcedStops)
	assert.Less(t, out.Duration, 5*time.Second)
	assert.Equal(t, int64(0), inFlight.Load())
	assert.Equal(t, int64(0), ctxErrs.Load(), "iteration context must not follow run cancellation")
	assert.Positive(t, completed.Load())
}

func TestRun_GracefulStopTimeoutForcesShutdown(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	var cancelled atomic.Int64
	// This workload ignores stop requests and only returns when its context is cancelled.
	workload := func(ctx context.Context, vu *scheduler.VirtualUser) {
		<-ctx.Done()
		cancelled.Add(1)
	}

	s := scheduler.New(singleStage(t, 50*time.Millisecond, 3), workload, scheduler.Options{
		ReconcileInterval: 10 * time.Millisecond,
		GracefulStop:      50 * time.Millisecond,
		Logger:            zap.New(core),
	})

	out, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.ForcedStops)
	assert.True(t, out.Degraded())
	assert.Equal(t, int64(3), cancelled.Load())
	assert.Equal(t, 0, s.Running())

	warnings := logs.FilterMessage("graceful stop timed out, cancelling in-flight iterations").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, int64(3), warnings[0].ContextMap()["vus"])
}

func TestVirtualUser_RequestStopIdempotent(t *testing.T) {
	vu := scheduler.NewVirtualUser(1)
	assert.Equal(t, scheduler.VUStateIdle, vu.State())

	vu.RequestStop()
	vu.RequestStop()
	assert.Equal(t, scheduler.VUStateStopping, vu.State())

	select {
	case <-vu.StopRequested():
	default:
		t.Fatal("stop channel not closed")
	}
	assert.False(t, vu.WaitForStop(10*time.Millisecond))
}
