package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// VUState represents the lifecycle state of a virtual user.
type VUState int32

const (
	// VUStateIdle indicates the VU is between iterations.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is executing an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop after its current iteration.
	VUStateStopping
	// VUStateStopped indicates the VU loop has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser is one simulated user repeatedly executing the workload.
//
// The scheduler control loop owns spawning and stop requests; the VU's own
// goroutine owns iteration execution. A stop request is never delivered
// mid-iteration: the VU observes it after the workload returns or while sleeping.
type VirtualUser struct {
	// ID is unique within a run and increases with spawn order.
	ID int

	state     atomic.Int32
	iteration atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	spawnedAt time.Time
}

// NewVirtualUser creates an idle virtual user.
func NewVirtualUser(id int) *VirtualUser {
	return &VirtualUser{
		ID:        id,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		spawnedAt: time.Now(),
	}
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Iteration returns the number of iterations started, which is also the
// 1-based number of the iteration in progress.
func (vu *VirtualUser) Iteration() int64 {
	return vu.iteration.Load()
}

// SpawnedAt returns when the VU was created.
func (vu *VirtualUser) SpawnedAt() time.Time {
	return vu.spawnedAt
}

// RequestStop asks the VU to exit after its current iteration. Safe to call
// more than once.
func (vu *VirtualUser) RequestStop() {
	for {
		cur := vu.state.Load()
		if VUState(cur) == VUStateStopping || VUState(cur) == VUStateStopped {
			break
		}
		if vu.state.CompareAndSwap(cur, int32(VUStateStopping)) {
			break
		}
	}
	vu.stopOnce.Do(func() { close(vu.stopCh) })
}

// Stopping reports whether a stop has been requested or the VU has exited.
func (vu *VirtualUser) Stopping() bool {
	s := vu.State()
	return s == VUStateStopping || s == VUStateStopped
}

// StopRequested returns a channel closed when RequestStop is called.
func (vu *VirtualUser) StopRequested() <-chan struct{} {
	return vu.stopCh
}

// Done returns a channel closed when the VU loop has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// markStopped records that the VU loop has exited.
func (vu *VirtualUser) markStopped() {
	vu.state.Store(int32(VUStateStopped))
	close(vu.doneCh)
}

// WaitForStop waits for the VU loop to exit. Returns false on timeout.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// runIteration executes one workload iteration unless a stop was requested.
func (vu *VirtualUser) runIteration(ctx context.Context, w Workload) bool {
	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return false
	}
	vu.iteration.Add(1)

	w(ctx, vu)

	// A concurrent RequestStop moves Running to Stopping; keep that.
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	return true
}

// sleep waits d between iterations. Returns false if interrupted by a stop
// request or context cancellation.
func (vu *VirtualUser) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-vu.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
