package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Stage is one segment of the VU schedule.
//
// A ramp stage moves the desired VU count linearly from the previous stage's
// target (0 before the first stage) to Target over Duration. A hold stage
// stays flat at Target for its whole duration.
type Stage struct {
	Duration time.Duration
	Target   int
	Hold     bool
	Name     string
}

// Timeline is an immutable ordered list of stages with precomputed boundaries.
type Timeline struct {
	stages []Stage
	// ends[i] is the offset from run start at which stage i ends.
	ends []time.Duration
}

// NewTimeline validates stages and computes their boundaries.
func NewTimeline(stages []Stage) (*Timeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("at least one stage is required")
	}

	tl := &Timeline{
		stages: make([]Stage, len(stages)),
		ends:   make([]time.Duration, len(stages)),
	}
	copy(tl.stages, stages)

	var offset time.Duration
	for i, s := range stages {
		if s.Duration <= 0 {
			return nil, fmt.Errorf("stage %d: duration must be positive, got %s", i, s.Duration)
		}
		if s.Target < 0 {
			return nil, fmt.Errorf("stage %d: target must be non-negative, got %d", i, s.Target)
		}
		offset += s.Duration
		tl.ends[i] = offset
	}
	return tl, nil
}

// Len returns the number of stages.
func (tl *Timeline) Len() int {
	return len(tl.stages)
}

// Stage returns stage i.
func (tl *Timeline) Stage(i int) Stage {
	return tl.stages[i]
}

// Stages returns a copy of the stages.
func (tl *Timeline) Stages() []Stage {
	out := make([]Stage, len(tl.stages))
	copy(out, tl.stages)
	return out
}

// Total returns the sum of all stage durations.
func (tl *Timeline) Total() time.Duration {
	return tl.ends[len(tl.ends)-1]
}

// StageStart returns the offset at which stage i begins.
func (tl *Timeline) StageStart(i int) time.Duration {
	if i <= 0 {
		return 0
	}
	return tl.ends[i-1]
}

// StageAt returns the index of the stage active at elapsed. It returns Len()
// once elapsed reaches Total().
func (tl *Timeline) StageAt(elapsed time.Duration) int {
	for i, end := range tl.ends {
		if elapsed < end {
			return i
		}
	}
	return len(tl.stages)
}

// DesiredAt returns the desired VU count at elapsed.
func (tl *Timeline) DesiredAt(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}

	i := tl.StageAt(elapsed)
	if i >= len(tl.stages) {
		return tl.stages[len(tl.stages)-1].Target
	}

	stage := tl.stages[i]
	if stage.Hold {
		return stage.Target
	}

	prevTarget := 0
	if i > 0 {
		prevTarget = tl.stages[i-1].Target
	}

	progress := float64(elapsed-tl.StageStart(i)) / float64(stage.Duration)
	if progress > 1 {
		progress = 1
	}

	desired := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
	return int(desired + 0.5) // Round to nearest
}

// MaxTarget returns the highest target across all stages.
func (tl *Timeline) MaxTarget() int {
	max := 0
	for _, s := range tl.stages {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}
