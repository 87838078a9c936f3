package engine

import (
	"time"

	"github.com/wesleyorama2/stagehand/internal/metrics"
	"github.com/wesleyorama2/stagehand/internal/threshold"
)

// Result contains the complete run results.
type Result struct {
	// Run metadata
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	// Passed is the AND of every stage and run threshold.
	Passed bool `json:"passed"`
	// Cancelled is set when the run was interrupted before the timeline ended.
	Cancelled bool `json:"cancelled,omitempty"`

	// Degraded is set when VUs had to be force-terminated after the graceful stop period.
	Degraded    bool `json:"degraded,omitempty"`
	ForcedStops int  `json:"forcedStops,omitempty"`

	VUsSpawned    int `json:"vusSpawned"`
	StagesReached int `json:"stagesReached"`

	Checks     []CheckSummary     `json:"checks"`
	Stages     []StageResult      `json:"stages"`
	Thresholds []threshold.Result `json:"thresholds,omitempty"`

	Metrics *metrics.Snapshot `json:"metrics"`
}

// FailedThresholds returns every failing threshold, stage thresholds first.
func (r *Result) FailedThresholds() []threshold.Result {
	var failed []threshold.Result
	for _, s := range r.Stages {
		for _, t := range s.Thresholds {
			if !t.Passed {
				failed = append(failed, t)
			}
		}
	}
	for _, t := range r.Thresholds {
		if !t.Passed {
			failed = append(failed, t)
		}
	}
	return failed
}

// StageResult holds the evaluation of one stage window.
type StageResult struct {
	Index      int                `json:"index"`
	Name       string             `json:"name"`
	Target     int                `json:"target"`
	Hold       bool               `json:"hold,omitempty"`
	Duration   time.Duration      `json:"duration"`
	Elapsed    time.Duration      `json:"elapsed"`
	Passed     bool               `json:"passed"`
	Thresholds []threshold.Result `json:"thresholds,omitempty"`
	Checks     []CheckSummary     `json:"checks,omitempty"`
}

// CheckSummary is the final pass/total count of one named check.
type CheckSummary struct {
	Name   string  `json:"name"`
	Passes int64   `json:"passes"`
	Fails  int64   `json:"fails"`
	Total  int64   `json:"total"`
	Rate   float64 `json:"rate"`
	NoData bool    `json:"noData,omitempty"`
}

func summarizeChecks(snap *metrics.Snapshot) []CheckSummary {
	var out []CheckSummary
	for _, m := range snap.Checks() {
		name, _ := metrics.CheckName(m.Name)
		out = append(out, CheckSummary{
			Name:   name,
			Passes: m.Passes,
			Fails:  m.Fails,
			Total:  m.Total,
			Rate:   m.Rate,
			NoData: m.NoData(),
		})
	}
	return out
}
