// Package output provides console output for stagehand runs.
package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/stagehand/internal/config"
	"github.com/wesleyorama2/stagehand/internal/engine"
	"github.com/wesleyorama2/stagehand/internal/metrics"
	"github.com/wesleyorama2/stagehand/internal/threshold"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"
	boxRule        = "─"

	progressFilled = "█"
	progressEmpty  = "░"

	ruleWidth = 56
	boxWidth  = 55
)

// Source is the live view of a running test. *engine.Engine implements it.
type Source interface {
	Snapshot() *metrics.Snapshot
	Progress() float64
	CurrentStage() int
}

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs  int
	DesiredVUs int

	// CurrentRPS is measured over the last update interval.
	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64

	// ChecksRate is the aggregate pass rate; ChecksTotal is zero before any check ran.
	ChecksRate  float64
	ChecksTotal int64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	StageName    string
	CurrentStage int // 1-indexed, 0 before the first stage
	TotalStages  int
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer io.Writer
	Quiet  bool
	// NoColor disables color even on a terminal.
	NoColor bool
	// ForceTTY enables live redraws on non-terminal writers.
	ForceTTY bool
	// UpdateInterval is the live redraw period on a terminal.
	UpdateInterval time.Duration
	// PlainInterval is the period of one-line updates when not on a terminal.
	PlainInterval time.Duration
}

// Console manages console output during a run.
type Console struct {
	writer         io.Writer
	colors         *ColorScheme
	isTTY          bool
	quiet          bool
	updateInterval time.Duration
	plainInterval  time.Duration

	mu          sync.Mutex
	linesOutput int

	totalDuration time.Duration
	stageNames    []string
}

// NewConsole creates a console writer.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	if cfg.PlainInterval <= 0 {
		cfg.PlainInterval = 10 * time.Second
	}
	return &Console{
		writer:         cfg.Writer,
		colors:         NewColorScheme(ColorEnabled(cfg.Writer, cfg.NoColor)),
		isTTY:          cfg.ForceTTY || IsTerminal(cfg.Writer),
		quiet:          cfg.Quiet,
		updateInterval: cfg.UpdateInterval,
		plainInterval:  cfg.PlainInterval,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test name, target and stage plan.
func (c *Console) PrintHeader(plan *config.Plan, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalDuration = plan.TotalDuration()
	c.stageNames = make([]string, len(plan.Stages))
	for i, s := range plan.Stages {
		c.stageNames[i] = s.Name
	}
	if c.quiet {
		return
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	c.writeln(rule)
	c.writeln(c.colors.Title.Sprintf("%s - Running", plan.Name))
	c.writeln(rule)
	if plan.Description != "" {
		c.writeln(plan.Description)
	}

	if u, err := plan.Request.ResolvedURL(); err == nil {
		c.writeln(fmt.Sprintf("Target:   %s %s", plan.Request.Method, c.colors.Value.Sprint(u.String())))
	}
	c.writeln(fmt.Sprintf("Run ID:   %s", c.colors.Dim.Sprint(runID)))
	c.writeln(fmt.Sprintf("Duration: %s (+%s graceful stop)", formatDuration(c.totalDuration), formatDuration(plan.GracefulStop)))
	c.writeln("Stages:")
	for _, s := range plan.Stages {
		shape := "ramp to"
		if s.Hold {
			shape = "hold at"
		}
		c.writeln(fmt.Sprintf("  %s %s %d VUs over %s",
			c.colors.Stage.Sprint(s.Name), shape, s.Target, formatDuration(s.Duration)))
	}
	c.writeln("")
}

// Watch renders live progress from src until ctx is done. On a terminal the
// display is redrawn in place; otherwise a line is printed every PlainInterval.
func (c *Console) Watch(ctx context.Context, src Source) {
	if c.quiet {
		return
	}
	interval := c.updateInterval
	if !c.isTTY {
		interval = c.plainInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevReqs int64
	prevAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := src.Snapshot()
			stats := c.StatsFrom(snap, src.Progress(), src.CurrentStage())
			if dt := now.Sub(prevAt).Seconds(); dt > 0 {
				stats.CurrentRPS = float64(stats.TotalRequests-prevReqs) / dt
			}
			prevReqs, prevAt = stats.TotalRequests, now

			if c.isTTY {
				c.Update(stats)
			} else {
				c.PrintPlainUpdate(stats)
			}
		}
	}
}

// StatsFrom builds LiveStats from a run total snapshot.
func (c *Console) StatsFrom(snap *metrics.Snapshot, progress float64, stage int) *LiveStats {
	c.mu.Lock()
	total := c.totalDuration
	names := c.stageNames
	c.mu.Unlock()

	stats := &LiveStats{
		Progress:    progress,
		TotalStages: len(names),
		StageName:   "starting",
	}
	if stage >= 0 && stage < len(names) {
		stats.CurrentStage = stage + 1
		stats.StageName = names[stage]
	}
	if snap == nil {
		return stats
	}

	stats.Elapsed = snap.Elapsed
	if total > snap.Elapsed {
		stats.Remaining = total - snap.Elapsed
	}
	stats.ActiveVUs = snap.ActiveVUs
	stats.DesiredVUs = snap.DesiredVUs
	stats.TotalRequests = snap.Count(metrics.MetricHTTPReqs)
	if failed := snap.Metric(metrics.MetricHTTPReqFailed); failed != nil {
		stats.Errors = failed.Passes
		stats.ErrorRate = failed.Rate
	}
	if checks := snap.Metric(metrics.MetricChecks); checks != nil {
		stats.ChecksRate = checks.Rate
		stats.ChecksTotal = checks.Total
	}
	if d := snap.Metric(metrics.MetricHTTPReqDuration); d != nil && d.Trend != nil {
		stats.LatencyP95 = msToDuration(d.Trend.P95)
		stats.LatencyAvg = msToDuration(d.Trend.Avg)
	}
	return stats
}

// Update redraws the live display in place.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLiveLocked()
	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *Console) clearLiveLocked() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *Console) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.Success.Sprint(renderProgressBar(stats.Progress, 40)),
		c.colors.Title.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.Dim.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))))

	stage := stats.StageName
	if stats.TotalStages > 0 {
		stage = fmt.Sprintf("%s (%d/%d)", stats.StageName, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", c.colors.Stage.Sprint(stage)))
	lines = append(lines, "")

	lines = append(lines, c.colors.Dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))
	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("VUs:     %s / %d", c.colors.Value.Sprintf("%d", stats.ActiveVUs), stats.DesiredVUs),
		fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(stats.TotalRequests)))))

	errColor := c.colors.Success
	if stats.ErrorRate > 0.01 {
		errColor = c.colors.Warn
	}
	if stats.ErrorRate > 0.05 {
		errColor = c.colors.Error
	}
	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("RPS:     %s", c.colors.Success.Sprintf("%.1f", stats.CurrentRPS)),
		fmt.Sprintf("Errors:      %s", errColor.Sprintf("%d (%.1f%%)", stats.Errors, stats.ErrorRate*100))))

	checks := c.colors.Dim.Sprint("no data")
	if stats.ChecksTotal > 0 {
		checkColor := c.colors.Success
		if stats.ChecksRate < 1 {
			checkColor = c.colors.Warn
		}
		checks = checkColor.Sprint(formatPercent(stats.ChecksRate))
	}
	lines = append(lines, c.formatBoxRow(
		fmt.Sprintf("P95:     %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyP95))),
		fmt.Sprintf("Checks:      %s", checks)))

	lines = append(lines, c.colors.Dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))
	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := colWidth - visibleWidth(left)
	if leftPadding < 0 {
		leftPadding = 0
	}
	rightPadding := colWidth - visibleWidth(right)
	if rightPadding < 0 {
		rightPadding = 0
	}

	bar := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		bar, left, strings.Repeat(" ", leftPadding),
		bar, right, strings.Repeat(" ", rightPadding),
		bar)
}

// PrintPlainUpdate prints a one-line status for non-terminal output such as CI logs.
func (c *Console) PrintPlainUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	checks := "n/a"
	if stats.ChecksTotal > 0 {
		checks = formatPercent(stats.ChecksRate)
	}
	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | Stage: %s (%d/%d) | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | Checks: %s | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.StageName, stats.CurrentStage, stats.TotalStages,
		stats.ActiveVUs, stats.DesiredVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors, stats.ErrorRate*100,
		checks,
		formatDurationShort(stats.LatencyP95)))
}

// PrintSummary prints the final run summary.
func (c *Console) PrintSummary(result *engine.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.Success.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Error.Sprint("FAILED"))
		}
		return
	}

	if c.isTTY {
		c.clearLiveLocked()
	}

	rule := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, ruleWidth))
	status := c.colors.Success.Sprint("Completed " + iconPass)
	switch {
	case result.Cancelled:
		status = c.colors.Warn.Sprint("Interrupted")
	case !result.Passed:
		status = c.colors.Error.Sprint("Failed " + iconFail)
	}

	c.writeln("")
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(result.Name), status))
	c.writeln(rule)
	c.writeln("")

	snap := result.Metrics
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(result.Duration))))
	c.writeln(fmt.Sprintf("VUs Spawned:   %s", c.colors.Value.Sprint(result.VUsSpawned)))
	c.writeln(fmt.Sprintf("Iterations:    %s", c.colors.Value.Sprint(formatNumber(snap.Count(metrics.MetricIterations)))))
	c.writeln(fmt.Sprintf("Total Reqs:    %s", c.colors.Value.Sprint(formatNumber(snap.Count(metrics.MetricHTTPReqs)))))
	if failed := snap.Metric(metrics.MetricHTTPReqFailed); failed != nil && failed.Total > 0 {
		c.writeln(fmt.Sprintf("Failed Reqs:   %s", c.rateColor(1-failed.Rate).Sprintf("%s (%d)", formatPercent(failed.Rate), failed.Passes)))
	}
	c.writeln(fmt.Sprintf("Data Received: %s", c.colors.Value.Sprint(formatBytes(snap.Count(metrics.MetricDataReceived)))))
	if result.Degraded {
		c.writeln(c.colors.Warn.Sprintf("Shutdown:      degraded, %d VUs force-stopped after graceful stop", result.ForcedStops))
	}
	c.writeln("")

	c.writeln(c.colors.Label.Sprint("Checks:"))
	for _, ch := range result.Checks {
		c.writeln("  " + c.formatCheck(ch))
	}
	c.writeln("")

	if d := snap.Metric(metrics.MetricHTTPReqDuration); d != nil && d.Trend != nil && d.Trend.Count > 0 {
		t := d.Trend
		c.writeln(c.colors.Label.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(msToDuration(t.Min))))
		c.writeln(fmt.Sprintf("  Avg:       %s", formatDurationShort(msToDuration(t.Avg))))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(msToDuration(t.Med))))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(msToDuration(t.P90))))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(msToDuration(t.P95))))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(msToDuration(t.P99))))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(msToDuration(t.Max))))
		c.writeln("")
	}

	c.writeln(c.colors.Label.Sprint("Stages:"))
	for _, s := range result.Stages {
		mark := c.colors.passIcon()
		if !s.Passed {
			mark = c.colors.failIcon()
		}
		shape := "ramp to"
		if s.Hold {
			shape = "hold at"
		}
		c.writeln(fmt.Sprintf("  %s %s %s %d VUs over %s",
			mark, c.colors.Stage.Sprint(s.Name), shape, s.Target, formatDuration(s.Duration)))
		for _, t := range s.Thresholds {
			c.writeln("      " + c.formatThreshold(t))
		}
	}
	c.writeln("")

	if len(result.Thresholds) > 0 {
		c.writeln(c.colors.Label.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			c.writeln("  " + c.formatThreshold(t))
		}
		c.writeln("")
	}

	verdict := c.colors.Success.Sprint("PASSED")
	if !result.Passed {
		verdict = c.colors.Error.Sprintf("FAILED (%d thresholds crossed)", len(result.FailedThresholds()))
	}
	c.writeln(fmt.Sprintf("Result:        %s", verdict))
	c.writeln(c.colors.Rule.Sprint(strings.Repeat(boxRule, ruleWidth)))
}

func (c *Console) formatCheck(ch engine.CheckSummary) string {
	if ch.NoData {
		return fmt.Sprintf("%s %s %s", c.colors.noDataIcon(), ch.Name, c.colors.Dim.Sprint("no data"))
	}
	mark := c.colors.passIcon()
	if ch.Fails > 0 {
		mark = c.colors.failIcon()
	}
	return fmt.Sprintf("%s %s %s (%d/%d)", mark, ch.Name,
		c.rateColor(ch.Rate).Sprint(formatPercent(ch.Rate)), ch.Passes, ch.Total)
}

func (c *Console) formatThreshold(t threshold.Result) string {
	switch {
	case t.NoData:
		return fmt.Sprintf("%s %s %s %s", c.colors.noDataIcon(), t.Metric, t.Expression, c.colors.Dim.Sprint("(no data)"))
	case !t.Passed:
		return fmt.Sprintf("%s %s %s %s", c.colors.failIcon(), t.Metric, t.Expression, c.colors.Error.Sprintf("(%s)", t.Message))
	default:
		return fmt.Sprintf("%s %s %s (actual: %s)", c.colors.passIcon(), t.Metric, t.Expression, t.FormattedValue())
	}
}

func (c *Console) rateColor(rate float64) *color.Color {
	switch {
	case rate >= 0.99:
		return c.colors.Success
	case rate >= 0.95:
		return c.colors.Warn
	default:
		return c.colors.Error
	}
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}
