// Package workload provides the per-iteration work a virtual user performs.
package workload

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/wesleyorama2/stagehand/internal/check"
	"github.com/wesleyorama2/stagehand/internal/httpclient"
	"github.com/wesleyorama2/stagehand/internal/scheduler"
)

// DefaultMaxLoggedBody is how many bytes of a failing response body are logged.
const DefaultMaxLoggedBody = 1024

// Recorder receives request and check outcomes. *metrics.Aggregator implements it.
type Recorder interface {
	Record(check string, passed bool)
	RecordRequest(d time.Duration, failed bool, bytes int64)
}

// Doer executes one HTTP request. *httpclient.Client implements it.
type Doer interface {
	Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

// HTTP sends one request per iteration and evaluates every check on the response.
type HTTP struct {
	client   Doer
	request  *httpclient.Request
	checks   []*check.Check
	recorder Recorder
	logger   *zap.Logger
	maxBody  int
}

// Option configures an HTTP workload.
type Option func(*HTTP)

// WithLogger sets the logger that receives check failure lines.
func WithLogger(logger *zap.Logger) Option {
	return func(w *HTTP) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMaxLoggedBody caps the logged body length. Zero disables body logging.
func WithMaxLoggedBody(n int) Option {
	return func(w *HTTP) {
		w.maxBody = n
	}
}

// NewHTTP creates an HTTP workload.
func NewHTTP(client Doer, req *httpclient.Request, checks []*check.Check, recorder Recorder, opts ...Option) *HTTP {
	w := &HTTP{
		client:   client,
		request:  req,
		checks:   checks,
		recorder: recorder,
		logger:   zap.NewNop(),
		maxBody:  DefaultMaxLoggedBody,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Iterate performs one iteration. It has the scheduler.Workload signature and
// never returns an error: every outcome is recorded, except an iteration whose
// context was cancelled, which records nothing.
func (w *HTTP) Iterate(ctx context.Context, vu *scheduler.VirtualUser) {
	start := time.Now()
	resp, err := w.client.Do(ctx, w.request)
	if err != nil && ctx.Err() != nil {
		// The iteration was cancelled by a forced shutdown. It is counted as
		// a forced stop, not as a failed request.
		w.logger.Debug("iteration interrupted",
			zap.Int("vu", vu.ID),
			zap.Int64("iteration", vu.Iteration()),
			zap.Error(err))
		return
	}
	if err != nil {
		w.recorder.RecordRequest(time.Since(start), true, 0)
		for _, c := range w.checks {
			res := c.Failed(err)
			w.recorder.Record(res.Name, false)
			w.logger.Warn("check failed",
				zap.String("check", res.Name),
				zap.Int("vu", vu.ID),
				zap.Int64("iteration", vu.Iteration()),
				zap.Error(err))
		}
		return
	}

	w.recorder.RecordRequest(resp.Duration(), resp.StatusCode >= 400, int64(len(resp.Body)))

	for _, c := range w.checks {
		res := c.Evaluate(resp)
		w.recorder.Record(res.Name, res.Passed)
		if res.Passed {
			continue
		}
		w.logger.Warn("check failed",
			zap.String("check", res.Name),
			zap.Int("vu", vu.ID),
			zap.Int64("iteration", vu.Iteration()),
			zap.Int("status", resp.StatusCode),
			zap.String("reason", res.Message),
			zap.String("body", truncate(resp.Body, w.maxBody)))
	}
}

// truncate returns at most max bytes of body without splitting a UTF-8 rune.
func truncate(body []byte, max int) string {
	if max <= 0 {
		return ""
	}
	if len(body) <= max {
		return string(body)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "...(truncated)"
}
