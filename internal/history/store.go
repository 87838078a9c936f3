// Package history keeps a local record of completed runs in a bbolt file.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wesleyorama2/stagehand/internal/engine"
	"github.com/wesleyorama2/stagehand/internal/metrics"
)

const (
	// BucketRuns holds entries keyed by start time, so cursor order is run order.
	BucketRuns = "runs"
	// BucketIndex maps run ids to their key in BucketRuns.
	BucketIndex = "index"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Entry is the stored summary of one run.
type Entry struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	StartTime time.Time     `json:"startTime"`
	Duration  time.Duration `json:"duration"`
	Passed    bool          `json:"passed"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`

	Requests       int64   `json:"requests"`
	FailedRate     float64 `json:"failedRate"`
	ChecksRate     float64 `json:"checksRate"`
	P95LatencyMs   float64 `json:"p95LatencyMs"`
	FailedCriteria int     `json:"failedThresholds"`
}

// FromResult summarises a run result.
func FromResult(r *engine.Result) Entry {
	e := Entry{
		ID:             r.RunID,
		Name:           r.Name,
		StartTime:      r.StartTime,
		Duration:       r.Duration,
		Passed:         r.Passed,
		Cancelled:      r.Cancelled,
		Degraded:       r.Degraded,
		FailedCriteria: len(r.FailedThresholds()),
	}
	snap := r.Metrics
	e.Requests = snap.Count(metrics.MetricHTTPReqs)
	if m := snap.Metric(metrics.MetricHTTPReqFailed); m != nil {
		e.FailedRate = m.Rate
	}
	if m := snap.Metric(metrics.MetricChecks); m != nil {
		e.ChecksRate = m.Rate
	}
	if m := snap.Metric(metrics.MetricHTTPReqDuration); m != nil && m.Trend != nil {
		e.P95LatencyMs = m.Trend.P95
	}
	return e
}

// Store is a bbolt-backed run history.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("error creating history directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("error opening history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketRuns, BucketIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing history: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(e Entry) []byte {
	// Zero-padded so byte order equals time order.
	return []byte(fmt.Sprintf("%020d-%s", e.StartTime.UnixNano(), e.ID))
}

// Save stores e, replacing any entry with the same id.
func (s *Store) Save(e Entry) error {
	if e.ID == "" {
		return errors.New("entry id is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		index := tx.Bucket([]byte(BucketIndex))

		if old := index.Get([]byte(e.ID)); old != nil {
			if err := runs.Delete(old); err != nil {
				return err
			}
		}
		key := entryKey(e)
		if err := runs.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(e.ID), key)
	})
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt history entry %s: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Get returns the entry for run id.
func (s *Store) Get(id string) (*Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket([]byte(BucketIndex)).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket([]byte(BucketRuns)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}
