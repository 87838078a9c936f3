// Package report writes machine-readable run results.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/wesleyorama2/stagehand/internal/engine"
)

// Stdout is the path that selects standard output.
const Stdout = "-"

// Version is the report format version.
const Version = 1

// Document is the top-level JSON report.
type Document struct {
	Version     int            `json:"version"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Result      *engine.Result `json:"result"`
}

// NewDocument wraps result in a report document.
func NewDocument(result *engine.Result) *Document {
	return &Document{
		Version:     Version,
		GeneratedAt: time.Now().UTC(),
		Result:      result,
	}
}

// Encode writes result as indented JSON to w.
func Encode(w io.Writer, result *engine.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(result)); err != nil {
		return fmt.Errorf("error encoding report: %w", err)
	}
	return nil
}

// WriteFile writes the report to path, or to stdout when path is "-". The
// file is written to a temporary sibling and renamed so readers never see a
// partial report.
func WriteFile(path string, result *engine.Result, stdout io.Writer) error {
	if path == Stdout {
		if stdout == nil {
			stdout = os.Stdout
		}
		return Encode(stdout, result)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".stagehand-report-*.json")
	if err != nil {
		return fmt.Errorf("error creating report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, result); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error writing report file: %w", err)
	}
	return nil
}

// ReadFile loads a report written by WriteFile.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading report file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing report file: %w", err)
	}
	return &doc, nil
}
