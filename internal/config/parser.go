package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/stagehand/internal/check"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultMethod            = "GET"
	DefaultSleep             = 100 * time.Millisecond
	DefaultGracefulStop      = 30 * time.Second
	DefaultReconcileInterval = 100 * time.Millisecond
	DefaultTimeout           = 30 * time.Second
)

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .json -> JSON
//   - anything else -> YAML
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data, choosing the format from the
// extension of path. An empty path is parsed as YAML.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a Go duration ("30s", "2m", "1h30m", "500ms")
// or a bare integer number of seconds. An empty string is zero.
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ParseStages parses the compact "duration:target,..." form, e.g.
// "5s:10,25s:20". A target suffixed with "h" (for example "1m:20h") is a hold stage.
func ParseStages(s string) ([]StageConfig, error) {
	var stages []StageConfig

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := strings.TrimSpace(part[:colonIdx])
		targetStr := strings.TrimSpace(part[colonIdx+1:])

		if _, err := ParseDurationString(durationStr); err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		hold := strings.HasSuffix(targetStr, "h")
		target, err := strconv.Atoi(strings.TrimSuffix(targetStr, "h"))
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}

		stages = append(stages, StageConfig{
			Duration: durationStr,
			Target:   target,
			Hold:     hold,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	return stages, nil
}

// ParseThresholdFlag parses "metric:expression", e.g. "checks:rate>0.9".
// The metric may contain a colon inside braces, as in checks{a:b}.
func ParseThresholdFlag(s string) (metric, expr string, err error) {
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ':':
			if depth != 0 {
				continue
			}
			metric = strings.TrimSpace(s[:i])
			expr = strings.TrimSpace(s[i+1:])
			if metric == "" || expr == "" {
				return "", "", fmt.Errorf("invalid threshold %q: expected 'metric:expression'", s)
			}
			return metric, expr, nil
		}
	}
	return "", "", fmt.Errorf("invalid threshold %q: expected 'metric:expression'", s)
}

// ApplyDefaults fills unset optional fields.
func (c *TestConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "stagehand"
	}
	if c.Target.Method == "" {
		c.Target.Method = DefaultMethod
	}
	c.Target.Method = strings.ToUpper(c.Target.Method)
	if c.Target.Timeout == "" {
		c.Target.Timeout = DefaultTimeout.String()
	}
	if c.Sleep == "" {
		c.Sleep = DefaultSleep.String()
	}
	if c.GracefulStop == "" {
		c.GracefulStop = DefaultGracefulStop.String()
	}
	if c.ReconcileInterval == "" {
		c.ReconcileInterval = DefaultReconcileInterval.String()
	}
	if len(c.Checks) == 0 {
		def := check.DefaultSpec()
		c.Checks = []CheckConfig{{
			Name:      def.Name,
			Type:      def.Type,
			Condition: def.Condition,
			Value:     def.Value,
		}}
	}
	for i := range c.Stages {
		if c.Stages[i].Name == "" {
			c.Stages[i].Name = fmt.Sprintf("stage-%d", i+1)
		}
	}
}
