package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stagehand/internal/config"
	"github.com/wesleyorama2/stagehand/internal/engine"
	"github.com/wesleyorama2/stagehand/internal/history"
	"github.com/wesleyorama2/stagehand/internal/output"
	"github.com/wesleyorama2/stagehand/internal/promexport"
	"github.com/wesleyorama2/stagehand/internal/report"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a staged load test",
		Long: `Run a load test from a configuration file or from flags.

Config file mode:
  stagehand run -c test.yaml

Quick mode:
  stagehand run --url http://127.0.0.1:5353/?lat=50.9&lng=7.2 \
    --stages "5s:10,25s:20" \
    --threshold "checks:rate>0.9" \
    --sleep 100ms

The process exits 0 when every threshold passed, 1 when a threshold
failed or the run was interrupted, and 2 on a configuration error.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.bind(cmd, "metrics-addr", "history")
			return a.runTest(cmd)
		},
	}

	cmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	cmd.Flags().String("url", "", "URL to test (alternative to --config)")
	cmd.Flags().String("method", config.DefaultMethod, "HTTP method in quick mode")
	cmd.Flags().String("stages", "", "Stages in format 'duration:target,...'; suffix a target with h to hold")
	cmd.Flags().StringArray("threshold", nil, "Run threshold 'metric:expression' (repeatable)")
	cmd.Flags().String("sleep", "", "Pause between iterations of one VU (e.g. 100ms)")
	cmd.Flags().String("timeout", "", "Request timeout")
	cmd.Flags().String("grace", "", "Graceful stop period for in-flight iterations")
	cmd.Flags().StringP("out", "o", "", "Write the JSON report to this file ('-' for stdout)")
	cmd.Flags().BoolP("quiet", "q", false, "Disable live progress output, show only the verdict")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().String("history", "", "Record the run summary in this history database")
	return cmd
}

// buildTestConfig loads the test from --config or assembles it from quick
// mode flags. --threshold adds run thresholds in either mode.
func buildTestConfig(cmd *cobra.Command) (*config.TestConfig, error) {
	configFile, _ := cmd.Flags().GetString("config")
	url, _ := cmd.Flags().GetString("url")
	stages, _ := cmd.Flags().GetString("stages")
	thresholds, _ := cmd.Flags().GetStringArray("threshold")

	var cfg *config.TestConfig
	switch {
	case configFile != "" && url != "":
		return nil, errors.New("use either --config or --url, not both")
	case configFile != "":
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	case url != "":
		if stages == "" {
			return nil, errors.New("--stages is required with --url")
		}
		parsed, err := config.ParseStages(stages)
		if err != nil {
			return nil, fmt.Errorf("invalid --stages: %w", err)
		}
		method, _ := cmd.Flags().GetString("method")
		cfg = &config.TestConfig{
			Target: config.TargetConfig{Method: method, URL: url},
			Stages: parsed,
		}
	default:
		return nil, errors.New("either --config or --url is required")
	}

	if v, _ := cmd.Flags().GetString("sleep"); v != "" {
		cfg.Sleep = v
	}
	if v, _ := cmd.Flags().GetString("timeout"); v != "" {
		cfg.Target.Timeout = v
	}
	if v, _ := cmd.Flags().GetString("grace"); v != "" {
		cfg.GracefulStop = v
	}

	for _, t := range thresholds {
		metric, expr, err := config.ParseThresholdFlag(t)
		if err != nil {
			return nil, err
		}
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string][]string)
		}
		cfg.Thresholds[metric] = append(cfg.Thresholds[metric], expr)
	}
	return cfg, nil
}

func (a *app) runTest(cmd *cobra.Command) error {
	cfg, err := buildTestConfig(cmd)
	if err != nil {
		return usageError(err)
	}
	plan, err := cfg.Compile()
	if err != nil {
		return usageError(err)
	}

	eng, err := engine.New(plan, engine.WithLogger(a.logger))
	if err != nil {
		return usageError(err)
	}

	out, _ := cmd.Flags().GetString("out")
	quiet, _ := cmd.Flags().GetBool("quiet")

	// The report owns stdout when it is written there.
	var consoleOut io.Writer = cmd.OutOrStdout()
	if out == report.Stdout {
		consoleOut = cmd.ErrOrStderr()
	}
	console := output.NewConsole(output.ConsoleConfig{
		Writer:  consoleOut,
		Quiet:   quiet,
		NoColor: a.v.GetBool("no-color"),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopExporter, err := a.startExporter(eng)
	if err != nil {
		return usageError(err)
	}
	defer stopExporter()

	console.PrintHeader(plan, eng.RunID())

	watchCtx, stopWatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		console.Watch(watchCtx, eng)
	}()

	result, runErr := eng.Run(ctx)
	stopWatch()
	wg.Wait()
	if runErr != nil {
		return failure(fmt.Errorf("run failed: %w", runErr))
	}

	console.PrintSummary(result)

	if out != "" {
		if err := report.WriteFile(out, result, cmd.OutOrStdout()); err != nil {
			return failure(err)
		}
	}
	if err := a.recordHistory(result); err != nil {
		return failure(err)
	}

	switch {
	case result.Cancelled:
		return failure(errors.New("run interrupted"))
	case !result.Passed:
		return failure(fmt.Errorf("%d thresholds crossed", len(result.FailedThresholds())))
	}
	return nil
}

// startExporter serves Prometheus metrics for eng when --metrics-addr is
// set. The returned func stops the server and waits for it.
func (a *app) startExporter(eng *engine.Engine) (func(), error) {
	addr := a.v.GetString("metrics-addr")
	if addr == "" {
		return func() {}, nil
	}
	srv, err := promexport.Listen(addr, eng, eng.RunID(), a.logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx); err != nil {
			a.logger.Error("metrics exporter stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (a *app) recordHistory(result *engine.Result) error {
	path := a.v.GetString("history")
	if path == "" {
		return nil
	}
	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(history.FromResult(result)); err != nil {
		return err
	}
	a.logger.Debug("run recorded", zap.String("run", result.RunID), zap.String("history", path))
	return nil
}
