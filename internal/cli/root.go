package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stagehand/internal/logging"
)

var version = "0.1.0"

// EnvPrefix prefixes the environment variables bound to process settings,
// e.g. STAGEHAND_LOG_LEVEL or STAGEHAND_METRICS_ADDR.
const EnvPrefix = "STAGEHAND"

// app carries state shared by all commands of one invocation.
type app struct {
	v      *viper.Viper
	logger *zap.Logger
}

// NewRootCmd builds the stagehand command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRoot()
	return root
}

func newRoot() (*cobra.Command, *app) {
	a := &app{v: viper.New(), logger: zap.NewNop()}

	root := &cobra.Command{
		Use:     "stagehand",
		Short:   "A staged virtual-user load harness",
		Version: version,
		Long: `Stagehand runs a declarative load test against an HTTP endpoint.
Virtual users ramp through a list of stages, every response is checked,
and per-stage and whole-run thresholds decide whether the run passes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		Run: func(cmd *cobra.Command, args []string) {
			// If no subcommand is provided, print help
			_ = cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", logging.FormatConsole, "Log format: console or json")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")
	for _, name := range []string{"log-level", "log-format", "no-color"} {
		_ = a.v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newValidateCmd(a))
	root.AddCommand(newServeCmd(a))
	root.AddCommand(newHistoryCmd(a))
	return root, a
}

// setup binds the environment and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.v.SetEnvPrefix(EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	logger, err := logging.New(logging.Config{
		Level:  a.v.GetString("log-level"),
		Format: a.v.GetString("log-format"),
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return usageError(err)
	}
	a.logger = logger
	return nil
}

// bind attaches local flags of cmd to viper so their STAGEHAND_* variables
// apply. Several commands share keys, so binding happens when one runs.
func (a *app) bind(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = a.v.BindPFlag(name, f)
		}
	}
}

// Main runs stagehand with args and returns the process exit code.
func Main(args []string, stderr io.Writer) int {
	root, a := newRoot()
	root.SetArgs(args)
	root.SetErr(stderr)
	err := root.Execute()
	_ = a.logger.Sync()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}
