package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stagehand/internal/config"
	"github.com/wesleyorama2/stagehand/internal/output"
)

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a test configuration without running it",
		Long: `Parse and compile a test configuration, reporting every problem found.
Exits 2 when the configuration is invalid.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			if configFile == "" {
				return usageError(errors.New("--config is required"))
			}
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return usageError(err)
			}
			plan, err := cfg.Compile()
			if err != nil {
				return usageError(err)
			}

			colors := output.NewColorScheme(output.ColorEnabled(cmd.OutOrStdout(), a.v.GetBool("no-color")))
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s is valid: %d stages over %s, %d checks, %d thresholds\n",
				colors.Success.Sprint("✓"), plan.Name, len(plan.Stages), plan.TotalDuration(),
				len(plan.Checks), plan.ThresholdCount())
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "Configuration file (YAML or JSON)")
	return cmd
}
