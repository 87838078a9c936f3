package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stagehand/internal/targetserver"
)

func newServeCmd(a *app) *cobra.Command {
	defaults := targetserver.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reverse geocoder test target",
		Long: `Serve a small reverse geocoder to load test against.

  GET /?lat=50.9&lng=7.2&results=2

returns the nearest cities as a GeoJSON FeatureCollection. A global token
bucket quota answers 429 when exceeded, and --fail-rate injects 500s.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serveConfig(cmd)
			if err != nil {
				return usageError(err)
			}
			cfg.Logger = a.logger

			srv, err := targetserver.New(cfg)
			if err != nil {
				return usageError(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.ListenAndServe(ctx, func(addr string) {
				fmt.Fprintf(cmd.OutOrStdout(), "Geocoder listening on http://%s (%d cities)\n", addr, len(cfg.Cities))
			})
		},
	}

	cmd.Flags().String("addr", defaults.Addr, "Listen address")
	cmd.Flags().Int("quota-burst", defaults.QuotaBurst, "Requests allowed in a burst, 0 disables the quota")
	cmd.Flags().Duration("quota-interval", defaults.QuotaInterval, "Time to replenish one request of quota")
	cmd.Flags().Float64("fail-rate", 0, "Fraction of geocode requests answered with 500")
	cmd.Flags().Duration("latency", 0, "Delay added to every geocode response")
	cmd.Flags().String("data", "", "GeoNames cities TSV file (default: built-in cities)")
	cmd.Flags().String("server-version", defaults.Version, "Value of the X-Version response header")
	return cmd
}

func serveConfig(cmd *cobra.Command) (targetserver.Config, error) {
	cfg := targetserver.DefaultConfig()
	cfg.Addr, _ = cmd.Flags().GetString("addr")
	cfg.QuotaBurst, _ = cmd.Flags().GetInt("quota-burst")
	cfg.QuotaInterval, _ = cmd.Flags().GetDuration("quota-interval")
	cfg.FailRate, _ = cmd.Flags().GetFloat64("fail-rate")
	cfg.Latency, _ = cmd.Flags().GetDuration("latency")
	cfg.Version, _ = cmd.Flags().GetString("server-version")

	cfg.Cities = targetserver.BuiltinCities()
	if path, _ := cmd.Flags().GetString("data"); path != "" {
		cities, err := targetserver.LoadGeonames(path)
		if err != nil {
			return cfg, err
		}
		cfg.Cities = cities
	}
	return cfg, cfg.Validate()
}
