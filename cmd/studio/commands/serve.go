package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics endpoint and policy watcher",
		Long: `Run the long-lived parts of the control plane until interrupted: the
Prometheus metrics endpoint, the policy directory watcher and a periodic
refresh of the managed resources gauge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if refresh <= 0 {
				return fmt.Errorf("--refresh must be positive")
			}
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				server, err := a.tel.StartMetricsServer()
				if err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				if server != nil {
					log.Info().Str("address", server.Addr).Msg("Serving metrics")
					defer shutdownServer(server)
				}

				if a.policy != nil && a.cfg.Policy.Watch && a.cfg.Policy.Dir != "" {
					if err := a.policy.Watch(ctx, []string{a.cfg.Policy.Dir}); err != nil {
						return fmt.Errorf("failed to watch policies: %w", err)
					}
				}

				ticker := time.NewTicker(refresh)
				defer ticker.Stop()

				a.service.RefreshMetrics(ctx)
				for {
					select {
					case <-ctx.Done():
						log.Info().Msg("Shutting down")
						return nil
					case <-ticker.C:
						if err := a.store.HealthCheck(ctx); err != nil {
							log.Warn().Err(err).Msg("Store health check failed")
							continue
						}
						a.service.RefreshMetrics(ctx)
					}
				}
			})
		},
	}

	cmd.Flags().DurationVar(&refresh, "refresh", 30*time.Second, "interval between gauge refreshes")

	return cmd
}

func shutdownServer(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down metrics server")
	}
}
