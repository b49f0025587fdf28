package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AdnanHimself/couple-steps-sub000/internal/outbox"
	httptransport "github.com/AdnanHimself/couple-steps-sub000/internal/transport/http"
)

// NewDLQCommand runs the outbox dead-letter manager.
func NewDLQCommand(opts *RootOptions) *cobra.Command {
	var (
		once           bool
		metricsAddress string
	)

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Requeue or quarantine outbox events that failed to publish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.Config
			logger := opts.Logger.Named("dlq")
			if cfg.PostgresURL == "" {
				return errors.New("POSTGRES_URL is required for the dlq manager")
			}

			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pool.Close()

			manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, outbox.WithDLQLogger(logger))
			runOnce := func(ctx context.Context) {
				processed, err := manager.RunOnce(ctx, cfg.DLQBatchSize)
				if err != nil {
					logger.Warn("dlq pass failed", zap.Error(err))
					return
				}
				if processed > 0 {
					logger.Info("dlq pass processed entries", zap.Int("processed", processed))
				}
			}

			if once {
				processed, err := manager.RunOnce(ctx, cfg.DLQBatchSize)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "processed %d dlq entries\n", processed)
				return err
			}

			if metricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srvCfg := httptransport.ServerConfig{Address: metricsAddress}
				srv := httptransport.NewServer(srvCfg, mux)
				go func() {
					if err := httptransport.Serve(ctx, srv, srvCfg, logger); err != nil {
						logger.Warn("metrics server stopped", zap.Error(err))
					}
				}()
			}

			scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.DLQPollInterval), func() { runOnce(ctx) }); err != nil {
				return fmt.Errorf("schedule dlq manager: %w", err)
			}

			logger.Info("dlq manager started",
				zap.Duration("interval", cfg.DLQPollInterval),
				zap.Int("max_retries", cfg.DLQMaxRetries),
			)
			scheduler.Start()
			runOnce(ctx)

			<-ctx.Done()
			<-scheduler.Stop().Done()
			logger.Info("dlq manager stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	return cmd
}
