package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tangramdotdev/tangram/api"
	"github.com/tangramdotdev/tangram/config"
	"github.com/tangramdotdev/tangram/metrics"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), logger, cfg)
		},
	}
	cmd.Flags().String("listen", config.DefaultConfig().Listen, "listen address")
	cmd.Flags().Int("metrics-port", 0, "prometheus metrics port, 0 to disable")
	cmd.Flags().Float64("session-rate", 0, "max sync sessions per second, 0 for unlimited")
	return cmd
}

func serve(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, db, err := openStore(logger, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	remotes := make(map[string]*api.Client, len(cfg.Remotes))
	for name, base := range cfg.Remotes {
		remotes[name] = api.NewClient(logger, base)
	}
	var opts []api.HandlerOpt
	if cfg.SessionRate > 0 {
		opts = append(opts, api.WithRateLimit(rate.Limit(cfg.SessionRate), 1))
	}
	handler := api.NewHandler(logger, st, cfg.Sync, remotes, opts...)
	mux := http.NewServeMux()
	handler.Register(mux)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.CleanInterval > 0 {
		eg.Go(func() error {
			ticker := time.NewTicker(cfg.CleanInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					removed, err := st.Clean(ctx, cfg.CleanGrace)
					if err != nil {
						logger.Warn("clean failed", zap.Error(err))
						continue
					}
					logger.Info("clean complete", zap.Int("removed", removed))
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	if cfg.MetricsPort > 0 {
		metrics.StartCollectingMetrics(logger, cfg.MetricsPort)
	}
	return eg.Wait()
}
