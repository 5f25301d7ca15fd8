package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zeketx/limitguard/internal/blocklist"
	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/config"
	"github.com/zeketx/limitguard/internal/enforcer"
	"github.com/zeketx/limitguard/internal/engine"
	"github.com/zeketx/limitguard/internal/metrics"
	"github.com/zeketx/limitguard/internal/server"
	"github.com/zeketx/limitguard/internal/store"
	"github.com/zeketx/limitguard/internal/violations"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the limitguard HTTP server",
		Long: `Starts the enforcement server.

Endpoints:
  GET  /                        Server info
  GET  /health                  Health check
  GET  /api/check               Evaluate using client identity
  GET  /api/check/:identifier   Evaluate for a specific identifier
  GET  /api/usage/:identifier   Usage, block and violation state
  POST /api/unblock/:identifier Lift a quarantine
  POST /api/reset/:identifier   Clear one counter window
  GET  /metrics                 Prometheus metrics
  WS   /ws                      Security alert stream`,
		Example: `  limitguard serve
  limitguard serve --config limitguard.yaml
  limitguard serve --addr :9090 --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := hclog.New(&hclog.LoggerOptions{
				Name:  "limitguard",
				Level: hclog.LevelFromString(logLevel),
			})

			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.LoadFile(configPath)
				if err != nil {
					return err
				}
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			reg, err := cfg.Registry()
			if err != nil {
				return err
			}

			clk := clock.NewRealClock()
			st, cleanup, err := buildStore(cfg, clk, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			preg := prometheus.NewRegistry()
			rec := metrics.New(preg)
			blocks := blocklist.New(st, clk, logger.Named("blocklist"))
			mon := violations.NewMonitor(cfg.MonitorSettings(), st, blocks, clk, logger.Named("monitor"), rec)
			defer mon.Close()

			eng := engine.New(reg, st, mon, clk, logger.Named("engine"), rec)
			enf := enforcer.New(reg, eng, blocks, mon, clk, logger.Named("enforcer"), rec)

			srv := server.New(cfg.Server.Addr, enf, clk, logger.Named("server"), preg)

			logger.Info("starting", "addr", cfg.Server.Addr, "store", cfg.Store.Backend, "rules", reg.Len())

			// Graceful shutdown on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	return cmd
}

func buildStore(cfg config.Config, clk clock.Clock, logger hclog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		rcfg := cfg.RedisSettings()
		st, err := store.NewRedis(&rcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("closing redis", "error", err)
			}
		}, nil
	default:
		logger.Warn("memory store is single-process only, counters are not shared")
		return store.NewMemory(clk), func() {}, nil
	}
}
