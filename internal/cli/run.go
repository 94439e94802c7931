package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/medislot/medsync/internal/client"
	"github.com/medislot/medsync/internal/logging"
)

type runOptions struct {
	*RootOptions
	StatusInterval time.Duration
}

func newRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the queue in sync until interrupted",
		Long: `Run the connectivity monitor and reconciliation engine in the foreground.
Queued operations are replayed whenever the backend becomes reachable.
Prometheus metrics are served on metrics.addr when it is set.

Example:
  medsync run --config ./configs
  medsync run --status-interval 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.StatusInterval, "status-interval", time.Minute, "how often to log queue status (0 disables)")
	return cmd
}

func runService(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	copts := opts.Client
	if copts.Logger == nil {
		if err := logging.Initialize(cfg.Logging); err != nil {
			return WrapExitError(ExitCommandError, "failed to initialize logging", err)
		}
		defer logging.Shutdown()
		copts.Logger = slog.Default()
	}
	logger := copts.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(cfg, copts)
	initCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	err = c.Initialize(initCtx)
	cancel()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	logStatus := func() {
		st := c.GetStatus()
		logger.Info("Status",
			"network", st.Network,
			"pending", st.Pending,
			"dead_letters", st.DeadLetters,
			"durable", st.Durable,
			"syncing", st.Syncing)
	}
	logStatus()

	var ticks <-chan time.Time
	if opts.StatusInterval > 0 {
		ticker := time.NewTicker(opts.StatusInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticks:
			logStatus()
		}
	}
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	pending := c.GetPendingCount()
	if err := c.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Stopped", "pending", pending)
	return nil
}
