package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/report"
	"github.com/JonMunkholm/ledgerport/internal/web"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		maxRuns int
		maxWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status, control and metrics API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			jobCtx, cancelJobs := context.WithCancel(cmd.Context())
			defer cancelJobs()

			a, err := newApp(jobCtx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.startRefresher(jobCtx)

			sink, err := report.Open(jobCtx, cfg.Report)
			if err != nil {
				return err
			}

			server := web.NewServer(a.service, core.NewRunLimiter(maxRuns, maxWait), sink, cfg.Server)

			// Graceful shutdown
			done := make(chan struct{})
			go func() {
				defer close(done)
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sigCh)

				select {
				case <-sigCh:
				case <-jobCtx.Done():
				}
				slog.Info("shutting down...")
				cancelJobs()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("shutdown error", "error", err)
				}
			}()

			if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancelJobs()
				<-done
				return err
			}
			<-done
			slog.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&maxRuns, "max-runs", core.DefaultMaxConcurrentRuns, "maximum concurrent background runs")
	cmd.Flags().DurationVar(&maxWait, "run-wait", core.DefaultRunWait, "how long a run request waits for a free slot")
	return cmd
}
