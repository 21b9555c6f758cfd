package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	logpkg "github.com/local/docconvert/internal/logger"
	"github.com/local/docconvert/internal/metrics"
	"github.com/local/docconvert/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP conversion service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logpkg.Close()

	if cfg.Server.MetricsEnabled {
		metrics.Init()
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Leftovers from a previous run are past any live job.
	if n := a.workspaces.Sweep(cfg.Workspace.Retention); n > 0 {
		log.Info().Int("removed", n).Msg("startup sweep")
	}
	go a.workspaces.RunSweeper(ctx, cfg.Workspace.SweepInterval, cfg.Workspace.Retention)

	if v, err := a.office.Version(ctx); err != nil {
		log.Warn().Err(err).Str("binary", a.office.Binary()).Msg("libreoffice not available")
	} else {
		log.Info().Str("version", v).Msg("libreoffice detected")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           orchestrator.NewRouter(a.orch, orchestrator.RouterOptions{Status: a.status, Metrics: cfg.Server.MetricsEnabled}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
