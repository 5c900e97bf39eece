package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/bouthilx/protopt/internal/monitor"
	"github.com/bouthilx/protopt/internal/observability"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the monitor API without running trials",
		Long:  `Starts the read-only monitor API of the experiment: health, trials, decisions and metrics.`,
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Monitor.Addr == "" {
		return errors.New("monitor.addr is empty")
	}

	metrics, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	defer shutdownWithin(shutdownMetrics)

	reg, err := observability.ObserveRunnable(a.exp)
	if err != nil {
		return err
	}
	defer reg.Unregister()

	srv := monitor.NewServer(a.exp, a.db, a.cfg.Monitor.Addr,
		monitor.WithMetrics(metrics),
		monitor.WithVersion(Version),
		monitor.WithLogger(a.logger))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case sig := <-sigCh:
		a.logger.Info("shutting down monitor", "signal", sig.String())
	case err := <-serverErr:
		return err
	case <-cmd.Context().Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("monitor shutdown", "error", err)
	}
	return <-serverErr
}
