package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/bouthilx/protopt/internal/monitor"
	"github.com/bouthilx/protopt/internal/observability"
	"github.com/bouthilx/protopt/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newLaunchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run trials until the worker runs out of resilience",
		Long: `Start a worker: claim runnable trials, sample new ones when none are
left, run them and record their results.

SIGINT marks the running trial INTERRUPTED and SIGTERM marks it TIMED_OUT,
so the next worker on the same cluster resumes it from its checkpoint.`,
		Args: cobra.NoArgs,
		RunE: runLaunch,
	}
	cmd.Flags().Int("resilience", 0, "unexpected failures tolerated (default from config)")
	cmd.Flags().Int("max-trials", 0, "stop after that many completed runs")
	cmd.Flags().Int("pool-size", 0, "candidates proposed per sampling round")
	return cmd
}

func init() {
	flagKeys["resilience"] = "worker.resilience"
	flagKeys["max-trials"] = "worker.max_trials"
	flagKeys["pool-size"] = "experiment.pool_size"
}

func runLaunch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, intr := worker.NewInterrupter(a.ctx, a.logger)
	intr.Notify()
	defer intr.Stop()

	shutdownTracing, err := observability.Init(ctx, a.cfg.Tracing.ServiceName, a.cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer shutdownWithin(shutdownTracing)

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

	w := worker.New(a.exp, a.cfg.WorkerConfig(), rand.New(rand.NewSource(a.seed+1)), a.logger)

	a.logger.Info("worker starting",
		"experiment", a.exp.Name(),
		"worker_id", a.env.WorkerID,
		"cluster", a.env.Cluster,
		"resilience", a.cfg.Worker.Resilience)

	if a.cfg.Monitor.Addr == "" {
		return w.Run(ctx)
	}

	srv := monitor.NewServer(a.exp, a.db, a.cfg.Monitor.Addr,
		monitor.WithStats(w),
		monitor.WithMetrics(metrics),
		monitor.WithVersion(Version),
		monitor.WithLogger(a.logger))

	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	g.Go(func() error {
		defer close(stopped)
		return w.Run(gctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		select {
		case <-stopped:
		case <-gctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func shutdownWithin(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(ctx)
}
