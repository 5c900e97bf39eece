// Package trial wraps trial documents with their lifecycle operations.
package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/bouthilx/protopt/internal/audit"
	"github.com/bouthilx/protopt/internal/claim"
	"github.com/bouthilx/protopt/internal/connectors"
	"github.com/bouthilx/protopt/internal/env"
	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "protopt_trial_run_duration_seconds",
	Help:    "Duration of training runs by outcome",
	Buckets: prometheus.ExponentialBuckets(1, 4, 10),
}, []string{"outcome"})

var tracer = otel.Tracer("github.com/bouthilx/protopt/internal/trial")

// Paths holds the run options every queued trial is reset to and the
// directory layout of fresh runs.
type Paths struct {
	// Defaults are the experiment's default run options. Defaults.SavePath
	// is the root directory of every run.
	Defaults models.Config
	// Profiles are the active profile names, sorted.
	Profiles []string
}

// SavePath is where a fresh run of id stores its checkpoints.
func (p Paths) SavePath(id string) string {
	parts := append([]string{p.Defaults.SavePath}, p.Profiles...)
	return filepath.Join(append(parts, id)...)
}

// Tensorboard is the log directory of a fresh run of id, or "" when the
// experiment does not log to tensorboard.
func (p Paths) Tensorboard(id string) string {
	if p.Defaults.Tensorboard == "" {
		return ""
	}
	parts := append([]string{p.Defaults.SavePath, "logs"}, p.Profiles...)
	return filepath.Join(append(parts, id)...)
}

// Deps are the collaborators of a trial.
type Deps struct {
	Store    store.TrialStore
	Claims   *claim.Protocol
	Launcher connectors.Connector
	Env      env.Context
	Paths    Paths
	PDR      *audit.PDRWriter
	Logger   *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Trial is one configuration and its execution record.
type Trial struct {
	deps *Deps
	doc  models.Trial

	metricsOnce sync.Once
	metrics     models.Metrics
}

// New wraps a stored trial document.
func (d *Deps) New(doc models.Trial) *Trial {
	return &Trial{deps: d, doc: doc}
}

// Fresh creates an in-memory trial that is not stored yet.
func (d *Deps) Fresh(experiment string, cfg models.Config) *Trial {
	return &Trial{deps: d, doc: models.Trial{Experiment: experiment, Config: cfg}}
}

// ID is empty until the trial is queued.
func (t *Trial) ID() string { return t.doc.ID }

// Status of the trial when it was last read.
func (t *Trial) Status() models.TrialStatus { return t.doc.Status }

// Config returns the trial's configuration.
func (t *Trial) Config() models.Config { return t.doc.Config }

// Doc returns the underlying document.
func (t *Trial) Doc() models.Trial { return t.doc }

// IsRunnable reports whether the trial can be claimed.
func (t *Trial) IsRunnable() bool {
	return t.doc.ID != "" && t.doc.IsRunnable()
}

// IsCompleted reports whether the trial finished successfully.
func (t *Trial) IsCompleted() bool {
	return t.doc.IsCompleted()
}

// Metrics reconstructs the logged series on first use. It is empty when
// nothing was logged.
func (t *Trial) Metrics() models.Metrics {
	t.metricsOnce.Do(func() {
		t.metrics = models.BuildMetrics(t.doc.Metrics)
	})
	return t.metrics
}

// Queue stores a fresh configuration as a new QUEUED trial. Run-specific
// paths are reset to the experiment defaults first.
func (t *Trial) Queue(ctx context.Context) error {
	if t.doc.ID != "" {
		return fmt.Errorf("%w: trial %s is already queued", models.ErrIllegalState, t.doc.ID)
	}
	cfg := t.doc.Config.Clone()
	defaults := t.deps.Paths.Defaults
	cfg.DataPath = defaults.DataPath
	cfg.SavePath = defaults.SavePath
	cfg.Tensorboard = defaults.Tensorboard
	cfg.Resume = false

	doc := models.Trial{
		ID:         uuid.New().String(),
		Experiment: t.doc.Experiment,
		Status:     models.StatusQueued,
		Config:     cfg,
	}
	if err := t.deps.Store.Insert(ctx, &doc); err != nil {
		return err
	}
	t.doc = doc
	t.metricsOnce = sync.Once{}
	t.metrics = nil

	if _, err := t.deps.PDR.Record(ctx, audit.ActionRegister, cfg.Map(), audit.OutcomeSuccess, doc.ID, ""); err != nil {
		t.deps.logger().Warn("failed to write register record", "trial_id", doc.ID, "error", err)
	}
	return nil
}

// Refresh re-reads the trial document.
func (t *Trial) Refresh(ctx context.Context) error {
	doc, err := t.deps.Store.FindOne(ctx, store.ByID(t.doc.ID))
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("trial %s no longer exists", t.doc.ID)
	}
	t.doc = *doc
	t.metricsOnce = sync.Once{}
	t.metrics = nil
	return nil
}

// Run claims the trial, runs training to completion and records the final
// status. Cancelling ctx with models.ErrInterrupted or models.ErrTimedOut
// as cause stops training and records the matching status.
func (t *Trial) Run(ctx context.Context) Result {
	if !t.IsRunnable() {
		return Result{Outcome: NotClaimed,
			Err: fmt.Errorf("%w: trial %s is %s", models.ErrIllegalState, t.doc.ID, t.doc.Status)}
	}

	ctx, span := tracer.Start(ctx, "trial.Run")
	defer span.End()
	span.SetAttributes(attribute.String("trial.id", t.doc.ID))

	c, err := t.deps.Claims.Claim(ctx, t.doc.ID)
	if err != nil {
		return Result{Outcome: NotClaimed, Err: err}
	}
	t.doc = *c.Trial

	if !c.Resumed {
		if err := t.prepareFreshRun(ctx); err != nil {
			t.finish(c.Previous, "release after failed setup")
			return Result{Outcome: NotClaimed, Err: err}
		}
	}

	start := time.Now()
	exec, err := t.deps.Launcher.Launch(ctx, t.doc.Config, t.logScalar)
	res := classify(ctx, exec, err)
	runDuration.WithLabelValues(res.Outcome.String()).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))

	status, _ := res.Outcome.Status()
	t.finish(status, res.Outcome.String())
	t.doc.Status = status
	return res
}

// prepareFreshRun points a first run at this cluster's data and at its own
// output directories. The save directory must not exist yet.
func (t *Trial) prepareFreshRun(ctx context.Context) error {
	cfg := t.doc.Config.Clone()
	cfg.DataPath = t.deps.Env.DataPath
	cfg.SavePath = t.deps.Paths.SavePath(t.doc.ID)
	if err := t.deps.Claims.SavePathFree(t.doc.ID, cfg.SavePath); err != nil {
		return err
	}
	cfg.Tensorboard = t.deps.Paths.Tensorboard(t.doc.ID)
	if err := t.deps.Store.UpdateConfig(ctx, t.doc.ID, cfg); err != nil {
		return err
	}
	t.doc.Config = cfg
	return nil
}

func (t *Trial) logScalar(ctx context.Context, name string, value, step float64) error {
	return t.deps.Store.AppendMetric(ctx, t.doc.ID, name, step, value, time.Now().UTC())
}

// finish moves the trial out of RUNNING. It uses its own context so a
// cancelled run still records its status.
func (t *Trial) finish(status models.TrialStatus, details string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := t.deps.logger().With("trial_id", t.doc.ID, "status", status)
	res, err := t.deps.Store.CompareAndSetStatus(ctx, t.doc.ID, models.StatusRunning, status)
	switch {
	case err != nil:
		logger.Error("failed to record final status", "error", err)
	case !res.Acknowledged || res.ModifiedCount == 0:
		logger.Warn("trial was not RUNNING when its run ended")
	default:
		logger.Info("trial finished", "details", details)
	}

	inputs := map[string]string{"trial_id": t.doc.ID, "status": string(status)}
	if _, err := t.deps.PDR.Record(ctx, audit.ActionFinish, inputs, string(status), t.doc.ID, details); err != nil {
		logger.Warn("failed to write finish record", "error", err)
	}
}

// classify maps the end of a launch to an outcome.
func classify(ctx context.Context, exec *connectors.ExecResult, err error) Result {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, models.ErrTimedOut):
			return Result{Outcome: TimedOut, Err: cause, Exec: exec}
		case errors.Is(cause, models.ErrClusterProblem):
			return Result{Outcome: ClusterProblem, Err: cause, Exec: exec}
		default:
			return Result{Outcome: Interrupted, Err: fmt.Errorf("%w: %v", models.ErrInterrupted, cause), Exec: exec}
		}
	}
	if err != nil {
		return Result{Outcome: ClusterProblem, Err: fmt.Errorf("%w: %v", models.ErrClusterProblem, err), Exec: exec}
	}
	switch exec.ExitCode {
	case 0:
		return Result{Outcome: Completed, Exec: exec}
	case connectors.ExitInvalidConfig:
		return Result{Outcome: Invalid, Err: fmt.Errorf("%w: %s", models.ErrInvalidConfig, exec.Stderr), Exec: exec}
	}
	return Result{Outcome: Failed, Err: fmt.Errorf("training exited with code %d: %s", exec.ExitCode, exec.Stderr), Exec: exec}
}
