// Package worker runs the loop that picks, claims and runs trials until
// the worker runs out of resilience or is interrupted.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	trialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protopt_worker_trials_total",
		Help: "Trial run attempts by outcome",
	}, []string{"outcome"})

	resilienceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protopt_worker_resilience",
		Help: "Unexpected failures the worker still tolerates",
	})
)

// ErrResilienceExhausted is returned once the worker used up its budget of
// unexpected failures.
var ErrResilienceExhausted = errors.New("worker resilience exhausted")

// Coordinator is the part of an experiment the worker loop drives.
type Coordinator interface {
	GetRunnableTrials(ctx context.Context, forceNew bool) ([]*trial.Trial, error)
	CreateNewTrials(ctx context.Context) ([]*trial.Trial, error)
	Exclude(tr *trial.Trial)
}

// Stats is a snapshot of the worker state.
type Stats struct {
	StartedAt    time.Time `json:"started_at"`
	Iterations   int       `json:"iterations"`
	Completed    int       `json:"completed"`
	Excluded     int       `json:"excluded"`
	Failures     int       `json:"failures"`
	Resilience   int       `json:"resilience"`
	CurrentTrial string    `json:"current_trial,omitempty"`
}

// Worker runs trials of one experiment.
type Worker struct {
	coord   Coordinator
	config  *Config
	limiter *rate.Limiter
	rng     *rand.Rand
	logger  *slog.Logger
	run     func(ctx context.Context, tr *trial.Trial) trial.Result

	mu         sync.Mutex
	stats      Stats
	lostClaims int
}

// New creates a worker.
func New(coord Coordinator, cfg *Config, rng *rand.Rand, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.ClaimInterval > 0 {
		limit = rate.Every(cfg.ClaimInterval)
	}
	return &Worker{
		coord:   coord,
		config:  cfg,
		limiter: rate.NewLimiter(limit, 1),
		rng:     rng,
		logger:  logger,
		run: func(ctx context.Context, tr *trial.Trial) trial.Result {
			return tr.Run(ctx)
		},
	}
}

// Run loops until ctx is cancelled, the resilience budget is spent, the
// trial limit is reached or a fatal error occurs. An interrupt during a
// run is returned as the context cause once the trial status is recorded.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.stats = Stats{StartedAt: time.Now().UTC(), Resilience: w.config.Resilience}
	w.mu.Unlock()
	resilienceGauge.Set(float64(w.config.Resilience))

	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return w.stopCause(ctx, err)
		}
		if ctx.Err() != nil {
			return w.stopCause(ctx, ctx.Err())
		}

		done, err := w.iterate(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if w.Stats().Resilience <= 0 {
			w.logger.Error("giving up", "failures", w.Stats().Failures)
			return ErrResilienceExhausted
		}
	}
}

func (w *Worker) stopCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

// iterate runs one trial. It returns an error only when the loop must stop.
func (w *Worker) iterate(ctx context.Context) (bool, error) {
	w.mu.Lock()
	w.stats.Iterations++
	w.mu.Unlock()

	tr, err := w.pick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, w.stopCause(ctx, err)
		}
		if errors.Is(err, models.ErrIncompatibleSpace) {
			return false, err
		}
		w.fail(fmt.Errorf("select trial: %w", err))
		return false, nil
	}

	logger := w.logger.With("trial_id", tr.ID())
	w.setCurrent(tr.ID())
	defer w.setCurrent("")

	res := w.run(ctx, tr)
	trialsTotal.WithLabelValues(res.Outcome.String()).Inc()

	switch res.Outcome {
	case trial.Completed:
		logger.Info("trial completed")
		w.mu.Lock()
		w.stats.Completed++
		w.lostClaims = 0
		completed := w.stats.Completed
		w.mu.Unlock()
		return w.config.MaxTrials > 0 && completed >= w.config.MaxTrials, nil

	case trial.NotClaimed:
		if errors.Is(res.Err, models.ErrArtifactMissing) {
			logger.Info("checkpoint not available on this cluster, skipping trial", "error", res.Err)
			w.exclude(tr)
			return false, nil
		}
		if errors.Is(res.Err, models.ErrSelection) {
			logger.Info("failed to claim trial, possibly lost a race with another worker", "error", res.Err)
			w.exclude(tr)
			w.mu.Lock()
			w.lostClaims++
			w.mu.Unlock()
			return false, nil
		}
		w.fail(res.Err)

	case trial.ClusterProblem:
		logger.Info("failed to run trial because of a problem on the cluster", "error", res.Err)
		w.exclude(tr)

	case trial.Invalid:
		logger.Warn("training script rejected the configuration", "error", res.Err)
		w.exclude(tr)

	case trial.Interrupted, trial.TimedOut:
		return false, res.Err

	default:
		w.fail(res.Err)
	}
	return false, nil
}

// pick walks a random number of runnable trials and returns the last one
// reached, so workers starting together spread over the pool.
func (w *Worker) pick(ctx context.Context) (*trial.Trial, error) {
	var trials []*trial.Trial
	var err error
	if w.exhaustedPatience() {
		w.logger.Info("too many lost claims, sampling new candidates")
		trials, err = w.coord.CreateNewTrials(ctx)
	} else {
		trials, err = w.coord.GetRunnableTrials(ctx, true)
	}
	if err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, models.ErrNoRunnableTrials
	}

	maxSkip := max(w.config.MaxSkip, 1)
	skip := 1 + w.rng.Intn(maxSkip)
	idx := min(skip, len(trials)) - 1
	w.logger.Debug("selected trial", "skip", skip, "index", idx, "trial_id", trials[idx].ID())
	return trials[idx], nil
}

func (w *Worker) exhaustedPatience() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.config.Patience <= 0 || w.lostClaims < w.config.Patience {
		return false
	}
	w.lostClaims = 0
	return true
}

func (w *Worker) exclude(tr *trial.Trial) {
	w.coord.Exclude(tr)
	w.mu.Lock()
	w.stats.Excluded++
	w.mu.Unlock()
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.stats.Failures++
	w.stats.Resilience--
	resilience := w.stats.Resilience
	w.mu.Unlock()
	resilienceGauge.Set(float64(resilience))
	w.logger.Error("unexpected failure", "error", err, "resilience", resilience)
}

func (w *Worker) setCurrent(id string) {
	w.mu.Lock()
	w.stats.CurrentTrial = id
	w.mu.Unlock()
}

// Stats returns the current worker statistics.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
