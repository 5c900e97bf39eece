// Package experiment coordinates the trials of one experiment: it finds
// runnable trials, proposes and registers new ones when the pool runs dry,
// and reads the optimized objective out of trial metrics.
package experiment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/sampler"
	"github.com/bouthilx/protopt/internal/space"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/bouthilx/protopt/internal/trial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	registeredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protopt_trials_registered_total",
		Help: "Trials queued by candidate registration",
	})

	registrationRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protopt_registration_races_total",
		Help: "Registrations stopped early because other workers queued trials",
	})
)

var tracer = otel.Tracer("github.com/bouthilx/protopt/internal/experiment")

// Options configures an Experiment.
type Options struct {
	Name   string
	Target Target
	// Maximize flips the sign of results before they reach the sampler.
	Maximize bool
	// DefaultObjective is the result of a trial that logged nothing.
	DefaultObjective float64
	// PoolSize is the number of candidates proposed per sampling round.
	PoolSize int
}

// Experiment is the trial coordinator of one experiment. The excluded set
// is local to the process.
type Experiment struct {
	opts    Options
	deps    *trial.Deps
	space   *space.Space
	sampler *sampler.Sampler
	rng     *rand.Rand
	logger  *slog.Logger

	mu       sync.Mutex
	excluded map[string]struct{}
}

// New creates an experiment coordinator.
func New(opts Options, deps *trial.Deps, sp *space.Space, smp *sampler.Sampler, rng *rand.Rand, logger *slog.Logger) *Experiment {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Experiment{
		opts:     opts,
		deps:     deps,
		space:    sp,
		sampler:  smp,
		rng:      rng,
		logger:   logger.With("experiment", opts.Name),
		excluded: make(map[string]struct{}),
	}
}

// Name returns the experiment name.
func (e *Experiment) Name() string { return e.opts.Name }

// Space returns the search space.
func (e *Experiment) Space() *space.Space { return e.space }

// Target returns the optimized metric coordinate.
func (e *Experiment) Target() Target { return e.opts.Target }

// Exclude adds a trial to the local denylist. The store is not modified.
func (e *Experiment) Exclude(tr *trial.Trial) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.excluded[tr.ID()] = struct{}{}
	e.logger.Info("excluded trial", "trial_id", tr.ID())
}

// IsExcluded reports whether id is on the local denylist.
func (e *Experiment) IsExcluded(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.excluded[id]
	return ok
}

// baseFilter scopes queries to this experiment and its active profiles.
// Evaluation trials are left out unless evaluations is set.
func (e *Experiment) baseFilter(evaluations bool) store.Filter {
	f := store.Where(store.Eq("experiment.name", e.opts.Name))
	if !evaluations {
		f = f.And(store.Eq("config."+models.KeyValidate, true))
	}
	for k, v := range e.space.ProfileValues() {
		f = f.And(store.Eq("config."+k, v))
	}
	return f
}

// GetTrials returns the trials matching f that belong to the space.
func (e *Experiment) GetTrials(ctx context.Context, f store.Filter, p store.Projection, evaluations bool) ([]*trial.Trial, error) {
	base := e.baseFilter(evaluations)
	q := base.And(f.All...)
	if len(f.AnyOf) > 0 {
		q = q.Or(f.AnyOf...)
	}
	docs, err := e.deps.Store.Query(ctx, q, p)
	if err != nil {
		return nil, err
	}
	out := make([]*trial.Trial, 0, len(docs))
	for _, doc := range docs {
		if err := e.space.Validate(doc.Config); err != nil {
			e.logger.Debug("skipping trial outside the space", "trial_id", doc.ID, "reason", err)
			continue
		}
		out = append(out, e.deps.New(doc))
	}
	return out, nil
}

// GetCompletedTrials returns the completed trials.
func (e *Experiment) GetCompletedTrials(ctx context.Context) ([]*trial.Trial, error) {
	return e.GetTrials(ctx, store.Where(store.StatusIn(models.StatusCompleted)), nil, false)
}

// ListTrials returns every trial of the experiment, evaluations included,
// restricted to statuses when any are given.
func (e *Experiment) ListTrials(ctx context.Context, statuses ...models.TrialStatus) ([]*trial.Trial, error) {
	var f store.Filter
	if len(statuses) > 0 {
		f = store.Where(store.StatusIn(statuses...))
	}
	return e.GetTrials(ctx, f, nil, true)
}

// Decisions returns the decision records of a trial, newest first.
func (e *Experiment) Decisions(ctx context.Context, id string) ([]models.PDREntry, error) {
	return e.deps.Store.DecisionsForTrial(ctx, id)
}

// runnableFilter matches runnable trials that never ran or last ran on
// this worker's cluster.
func (e *Experiment) runnableFilter() store.Filter {
	return store.Where(store.StatusIn(models.RunnableStatuses...)).Or(
		[]store.Cond{store.Exists("host.cluster", false)},
		[]store.Cond{store.Eq("host.cluster", e.deps.Env.Cluster)},
	)
}

func (e *Experiment) runnable(ctx context.Context) ([]*trial.Trial, error) {
	trials, err := e.GetTrials(ctx, e.runnableFilter(), store.Projection{"config", "host"}, false)
	if err != nil {
		return nil, err
	}
	out := trials[:0]
	for _, tr := range trials {
		if !e.IsExcluded(tr.ID()) {
			out = append(out, tr)
		}
	}
	return out, nil
}

// CountRunnable counts the runnable trials visible to this worker.
func (e *Experiment) CountRunnable(ctx context.Context) (int, error) {
	trials, err := e.runnable(ctx)
	return len(trials), err
}

// GetRunnableTrials returns the runnable trials that are not excluded. When
// there are none and forceNew is set, new candidates are sampled and the
// registered trials are returned instead.
func (e *Experiment) GetRunnableTrials(ctx context.Context, forceNew bool) ([]*trial.Trial, error) {
	trials, err := e.runnable(ctx)
	if err != nil {
		return nil, err
	}
	if len(trials) > 0 || !forceNew {
		return trials, nil
	}
	e.logger.Info("no runnable trials, sampling new candidates")
	return e.CreateNewTrials(ctx)
}

// CreateNewTrials proposes a pool of candidates from the whole history and
// registers them. Trials without a result yet are told a lie computed from
// the history folded so far.
func (e *Experiment) CreateNewTrials(ctx context.Context) ([]*trial.Trial, error) {
	ctx, span := tracer.Start(ctx, "experiment.CreateNewTrials")
	defer span.End()

	obs, err := e.observations(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("observations", obs.Len()))

	points, err := e.sampler.Propose(ctx, obs, e.opts.PoolSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("propose candidates: %w", err)
	}
	return e.RegisterSettings(ctx, points)
}

func (e *Experiment) observations(ctx context.Context) (sampler.Observations, error) {
	trials, err := e.GetTrials(ctx, store.Filter{}, nil, false)
	if err != nil {
		return sampler.Observations{}, err
	}
	strategy := e.sampler.Strategy()
	points := make([]space.Point, 0, len(trials))
	ys := make([]float64, 0, len(trials))
	for _, tr := range trials {
		p, err := e.space.ToPoint(tr.Config())
		if err != nil {
			e.logger.Debug("skipping trial without a point", "trial_id", tr.ID(), "reason", err)
			continue
		}
		var y float64
		if tr.IsCompleted() {
			if y, err = e.Objective(tr); err != nil {
				return sampler.Observations{}, err
			}
		} else {
			y = strategy.Lie(ys)
		}
		points = append(points, p)
		ys = append(ys, y)
	}
	return sampler.NewObservations(points, ys)
}

// RegisterSettings queues points in random order. Before each insertion it
// checks whether more trials are runnable than it registered itself; if so
// other workers are filling the pool and it returns what is runnable now.
func (e *Experiment) RegisterSettings(ctx context.Context, points []space.Point) ([]*trial.Trial, error) {
	ctx, span := tracer.Start(ctx, "experiment.RegisterSettings")
	defer span.End()

	shuffled := append([]space.Point(nil), points...)
	e.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var registered []*trial.Trial
	for i := 0; ; i++ {
		runnable, err := e.runnable(ctx)
		if err != nil {
			return registered, err
		}
		if len(runnable) > len(registered) || i == len(shuffled) {
			if i < len(shuffled) {
				registrationRaces.Inc()
				e.logger.Info("other workers queued trials, stopping registration",
					"registered", len(registered), "runnable", len(runnable))
			}
			span.SetAttributes(attribute.Int("registered", len(registered)))
			return union(runnable, registered), nil
		}

		cfg, err := e.space.ToConfig(shuffled[i])
		if err != nil {
			return registered, err
		}
		// Sampled candidates are always validation runs, or no query would
		// find them again.
		cfg.Validate = true
		tr := e.deps.Fresh(e.opts.Name, cfg)
		if err := tr.Queue(ctx); err != nil {
			return registered, err
		}
		registeredTotal.Inc()
		registered = append(registered, tr)
	}
}

func union(a, b []*trial.Trial) []*trial.Trial {
	seen := make(map[string]bool, len(a)+len(b))
	var out []*trial.Trial
	for _, list := range [][]*trial.Trial{a, b} {
		for _, tr := range list {
			if !seen[tr.ID()] {
				seen[tr.ID()] = true
				out = append(out, tr)
			}
		}
	}
	return out
}

// Selectors accepted by SelectTrial besides a trial id.
const (
	SelectFirst  = "first"
	SelectLast   = "last"
	SelectRandom = "random"
)

// SelectTrial picks a runnable trial by selector, or the trial with the
// given id whatever its status.
func (e *Experiment) SelectTrial(ctx context.Context, selector string) (*trial.Trial, error) {
	switch selector {
	case SelectFirst, SelectLast, SelectRandom:
	case "":
		return nil, ErrBadSelector
	default:
		return e.GetTrial(ctx, selector)
	}

	trials, err := e.GetRunnableTrials(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, models.ErrNoRunnableTrials
	}
	switch selector {
	case SelectFirst:
		return trials[0], nil
	case SelectLast:
		return trials[len(trials)-1], nil
	}
	return trials[e.rng.Intn(len(trials))], nil
}

// GetTrial returns a trial of this experiment by id.
func (e *Experiment) GetTrial(ctx context.Context, id string) (*trial.Trial, error) {
	doc, err := e.deps.Store.FindOne(ctx, store.ByID(id).And(store.Eq("experiment.name", e.opts.Name)))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrTrialNotFound, id)
	}
	return e.deps.New(*doc), nil
}
