// Package sampler proposes new candidate points for an experiment. It mixes
// rejection sampling from the priors with constant-liar batches proposed by
// a gaussian-process surrogate, and never returns a point the validity
// predicate rejects or one that was already observed.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/space"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	proposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protopt_sampler_proposals_total",
		Help: "Sampling rounds by method and result",
	}, []string{"method", "result"})

	rejectedPoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "protopt_sampler_rejected_points_total",
		Help: "Points rejected by the validity predicate",
	}, []string{"method"})

	fitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protopt_sampler_fit_retries_total",
		Help: "Surrogate fits retried with a larger alpha",
	})
)

var tracer = otel.Tracer("github.com/bouthilx/protopt/internal/sampler")

// Space is the part of a search space the sampler draws from.
type Space interface {
	Sample(rng *rand.Rand, n int) []space.Point
	IsValid(p space.Point) bool
	Transform(p space.Point) []float64
}

// Options configures a Sampler.
type Options struct {
	// RandomFraction of rounds use rejection sampling instead of the surrogate.
	RandomFraction float64
	// Oversample is the initial draw multiplier of rejection sampling.
	Oversample int
	// MaxDepth bounds the back-off of rejection sampling.
	MaxDepth int
	// InitialPoints is the number of observations the surrogate needs.
	InitialPoints int
	// Candidates scored by the acquisition function for each ask.
	Candidates int
	// MaxFitTries bounds the alpha increases after a singular fit.
	MaxFitTries int
	// MaxRejected bounds invalid asks per requested point.
	MaxRejected int
	Strategy    Strategy
	Acquisition Acquisition
	GP          GPParams
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		RandomFraction: 0.25,
		Oversample:     10,
		MaxDepth:       10,
		InitialPoints:  10,
		Candidates:     1000,
		MaxFitTries:    10,
		MaxRejected:    100,
		Strategy:       CLMax,
		Acquisition:    LCB(1.96),
		GP:             GPParams{LengthScale: 0.5, Alpha: 1e-10, Normalize: true},
	}
}

// Sampler proposes batches of points. It is not safe for concurrent use.
type Sampler struct {
	space  Space
	opts   Options
	rng    *rand.Rand
	logger *slog.Logger
}

// New creates a sampler over sp.
func New(sp Space, opts Options, rng *rand.Rand, logger *slog.Logger) *Sampler {
	if opts.Acquisition == nil {
		opts.Acquisition = LCB(1.96)
	}
	if opts.Strategy == "" {
		opts.Strategy = CLMax
	}
	if opts.Oversample < 1 {
		opts.Oversample = 1
	}
	if opts.Candidates < 1 {
		opts.Candidates = 1
	}
	if opts.MaxFitTries < 1 {
		opts.MaxFitTries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{space: sp, opts: opts, rng: rng, logger: logger}
}

// Strategy is the configured liar strategy.
func (s *Sampler) Strategy() Strategy {
	return s.opts.Strategy
}

// Propose returns up to n valid points that are distinct from each other
// and from every observed point.
func (s *Sampler) Propose(ctx context.Context, obs Observations, n int) ([]space.Point, error) {
	ctx, span := tracer.Start(ctx, "sampler.Propose")
	defer span.End()

	method := "bayesian"
	if obs.Len() < s.opts.InitialPoints || s.rng.Float64() < s.opts.RandomFraction {
		method = "random"
	}
	span.SetAttributes(
		attribute.String("method", method),
		attribute.Int("observations", obs.Len()),
		attribute.Int("requested", n),
	)

	var points []space.Point
	var err error
	if method == "random" {
		points, err = s.SampleValid(n)
	} else {
		points, err = s.bayesian(ctx, obs, n)
	}
	if err != nil {
		proposalsTotal.WithLabelValues(method, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	points = Dedup(points, obs.Points())
	proposalsTotal.WithLabelValues(method, "ok").Inc()
	s.logger.Debug("proposed candidates", "method", method, "requested", n, "returned", len(points))
	return points, nil
}

// SampleValid draws n points from the priors that pass the validity
// predicate. Each round that falls short doubles the oversampling factor.
func (s *Sampler) SampleValid(n int) ([]space.Point, error) {
	return s.sampleValid(n, s.opts.Oversample, 0)
}

func (s *Sampler) sampleValid(n, factor, depth int) ([]space.Point, error) {
	if depth > s.opts.MaxDepth {
		return nil, fmt.Errorf("no valid point after %d rounds of rejection sampling: %w", depth, models.ErrIncompatibleSpace)
	}
	valid := make([]space.Point, 0, n)
	for _, p := range s.space.Sample(s.rng, n*factor) {
		if s.space.IsValid(p) {
			valid = append(valid, p)
		} else {
			rejectedPoints.WithLabelValues("random").Inc()
		}
	}
	if len(valid) < n {
		s.logger.Debug("too few valid points, backing off", "valid", len(valid), "wanted", n, "factor", factor)
		return s.sampleValid(n, factor*2, depth+1)
	}
	return valid[:n], nil
}

// bayesian retries the liar fold with more regularization while the
// surrogate fit is singular.
func (s *Sampler) bayesian(ctx context.Context, obs Observations, n int) ([]space.Point, error) {
	params := s.opts.GP
	var err error
	for try := 1; try <= s.opts.MaxFitTries; try++ {
		var points []space.Point
		points, err = s.liar(ctx, obs, n, params)
		if !errors.Is(err, ErrSingular) {
			return points, err
		}
		params.Alpha = (params.Alpha + 0.1) * 1.1
		fitRetries.Inc()
		s.logger.Warn("surrogate fit is singular, increasing alpha", "try", try, "alpha", params.Alpha)
	}
	return nil, fmt.Errorf("fit surrogate after %d tries: %w", s.opts.MaxFitTries, err)
}

// liar folds over asks: every valid proposal is added to the observations
// with the lie as objective before the next ask, and invalid proposals are
// dropped without being told.
func (s *Sampler) liar(ctx context.Context, obs Observations, n int, params GPParams) ([]space.Point, error) {
	lie := s.opts.Strategy.Lie(obs.Objectives())
	batch := make([]space.Point, 0, n)
	rejected := 0
	for cur := obs; len(batch) < n; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.ask(cur, params)
		if err != nil {
			return nil, err
		}
		if !s.space.IsValid(p) {
			rejected++
			rejectedPoints.WithLabelValues("bayesian").Inc()
			if rejected > s.opts.MaxRejected*n {
				return nil, fmt.Errorf("surrogate proposed %d invalid points: %w", rejected, models.ErrIncompatibleSpace)
			}
			continue
		}
		batch = append(batch, p)
		cur = cur.With(p, lie)
	}
	return batch, nil
}

// ask fits the surrogate on obs and returns the random candidate with the
// best acquisition score.
func (s *Sampler) ask(obs Observations, params GPParams) (space.Point, error) {
	X := make([][]float64, 0, obs.Len())
	for _, p := range obs.points {
		X = append(X, s.space.Transform(p))
	}
	model, err := Fit(X, obs.ys, params)
	if err != nil {
		return nil, err
	}

	best := obs.Best()
	candidates := s.space.Sample(s.rng, s.opts.Candidates)
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		mu, sigma := model.Predict(s.space.Transform(c))
		scores[i] = s.opts.Acquisition(mu, sigma, best, s.rng)
	}
	return candidates[minIndex(scores)], nil
}

// Dedup drops candidates equal to an observed point or to an earlier
// candidate. Equality is exact.
func Dedup(candidates, history []space.Point) []space.Point {
	seen := make(map[string]bool, len(history)+len(candidates))
	for _, p := range history {
		seen[p.Key()] = true
	}
	out := make([]space.Point, 0, len(candidates))
	for _, p := range candidates {
		k := p.Key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}
