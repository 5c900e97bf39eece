package experiment

import (
	"context"
	"fmt"
	"math"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
	"github.com/bouthilx/protopt/internal/trial"
)

// similarTolerance is the relative tolerance on numeric hyperparameters.
const similarTolerance = 0.01

// EpochsKey is the hyperparameter evaluation trials train for.
const EpochsKey = "epochs"

var ignoredInSimilar = map[string]bool{
	models.KeySeed:        true,
	models.KeyDataPath:    true,
	models.KeySavePath:    true,
	models.KeyTensorboard: true,
	models.KeyResume:      true,
	models.KeyGPUID:       true,
}

// FindSimilar returns the trials whose configuration matches cfg, with
// numeric values compared within a 1% relative tolerance.
func (e *Experiment) FindSimilar(ctx context.Context, cfg models.Config) ([]*trial.Trial, error) {
	var conds []store.Cond
	for k, v := range cfg.Map() {
		if ignoredInSimilar[k] || v == nil {
			continue
		}
		path := "config." + k
		if err := store.ValidatePath(path); err != nil {
			return nil, err
		}
		if _, isBool := v.(bool); !isBool {
			if f, ok := models.AsFloat(v); ok {
				lo, hi := f*(1-similarTolerance), f*(1+similarTolerance)
				conds = append(conds, store.Gte(path, math.Min(lo, hi)), store.Lte(path, math.Max(lo, hi)))
				continue
			}
		}
		conds = append(conds, store.Eq(path, v))
	}
	return e.GetTrials(ctx, store.Where(conds...), nil, true)
}

// QueueConfig queues a hand-written configuration. It fails with
// ErrDuplicate when a similar trial exists unless force is set.
func (e *Experiment) QueueConfig(ctx context.Context, cfg models.Config, force bool) (*trial.Trial, error) {
	if err := e.space.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	if !force {
		similar, err := e.FindSimilar(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if len(similar) > 0 {
			return similar[0], fmt.Errorf("%w: %s (%s)", ErrDuplicate, similar[0].ID(), similar[0].Status())
		}
	}
	tr := e.deps.Fresh(e.opts.Name, cfg)
	if err := tr.Queue(ctx); err != nil {
		return nil, err
	}
	return tr, nil
}

// QueueEvaluation queues a copy of a completed trial that trains without a
// validation split, for as many epochs as the original was validated. An
// existing evaluation of the same configuration is returned as is.
func (e *Experiment) QueueEvaluation(ctx context.Context, tr *trial.Trial) (*trial.Trial, error) {
	if !tr.IsCompleted() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, tr.ID(), tr.Status())
	}
	cfg := tr.Config().Clone()
	cfg.Validate = false
	if e.space.Has(EpochsKey) {
		curve := tr.Metrics()[e.opts.Target.Metric][models.UnitEpoch]
		if steps := curve.Steps(); len(steps) > 0 {
			cfg.Params[EpochsKey] = int64(steps[len(steps)-1])
		}
	}

	similar, err := e.FindSimilar(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if len(similar) > 0 {
		e.logger.Info("evaluation already queued", "trial_id", tr.ID(), "evaluation_id", similar[0].ID())
		return similar[0], nil
	}
	eval := e.deps.Fresh(e.opts.Name, cfg)
	if err := eval.Queue(ctx); err != nil {
		return nil, err
	}
	return eval, nil
}
