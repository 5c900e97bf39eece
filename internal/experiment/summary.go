package experiment

import (
	"context"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/store"
)

// Summary is an overview of the experiment progress.
type Summary struct {
	Target string                     `json:"target"`
	Total  int                        `json:"total"`
	Counts map[models.TrialStatus]int `json:"counts"`
	// BestID and Best describe the completed validation trial with the
	// best result. Both are empty until one completes.
	BestID string   `json:"best_id,omitempty"`
	Best   *float64 `json:"best,omitempty"`
}

// Summary counts trials by status and finds the best result. Trials whose
// metrics cannot be read are left out of the ranking.
func (e *Experiment) Summary(ctx context.Context) (Summary, error) {
	trials, err := e.GetTrials(ctx, store.Filter{}, nil, true)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Target: e.opts.Target.String(),
		Total:  len(trials),
		Counts: make(map[models.TrialStatus]int),
	}
	var bestObjective float64
	for _, tr := range trials {
		s.Counts[tr.Status()]++
		if !tr.IsCompleted() || !tr.Config().Validate {
			continue
		}
		obj, err := e.Objective(tr)
		if err != nil {
			e.logger.Debug("skipping trial in summary", "trial_id", tr.ID(), "reason", err)
			continue
		}
		if s.Best == nil || obj < bestObjective {
			v := obj
			if e.opts.Maximize {
				v = -obj
			}
			bestObjective = obj
			s.BestID = tr.ID()
			s.Best = &v
		}
	}
	return s, nil
}
