package trial

import (
	"github.com/bouthilx/protopt/internal/connectors"
	"github.com/bouthilx/protopt/internal/models"
)

// Outcome is what happened to a run attempt.
type Outcome int

const (
	// NotClaimed means the trial was never started. The store is unchanged.
	NotClaimed Outcome = iota
	Completed
	Interrupted
	TimedOut
	ClusterProblem
	Invalid
	Failed
)

var outcomeNames = map[Outcome]string{
	NotClaimed:     "not_claimed",
	Completed:      "completed",
	Interrupted:    "interrupted",
	TimedOut:       "timed_out",
	ClusterProblem: "cluster_problem",
	Invalid:        "invalid",
	Failed:         "failed",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// Status is the store status recorded for the outcome. NotClaimed has none.
func (o Outcome) Status() (models.TrialStatus, bool) {
	switch o {
	case Completed:
		return models.StatusCompleted, true
	case Interrupted:
		return models.StatusInterrupted, true
	case TimedOut:
		return models.StatusTimedOut, true
	case ClusterProblem:
		return models.StatusClusterProblem, true
	case Invalid:
		return models.StatusInvalid, true
	case Failed:
		return models.StatusFailed, true
	}
	return "", false
}

// Result is returned by Trial.Run. Err is nil only for Completed.
type Result struct {
	Outcome Outcome
	Err     error
	Exec    *connectors.ExecResult
}

// OK reports whether the run completed.
func (r Result) OK() bool {
	return r.Outcome == Completed
}
