package experiment

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/bouthilx/protopt/internal/trial"
)

// Target is the coordinate of the optimized scalar in a trial's metrics.
type Target struct {
	Metric string
	Unit   string
	// Step is nil when the last logged step is wanted.
	Step *float64
}

// ParseTarget parses metric[.unit[.step]]. With three or more keys the last
// two are the unit and the step, so metric names may contain dots only when
// both are given.
func ParseTarget(s string) (Target, error) {
	if strings.TrimSpace(s) == "" {
		return Target{}, fmt.Errorf("%w: empty validate_on", models.ErrSchema)
	}
	keys := strings.Split(s, ".")
	switch len(keys) {
	case 1:
		return Target{Metric: keys[0], Unit: models.UnitEpoch}, nil
	case 2:
		return Target{Metric: keys[0], Unit: keys[1]}, nil
	}
	step, err := strconv.ParseFloat(keys[len(keys)-1], 64)
	if err != nil {
		return Target{}, fmt.Errorf("%w: step %q of %q is not a number", models.ErrSchema, keys[len(keys)-1], s)
	}
	return Target{
		Metric: strings.Join(keys[:len(keys)-2], "."),
		Unit:   keys[len(keys)-2],
		Step:   &step,
	}, nil
}

func (t Target) String() string {
	s := t.Metric + "." + t.Unit
	if t.Step != nil {
		s += "." + strconv.FormatFloat(*t.Step, 'g', -1, 64)
	}
	return s
}

// Select picks the step of curve to read. Without a requested step it is the
// last one; otherwise the smallest logged step at or after the requested
// one, or the last step when every logged step is smaller.
func (t Target) Select(curve models.Curve) (step float64, ok bool) {
	steps := curve.Steps()
	if len(steps) == 0 {
		return 0, false
	}
	last := steps[len(steps)-1]
	if t.Step == nil {
		return last, true
	}
	for _, s := range steps {
		if s >= *t.Step {
			return s, true
		}
	}
	return last, true
}

// GetResult reads the target scalar of tr. A trial that never logged
// anything yields the default objective.
func (e *Experiment) GetResult(tr *trial.Trial) (float64, error) {
	metrics := tr.Metrics()
	if len(metrics) == 0 {
		return e.opts.DefaultObjective, nil
	}
	target := e.opts.Target
	units, ok := metrics[target.Metric]
	if !ok {
		return 0, fmt.Errorf("%w: trial %s has no metric %q (has %v)", models.ErrSchema, tr.ID(), target.Metric, metrics.Names())
	}
	curve, ok := units[target.Unit]
	if !ok {
		return 0, fmt.Errorf("%w: metric %q of trial %s has no unit %q", models.ErrSchema, target.Metric, tr.ID(), target.Unit)
	}
	step, ok := target.Select(curve)
	if !ok {
		return e.opts.DefaultObjective, nil
	}
	v := curve[step]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s of trial %s at step %g is %v", models.ErrSchema, target, tr.ID(), step, v)
	}
	return v, nil
}

// Objective is the result in minimization form.
func (e *Experiment) Objective(tr *trial.Trial) (float64, error) {
	v, err := e.GetResult(tr)
	if err != nil {
		return 0, err
	}
	if e.opts.Maximize {
		return -v, nil
	}
	return v, nil
}
