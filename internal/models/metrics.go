package models

import "sort"

// Units of a metric series.
const (
	UnitEpoch     = "epoch"
	UnitTimestamp = "timestamp"
)

// Curve maps a step value to the scalar logged at that step.
type Curve map[float64]float64

// Steps returns the logged steps in ascending order.
func (c Curve) Steps() []float64 {
	steps := make([]float64, 0, len(c))
	for s := range c {
		steps = append(steps, s)
	}
	sort.Float64s(steps)
	return steps
}

// Metrics maps metric name to unit to curve.
type Metrics map[string]map[string]Curve

// BuildMetrics reconstructs the multi-resolution view from the raw series
// stored for a trial. Timestamps are keyed in unix seconds.
func BuildMetrics(raw map[string]Series) Metrics {
	metrics := make(Metrics, len(raw))
	for name, series := range raw {
		epoch := make(Curve, len(series.Steps))
		stamps := make(Curve, len(series.Timestamps))
		for i, v := range series.Values {
			if i < len(series.Steps) {
				epoch[series.Steps[i]] = v
			}
			if i < len(series.Timestamps) {
				ts := series.Timestamps[i]
				stamps[float64(ts.UnixNano())/1e9] = v
			}
		}
		metrics[name] = map[string]Curve{
			UnitEpoch:     epoch,
			UnitTimestamp: stamps,
		}
	}
	return metrics
}

// Names returns the metric names in sorted order.
func (m Metrics) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
