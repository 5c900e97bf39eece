// Package space describes the hyperparameter search space of an experiment:
// the searched dimensions, the defaults every trial inherits, the profiles
// that pin subsets of hyperparameters and the constraints a point must
// satisfy to be worth training.
package space

import (
	"fmt"
	"math"
	"math/rand"
	"reflect"

	"github.com/bouthilx/protopt/internal/models"
	"golang.org/x/exp/constraints"
)

// Kind is the value type of a dimension.
type Kind string

const (
	KindReal        Kind = "real"
	KindInteger     Kind = "integer"
	KindCategorical Kind = "categorical"
)

// Prior is the distribution numeric dimensions are sampled from.
type Prior string

const (
	PriorUniform    Prior = "uniform"
	PriorLogUniform Prior = "log-uniform"
)

// Dimension is one searched hyperparameter.
type Dimension struct {
	Name       string
	Kind       Kind
	Low        float64
	High       float64
	Prior      Prior
	Categories []any
}

func (d *Dimension) check() error {
	switch d.Kind {
	case KindReal, KindInteger:
		if d.High < d.Low {
			return fmt.Errorf("dimension %s: high %v below low %v", d.Name, d.High, d.Low)
		}
		if d.Kind == KindInteger && (d.Low != math.Trunc(d.Low) || d.High != math.Trunc(d.High)) {
			return fmt.Errorf("dimension %s: integer bounds must be integral", d.Name)
		}
		switch d.Prior {
		case "":
			d.Prior = PriorUniform
		case PriorUniform:
		case PriorLogUniform:
			if d.Low <= 0 {
				return fmt.Errorf("dimension %s: log-uniform prior needs a positive low bound", d.Name)
			}
		default:
			return fmt.Errorf("dimension %s: unknown prior %q", d.Name, d.Prior)
		}
	case KindCategorical:
		if len(d.Categories) == 0 {
			return fmt.Errorf("dimension %s: no categories", d.Name)
		}
	default:
		return fmt.Errorf("dimension %s: unknown type %q", d.Name, d.Kind)
	}
	return nil
}

// Sample draws one value from the dimension's prior.
func (d *Dimension) Sample(rng *rand.Rand) any {
	switch d.Kind {
	case KindCategorical:
		return d.Categories[rng.Intn(len(d.Categories))]
	case KindInteger:
		if d.Prior == PriorLogUniform {
			lo, hi := math.Log(d.Low), math.Log(d.High+1)
			v := math.Floor(math.Exp(lo + rng.Float64()*(hi-lo)))
			return int64(clamp(v, d.Low, d.High))
		}
		return int64(d.Low) + rng.Int63n(int64(d.High-d.Low)+1)
	}
	if d.Prior == PriorLogUniform {
		lo, hi := math.Log(d.Low), math.Log(d.High)
		return clamp(math.Exp(lo+rng.Float64()*(hi-lo)), d.Low, d.High)
	}
	return d.Low + rng.Float64()*(d.High-d.Low)
}

// Coerce converts v to the dimension's value type: float64 for real,
// int64 for integer and the matching category for categorical dimensions.
func (d *Dimension) Coerce(v any) (any, error) {
	switch d.Kind {
	case KindReal:
		f, ok := models.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("dimension %s: %v (%T) is not a real", d.Name, v, v)
		}
		return f, nil
	case KindInteger:
		i, ok := models.AsInt(v)
		if !ok {
			return nil, fmt.Errorf("dimension %s: %v (%T) is not an integer", d.Name, v, v)
		}
		return i, nil
	}
	for _, c := range d.Categories {
		if Equal(c, v) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("dimension %s: %v is not one of %v", d.Name, v, d.Categories)
}

// Contains reports whether v is a legal value of the dimension.
func (d *Dimension) Contains(v any) bool {
	c, err := d.Coerce(v)
	if err != nil {
		return false
	}
	switch x := c.(type) {
	case float64:
		return within(x, d.Low, d.High)
	case int64:
		return within(x, int64(d.Low), int64(d.High))
	}
	return true
}

// Width is the number of features the dimension contributes to a
// transformed point.
func (d *Dimension) Width() int {
	if d.Kind == KindCategorical {
		return len(d.Categories)
	}
	return 1
}

// Transform maps v onto the unit hypercube. Numeric values are rescaled
// (in log space for log-uniform priors) and categories are one-hot encoded.
func (d *Dimension) Transform(v any) []float64 {
	if d.Kind == KindCategorical {
		out := make([]float64, len(d.Categories))
		for i, c := range d.Categories {
			if Equal(c, v) {
				out[i] = 1
			}
		}
		return out
	}
	f, _ := models.AsFloat(v)
	lo, hi := d.Low, d.High
	if d.Prior == PriorLogUniform {
		f, lo, hi = math.Log(f), math.Log(lo), math.Log(hi)
	}
	if hi == lo {
		return []float64{0}
	}
	return []float64{(f - lo) / (hi - lo)}
}

// Equal compares two hyperparameter values. Numbers compare by value
// regardless of their Go type.
func Equal(a, b any) bool {
	fa, aok := models.AsFloat(a)
	fb, bok := models.AsFloat(b)
	if aok && bok {
		return fa == fb
	}
	if aok != bok {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

func within[T constraints.Ordered](v, lo, hi T) bool {
	return v >= lo && v <= hi
}

func compare[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
