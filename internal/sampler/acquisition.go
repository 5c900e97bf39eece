package sampler

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// Acquisition scores a candidate given the posterior at that point and the
// best objective observed so far. Lower scores are better.
type Acquisition func(mu, sigma, best float64, rng *rand.Rand) float64

// Acquisition function names.
const (
	AcqLCB      = "LCB"
	AcqEI       = "EI"
	AcqPI       = "PI"
	AcqThompson = "TS"
)

// LCB is the lower confidence bound mu - kappa*sigma.
func LCB(kappa float64) Acquisition {
	return func(mu, sigma, _ float64, _ *rand.Rand) float64 {
		return mu - kappa*sigma
	}
}

// EI is the negated expected improvement over best.
func EI(xi float64) Acquisition {
	return func(mu, sigma, best float64, _ *rand.Rand) float64 {
		if sigma <= 0 {
			return 0
		}
		imp := best - mu - xi
		z := imp / sigma
		return -(imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z))
	}
}

// PI is the negated probability of improvement over best.
func PI(xi float64) Acquisition {
	return func(mu, sigma, best float64, _ *rand.Rand) float64 {
		if sigma <= 0 {
			return 0
		}
		return -distuv.UnitNormal.CDF((best - mu - xi) / sigma)
	}
}

// Thompson scores a draw from the posterior.
func Thompson() Acquisition {
	return func(mu, sigma, _ float64, rng *rand.Rand) float64 {
		return mu + sigma*rng.NormFloat64()
	}
}

// ParseAcquisition resolves an acquisition function by name.
func ParseAcquisition(name string, kappa, xi float64) (Acquisition, error) {
	switch name {
	case AcqLCB, "":
		return LCB(kappa), nil
	case AcqEI:
		return EI(xi), nil
	case AcqPI:
		return PI(xi), nil
	case AcqThompson:
		return Thompson(), nil
	}
	return nil, fmt.Errorf("unknown acquisition function %q", name)
}

func minIndex(scores []float64) int {
	best, idx := math.Inf(1), 0
	for i, s := range scores {
		if s < best {
			best, idx = s, i
		}
	}
	return idx
}
