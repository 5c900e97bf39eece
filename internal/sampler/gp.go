package sampler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrSingular means the kernel matrix could not be factorized with the
// current regularization.
var ErrSingular = errors.New("gaussian process: kernel matrix is singular")

// maxCondition is the largest condition number accepted for a factorization.
const maxCondition = 1e14

// GPParams configures the gaussian-process surrogate.
type GPParams struct {
	// LengthScale of the RBF kernel, in unit-hypercube coordinates.
	LengthScale float64
	// Alpha is added to the kernel diagonal.
	Alpha float64
	// Normalize standardizes the targets before fitting.
	Normalize bool
}

// Model is a fitted gaussian process. It is immutable.
type Model struct {
	x       [][]float64
	chol    mat.Cholesky
	weights *mat.VecDense
	params  GPParams
	yMean   float64
	yStd    float64
}

// Fit conditions a gaussian process on X and y. It has no side effects on
// its arguments.
func Fit(X [][]float64, y []float64, params GPParams) (*Model, error) {
	n := len(X)
	if n == 0 {
		return nil, errors.New("gaussian process: no observations")
	}
	if len(y) != n {
		return nil, fmt.Errorf("gaussian process: %d inputs for %d targets", n, len(y))
	}
	if params.LengthScale <= 0 {
		params.LengthScale = 1
	}

	m := &Model{params: params, yStd: 1}
	m.x = make([][]float64, n)
	for i := range X {
		m.x[i] = append([]float64(nil), X[i]...)
	}

	targets := append([]float64(nil), y...)
	if params.Normalize {
		m.yMean, m.yStd = meanStd(targets)
		for i := range targets {
			targets[i] = (targets[i] - m.yMean) / m.yStd
		}
	}

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := m.kernel(m.x[i], m.x[j])
			if i == j {
				v += params.Alpha
			}
			k.SetSym(i, j, v)
		}
	}

	if ok := m.chol.Factorize(k); !ok || m.chol.Cond() > maxCondition {
		return nil, ErrSingular
	}

	m.weights = mat.NewVecDense(n, nil)
	if err := m.chol.SolveVecTo(m.weights, mat.NewVecDense(n, targets)); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, ErrSingular
		}
		return nil, err
	}
	return m, nil
}

// Predict returns the posterior mean and standard deviation at x.
func (m *Model) Predict(x []float64) (mu, sigma float64) {
	n := len(m.x)
	ks := mat.NewVecDense(n, nil)
	for i := range m.x {
		ks.SetVec(i, m.kernel(x, m.x[i]))
	}
	mu = mat.Dot(ks, m.weights)

	var v mat.VecDense
	variance := 1.0
	if err := m.chol.SolveVecTo(&v, ks); err == nil {
		variance -= mat.Dot(ks, &v)
	}
	if variance < 1e-12 {
		variance = 1e-12
	}
	return mu*m.yStd + m.yMean, math.Sqrt(variance) * m.yStd
}

// kernel is a unit-variance RBF.
func (m *Model) kernel(a, b []float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	l := m.params.LengthScale
	return math.Exp(-d2 / (2 * l * l))
}

func meanStd(y []float64) (mean, std float64) {
	mean, std = stat.PopMeanStdDev(y, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return mean, std
}
