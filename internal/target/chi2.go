// Package target provides least-squares objective functions: the chi-squared
// statistic with its gradient and Hessian for any back-calculating model,
// and the two-parameter exponential decay used for relaxation curve fitting.
package target

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// Chi2 returns sum(((y_i - b_i)/sigma_i)^2).
func Chi2(data, back, errors []float64) float64 {
	var sum float64
	for i := range data {
		r := (data[i] - back[i]) / errors[i]
		sum += r * r
	}
	return sum
}

// Chi2Gradient writes the chi-squared gradient into dst,
//
//	dchi2/dtheta_j = -2 sum (y_i - b_i)/sigma_i^2 * db_i/dtheta_j
//
// where jac holds db_i/dtheta_j in row i, column j.
func Chi2Gradient(dst, data, back []float64, jac mat.Matrix, errors []float64) {
	for j := range dst {
		dst[j] = 0
	}
	for i := range data {
		w := -2 * (data[i] - back[i]) / (errors[i] * errors[i])
		for j := range dst {
			dst[j] += w * jac.At(i, j)
		}
	}
}

// Chi2Hessian writes the chi-squared Hessian into dst,
//
//	d2chi2/dtheta_j dtheta_k = 2 sum 1/sigma_i^2 * (db_i/dtheta_j * db_i/dtheta_k - (y_i - b_i) * d2b_i/dtheta_j dtheta_k)
//
// hess holds one second-derivative matrix per data point; a nil entry is
// treated as zero.
func Chi2Hessian(dst *mat.SymDense, data, back []float64, jac mat.Matrix, hess []*mat.SymDense, errors []float64) {
	n := dst.SymmetricDim()
	for j := 0; j < n; j++ {
		for k := j; k < n; k++ {
			dst.SetSym(j, k, 0)
		}
	}
	for i := range data {
		w := 2 / (errors[i] * errors[i])
		d := data[i] - back[i]
		for j := 0; j < n; j++ {
			for k := j; k < n; k++ {
				v := jac.At(i, j) * jac.At(i, k)
				if i < len(hess) && hess[i] != nil {
					v -= d * hess[i].At(j, k)
				}
				dst.SetSym(j, k, dst.At(j, k)+w*v)
			}
		}
	}
}

// Model back-calculates the measured values from a parameter vector.
type Model interface {
	// Dims returns the number of parameters.
	Dims() int
	// Values returns b_i(theta) for every data point.
	Values(x []float64) []float64
	// Jacobian returns db_i/dtheta_j as a len(data)×Dims matrix.
	Jacobian(x []float64) *mat.Dense
	// Hessians returns d2b_i/dtheta_j dtheta_k for every data point.
	Hessians(x []float64) []*mat.SymDense
}

// LeastSquares is a chi-squared fit of a Model to measured data.
type LeastSquares struct {
	model  Model
	data   []float64
	errors []float64
}

// New validates the data and returns the fit. Every error must be positive
// and finite.
func New(model Model, data, errors []float64) (*LeastSquares, error) {
	if model == nil {
		return nil, invalid("New", "nil model")
	}
	if len(data) == 0 || len(data) != len(errors) {
		return nil, invalid("New", "data and errors must be non-empty and of equal length, got %d and %d", len(data), len(errors))
	}
	for i, s := range errors {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, invalid("New", "error %d is %v, must be positive and finite", i, s)
		}
	}
	return &LeastSquares{
		model:  model,
		data:   append([]float64(nil), data...),
		errors: append([]float64(nil), errors...),
	}, nil
}

func invalid(op, format string, args ...interface{}) error {
	return optimization.WrapErrorf(optimization.ErrInvalidSettings, format, args...).
		WithComponent("target").WithOperation(op)
}

func (ls *LeastSquares) check(op string, x []float64) error {
	if len(x) != ls.model.Dims() {
		return invalid(op, "got %d parameters, model has %d", len(x), ls.model.Dims())
	}
	return nil
}

// Value returns the chi-squared value at x.
func (ls *LeastSquares) Value(x []float64) (float64, error) {
	if err := ls.check("Value", x); err != nil {
		return 0, err
	}
	return Chi2(ls.data, ls.model.Values(x), ls.errors), nil
}

// Gradient returns the chi-squared gradient at x.
func (ls *LeastSquares) Gradient(x []float64) ([]float64, error) {
	if err := ls.check("Gradient", x); err != nil {
		return nil, err
	}
	g := make([]float64, len(x))
	Chi2Gradient(g, ls.data, ls.model.Values(x), ls.model.Jacobian(x), ls.errors)
	return g, nil
}

// Hessian returns the chi-squared Hessian at x.
func (ls *LeastSquares) Hessian(x []float64) (*mat.SymDense, error) {
	if err := ls.check("Hessian", x); err != nil {
		return nil, err
	}
	h := mat.NewSymDense(len(x), nil)
	Chi2Hessian(h, ls.data, ls.model.Values(x), ls.model.Jacobian(x), ls.model.Hessians(x), ls.errors)
	return h, nil
}

// Residuals returns r_i = (b_i(theta) - y_i)/sigma_i, so Value is sum(r_i^2).
func (ls *LeastSquares) Residuals(x []float64) ([]float64, error) {
	if err := ls.check("Residuals", x); err != nil {
		return nil, err
	}
	back := ls.model.Values(x)
	r := make([]float64, len(back))
	for i := range r {
		r[i] = (back[i] - ls.data[i]) / ls.errors[i]
	}
	return r, nil
}

// Jacobian returns dr_i/dtheta_j, the model Jacobian with each row divided
// by its error.
func (ls *LeastSquares) Jacobian(x []float64) (*mat.Dense, error) {
	if err := ls.check("Jacobian", x); err != nil {
		return nil, err
	}
	jac := ls.model.Jacobian(x)
	rows, cols := jac.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			jac.Set(i, j, jac.At(i, j)/ls.errors[i])
		}
	}
	return jac, nil
}

// Problem returns every callback of the fit, usable with any algorithm.
func (ls *LeastSquares) Problem() optimization.Problem {
	return optimization.Problem{
		Func:      ls.Value,
		Grad:      ls.Gradient,
		Hess:      ls.Hessian,
		Residuals: ls.Residuals,
		Jacobian:  ls.Jacobian,
	}
}
