// Package trustregion implements the trust-region radius controller and the
// subproblem solvers that pick a step within the region.
package trustregion

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

const (
	// RhoUndefined is the ratio reported when the predicted reduction is
	// exactly zero.
	RhoUndefined = 1e99
	// boundaryTol decides whether a step lies on the region boundary.
	boundaryTol = 1e-5
	// minDelta is the smallest radius the controller will keep.
	minDelta = math.SmallestNonzeroFloat64
)

// Change describes what an update did to the radius.
type Change int

const (
	Unchanged Change = iota
	Shrunk
	Expanded
)

func (c Change) String() string {
	switch c {
	case Shrunk:
		return "shrunk"
	case Expanded:
		return "expanded"
	}
	return "unchanged"
}

// Region holds the trust-region radius of one run. It is owned by a single
// goroutine.
type Region struct {
	Delta    float64
	DeltaMax float64
	Eta      float64
}

// New validates the controller parameters.
func New(delta0, deltaMax, eta float64) (*Region, error) {
	const op = "trustregion.New"
	switch {
	case !(delta0 > 0):
		return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings, "delta0 %g must be positive", delta0).WithOperation(op)
	case delta0 > deltaMax:
		return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings, "delta0 %g exceeds delta_max %g", delta0, deltaMax).WithOperation(op)
	case eta < 0 || eta >= 0.25:
		return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings, "eta %g must lie in [0, 0.25)", eta).WithOperation(op)
	}
	return &Region{Delta: delta0, DeltaMax: deltaMax, Eta: eta}, nil
}

// Outcome is the decision taken for one step.
type Outcome struct {
	Actual    float64
	Predicted float64
	Rho       float64
	// PredictedZero is set when Rho is RhoUndefined.
	PredictedZero bool
	Change        Change
	// Delta is the radius after the update.
	Delta  float64
	Accept bool
}

// PredictedReduction returns m(0) - m(p) = -gᵀp - ½pᵀBp for the quadratic
// model with gradient g and matrix B.
func PredictedReduction(g []float64, b mat.Symmetric, p []float64) float64 {
	return -vecmath.Dot(g, p) - 0.5*vecmath.QuadForm(b, p)
}

// Step evaluates a step p from a point with value fk, model gradient g and
// model matrix b, given the function value fNew at the trial point.
func (r *Region) Step(fk, fNew float64, g []float64, b mat.Symmetric, p []float64) Outcome {
	return r.Update(fk-fNew, PredictedReduction(g, b, p), vecmath.Norm(p))
}

// Update adjusts the radius from the actual and predicted reductions of a
// step of length stepNorm, and reports whether the step is accepted.
func (r *Region) Update(actual, predicted, stepNorm float64) Outcome {
	out := Outcome{Actual: actual, Predicted: predicted}
	if predicted == 0 {
		out.Rho = RhoUndefined
		out.PredictedZero = true
	} else {
		out.Rho = actual / predicted
	}

	switch {
	case out.Rho < 0.25 || predicted < 0 || math.IsNaN(out.Rho):
		r.Delta *= 0.25
		out.Change = Shrunk
	case out.Rho > 0.75 && math.Abs(stepNorm-r.Delta) < boundaryTol:
		r.Delta = math.Min(2*r.Delta, r.DeltaMax)
		out.Change = Expanded
	}
	if r.Delta < minDelta {
		r.Delta = minDelta
	}

	out.Delta = r.Delta
	out.Accept = out.Rho > r.Eta && predicted > 0
	return out
}
