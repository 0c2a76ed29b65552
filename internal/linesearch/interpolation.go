package linesearch

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Interpolate is the interpolating backtracking search: the first rejected
// step is replaced by the minimiser of the quadratic through phi(0), phi'(0)
// and phi(alpha0); later steps use the cubic through the last two trial
// points and their slopes. Each new step is kept within [0.1, 0.5] of the
// previous one.
func Interpolate(l *Line, p Params) (Result, error) {
	p = p.withDefaults()
	dphi0, err := l.slope("Interpolate")
	if err != nil {
		return Result{}, err
	}

	alpha := p.AInit
	phiA, dphiA, g, err := l.phiGrad(alpha)
	if err != nil {
		return Result{}, err
	}
	if optimize.ArmijoConditionMet(phiA, l.F0, dphi0, alpha, p.C) {
		return Result{Alpha: alpha, F: phiA, G: g, Iterations: 1}, nil
	}

	next := safeguard(quadraticMin(l.F0, dphi0, alpha, phiA), alpha)
	for i := 2; i <= p.MaxIter; i++ {
		prev, phiPrev, dphiPrev := alpha, phiA, dphiA
		alpha = next
		phiA, dphiA, g, err = l.phiGrad(alpha)
		if err != nil {
			return Result{}, err
		}
		if optimize.ArmijoConditionMet(phiA, l.F0, dphi0, alpha, p.C) {
			return Result{Alpha: alpha, F: phiA, G: g, Iterations: i}, nil
		}

		trial, ok := cubicMin(prev, phiPrev, dphiPrev, alpha, phiA, dphiA)
		if !ok {
			return Result{}, &FailureError{
				Method:     "interpolation",
				Alpha:      alpha,
				Phi:        phiA,
				Iterations: i,
				Reason:     "cubic interpolant has no real minimiser",
			}
		}
		next = safeguard(trial, alpha)
	}
	return Result{}, &FailureError{
		Method:     "interpolation",
		Alpha:      alpha,
		Phi:        phiA,
		Iterations: p.MaxIter,
		Reason:     "sufficient decrease not reached",
	}
}

// quadraticMin returns the minimiser of the quadratic matching phi(0),
// phi'(0) and phi(a).
func quadraticMin(phi0, dphi0, a, phiA float64) float64 {
	denom := 2 * (phiA - phi0 - dphi0*a)
	if denom == 0 {
		return math.NaN()
	}
	return -dphi0 * a * a / denom
}

// cubicMin returns the minimiser of the cubic Hermite interpolant through
// (a, phiA, dphiA) and (b, phiB, dphiB). The boolean is false when the
// interpolant has no real stationary point.
func cubicMin(a, phiA, dphiA, b, phiB, dphiB float64) (float64, bool) {
	d1 := dphiA + dphiB - 3*(phiA-phiB)/(a-b)
	disc := d1*d1 - dphiA*dphiB
	if disc < 0 {
		return 0, false
	}
	d2 := math.Copysign(math.Sqrt(disc), b-a)
	denom := dphiB - dphiA + 2*d2
	if denom == 0 {
		return math.NaN(), true
	}
	return b - (b-a)*(dphiB+d2-d1)/denom, true
}

// safeguard keeps a backtracking trial within [0.1, 0.5]·prev and halves the
// step when the interpolation produced nothing usable.
func safeguard(trial, prev float64) float64 {
	lo, hi := 0.1*prev, 0.5*prev
	switch {
	case math.IsNaN(trial) || math.IsInf(trial, 0):
		return hi
	case trial < lo:
		return lo
	case trial > hi:
		return hi
	}
	return trial
}
