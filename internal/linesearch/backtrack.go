package linesearch

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Backtrack shrinks the step by Rho, starting from AInit, until the Armijo
// sufficient decrease condition holds.
func Backtrack(l *Line, p Params) (Result, error) {
	p = p.withDefaults()
	dphi0, err := l.slope("Backtrack")
	if err != nil {
		return Result{}, err
	}

	alpha := p.AInit
	phiA := math.NaN()
	for i := 1; i <= p.MaxIter; i++ {
		phiA, err = l.phi(alpha)
		if err != nil {
			return Result{}, err
		}
		if optimize.ArmijoConditionMet(phiA, l.F0, dphi0, alpha, p.C) {
			return Result{Alpha: alpha, F: phiA, Iterations: i}, nil
		}
		alpha *= p.Rho
	}
	return Result{}, &FailureError{
		Method:     "backtracking",
		Alpha:      alpha / p.Rho,
		Phi:        phiA,
		Iterations: p.MaxIter,
		Reason:     "sufficient decrease not reached",
	}
}
