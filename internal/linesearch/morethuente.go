package linesearch

import (
	"gonum.org/v1/gonum/optimize"
)

// MoreThuenteSearch drives gonum's More-Thuente line searcher, which
// guarantees a step satisfying the strong Wolfe conditions when one exists.
func MoreThuenteSearch(l *Line, p Params) (Result, error) {
	p = p.withDefaults()
	dphi0, err := l.slope("MoreThuente")
	if err != nil {
		return Result{}, err
	}

	ls := &optimize.MoreThuente{
		DecreaseFactor:  p.C,
		CurvatureFactor: p.Curvature,
	}
	op := ls.Init(l.F0, dphi0, p.AInit)
	alpha := p.AInit

	var last point
	for i := 1; i <= p.MaxIter; i++ {
		if op&optimize.MajorIteration != 0 {
			return Result{Alpha: last.alpha, F: last.phi, G: last.g, Iterations: i - 1}, nil
		}
		phi, dphi, g, err := l.phiGrad(alpha)
		if err != nil {
			return Result{}, err
		}
		last = point{alpha: alpha, phi: phi, dphi: dphi, g: g}

		op, alpha, err = ls.Iterate(phi, dphi)
		if err != nil {
			return Result{}, &FailureError{
				Method:     "more_thuente",
				Alpha:      last.alpha,
				Phi:        last.phi,
				Iterations: i,
				Reason:     err.Error(),
			}
		}
	}
	if op&optimize.MajorIteration != 0 {
		return Result{Alpha: last.alpha, F: last.phi, G: last.g, Iterations: p.MaxIter}, nil
	}
	return Result{}, &FailureError{
		Method:     "more_thuente",
		Alpha:      last.alpha,
		Phi:        last.phi,
		Iterations: p.MaxIter,
		Reason:     "iteration limit reached",
	}
}
