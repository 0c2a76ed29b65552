package linesearch

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Wolfe finds a step satisfying the strong Wolfe conditions with the
// bracketing and zoom phases of Nocedal and Wright, Algorithms 3.5 and 3.6.
func Wolfe(l *Line, p Params) (Result, error) {
	p = p.withDefaults()
	dphi0, err := l.slope("Wolfe")
	if err != nil {
		return Result{}, err
	}
	w := wolfe{line: l, p: p, dphi0: dphi0}

	prev := point{alpha: 0, phi: l.F0, dphi: dphi0}
	alpha := p.AInit
	for i := 1; i <= p.MaxIter; i++ {
		cur, err := w.eval(alpha)
		if err != nil {
			return Result{}, err
		}
		if !optimize.ArmijoConditionMet(cur.phi, l.F0, dphi0, alpha, p.C) ||
			(i > 1 && cur.phi >= prev.phi) {
			return w.zoom(prev, cur)
		}
		if optimize.StrongWolfeConditionsMet(cur.phi, cur.dphi, l.F0, dphi0, alpha, p.C, p.Curvature) {
			return w.result(cur), nil
		}
		if cur.dphi >= 0 {
			return w.zoom(cur, prev)
		}
		if alpha >= p.AMax {
			break
		}
		prev = cur
		alpha = math.Min(2*alpha, p.AMax)
	}
	return Result{}, &FailureError{
		Method:     "wolfe",
		Alpha:      alpha,
		Phi:        prev.phi,
		Iterations: w.evals,
		Reason:     "no bracketing interval found",
	}
}

type point struct {
	alpha, phi, dphi float64
	g                []float64
}

type wolfe struct {
	line  *Line
	p     Params
	dphi0 float64
	evals int
}

func (w *wolfe) eval(alpha float64) (point, error) {
	w.evals++
	phi, dphi, g, err := w.line.phiGrad(alpha)
	if err != nil {
		return point{}, err
	}
	return point{alpha: alpha, phi: phi, dphi: dphi, g: g}, nil
}

func (w *wolfe) result(pt point) Result {
	return Result{Alpha: pt.alpha, F: pt.phi, G: pt.g, Iterations: w.evals}
}

// zoom narrows the bracket [lo, hi], where lo holds the lowest function value
// seen that satisfies sufficient decrease.
func (w *wolfe) zoom(lo, hi point) (Result, error) {
	phi0 := w.line.F0
	for w.evals < w.p.MaxIter {
		width := math.Abs(hi.alpha - lo.alpha)
		if width <= 1e-16*math.Max(1, math.Abs(lo.alpha)) {
			break
		}
		alpha, ok := cubicMin(lo.alpha, lo.phi, lo.dphi, hi.alpha, hi.phi, hi.dphi)
		left, right := math.Min(lo.alpha, hi.alpha), math.Max(lo.alpha, hi.alpha)
		if !ok || math.IsNaN(alpha) || alpha < left+0.1*width || alpha > right-0.1*width {
			alpha = 0.5 * (lo.alpha + hi.alpha)
		}

		cur, err := w.eval(alpha)
		if err != nil {
			return Result{}, err
		}
		if !optimize.ArmijoConditionMet(cur.phi, phi0, w.dphi0, alpha, w.p.C) || cur.phi >= lo.phi {
			hi = cur
			continue
		}
		if optimize.StrongWolfeConditionsMet(cur.phi, cur.dphi, phi0, w.dphi0, alpha, w.p.C, w.p.Curvature) {
			return w.result(cur), nil
		}
		if cur.dphi*(hi.alpha-lo.alpha) >= 0 {
			hi = lo
		}
		lo = cur
	}
	return Result{}, &FailureError{
		Method:     "wolfe",
		Alpha:      lo.alpha,
		Phi:        lo.phi,
		Iterations: w.evals,
		Reason:     "zoom did not find a strong Wolfe point",
	}
}
