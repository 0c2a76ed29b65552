// Package linesearch finds step lengths along a descent direction.
//
// Every search starts from a Line, which fixes the start point, the search
// direction and the function value and gradient at the start. The searches
// report the accepted step length together with the function value there,
// and the gradient when they had to compute it, so the caller never needs to
// evaluate the accepted point again.
package linesearch

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// Line is the one-dimensional restriction phi(alpha) = f(X + alpha·P).
type Line struct {
	Func optimization.ObjectiveFunc
	// Grad is required by every search except backtracking and none.
	Grad optimization.GradientFunc

	X  []float64
	P  []float64
	F0 float64
	G0 []float64
}

// Params tunes a search.
type Params struct {
	// C is the sufficient decrease constant.
	C float64
	// Rho is the backtracking contraction factor.
	Rho float64
	// AInit is the first trial step.
	AInit float64
	// Curvature is the strong Wolfe curvature constant.
	Curvature float64
	// AMax bounds the extrapolated step of the Wolfe searches.
	AMax    float64
	MaxIter int
}

// ParamsFrom converts run settings into search parameters.
func ParamsFrom(s optimization.LineSearchSettings) Params {
	return Params{
		C:         s.C,
		Rho:       s.Rho,
		AInit:     s.AInit,
		Curvature: s.Curvature,
		MaxIter:   s.MaxIter,
	}
}

func (p Params) withDefaults() Params {
	if p.C <= 0 {
		p.C = optimization.DefaultArmijoC
	}
	if p.Rho <= 0 || p.Rho >= 1 {
		p.Rho = optimization.DefaultBacktrack
	}
	if p.AInit <= 0 {
		p.AInit = optimization.DefaultInitialStep
	}
	if p.Curvature <= p.C || p.Curvature >= 1 {
		p.Curvature = 0.9
	}
	if p.AMax <= 0 {
		p.AMax = 1e4 * p.AInit
	}
	if p.MaxIter <= 0 {
		p.MaxIter = optimization.DefaultLSMaxIter
	}
	return p
}

// Result is the outcome of a successful search.
type Result struct {
	Alpha float64
	// F is phi(Alpha).
	F float64
	// G is the gradient at X + Alpha·P, or nil when it was not computed.
	G          []float64
	Iterations int
}

// FailureError is returned when no acceptable step was found. It carries the
// last step tried so callers can log it.
type FailureError struct {
	Method     string
	Alpha      float64
	Phi        float64
	Iterations int
	Reason     string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("linesearch: %s: %s after %d iterations (alpha=%g, phi=%g)",
		e.Method, e.Reason, e.Iterations, e.Alpha, e.Phi)
}

// Unwrap lets errors.Is match optimization.ErrLineSearchFailure.
func (e *FailureError) Unwrap() error {
	return optimization.ErrLineSearchFailure
}

// Search runs the selected method. LineSearchDefault is treated as
// backtracking.
func Search(method optimization.LineSearchMethod, l *Line, p Params, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		res Result
		err error
	)
	switch method {
	case optimization.Interpolation:
		res, err = Interpolate(l, p)
	case optimization.StrongWolfe:
		res, err = Wolfe(l, p)
	case optimization.MoreThuente:
		res, err = MoreThuenteSearch(l, p)
	case optimization.NoLineSearch:
		res, err = None(l, p)
	default:
		res, err = Backtrack(l, p)
	}
	if err != nil {
		logger.Debug("line search failed",
			zap.Stringer("method", method),
			zap.Error(err))
		return res, err
	}
	logger.Debug("line search done",
		zap.Stringer("method", method),
		zap.Float64("alpha", res.Alpha),
		zap.Float64("f", res.F),
		zap.Int("iterations", res.Iterations))
	return res, nil
}

// slope returns phi'(0) and fails when P is not a descent direction.
func (l *Line) slope(op string) (float64, error) {
	d := vecmath.Dot(l.G0, l.P)
	if math.IsNaN(d) || d >= 0 {
		return d, optimization.WrapErrorf(optimization.ErrInvalidDirection,
			"directional derivative %g is not negative", d).
			WithComponent("linesearch").WithOperation(op)
	}
	return d, nil
}

func (l *Line) point(alpha float64) []float64 {
	return vecmath.AddScaled(l.X, alpha, l.P)
}

func (l *Line) phi(alpha float64) (float64, error) {
	return l.Func(l.point(alpha))
}

// phiGrad evaluates phi and phi' at alpha and returns the full gradient.
func (l *Line) phiGrad(alpha float64) (float64, float64, []float64, error) {
	x := l.point(alpha)
	f, err := l.Func(x)
	if err != nil {
		return 0, 0, nil, err
	}
	g, err := l.Grad(x)
	if err != nil {
		return 0, 0, nil, err
	}
	return f, vecmath.Dot(g, l.P), g, nil
}

// None accepts the initial step without any test.
func None(l *Line, p Params) (Result, error) {
	p = p.withDefaults()
	f, err := l.phi(p.AInit)
	if err != nil {
		return Result{}, err
	}
	return Result{Alpha: p.AInit, F: f, Iterations: 1}, nil
}
