package minimise

import (
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/hessmod"
	"github.com/nmr-relax/relax-sub027/internal/linesearch"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// descent implements the line-search algorithms: steepest descent,
// coordinate descent, the conjugate gradient family, Newton, Newton-CG and
// BFGS.
type descent struct {
	e      *evaluator
	alg    optimization.Algorithm
	search optimization.LineSearchMethod
	params linesearch.Params
	mod    optimization.HessianMod
	tests
	logger *zap.Logger
	lsLog  *zap.Logger

	// p is the pending search direction of the conjugate gradient methods.
	p            []float64
	sinceRestart int

	// hInv is the BFGS inverse Hessian approximation.
	hInv    *mat.SymDense
	scaled  bool
	lastDir []float64

	// axis and sweep walk the coordinate axes back and forth.
	axis, sweep int
}

func newLineSearchMethod(e *evaluator, s *optimization.Settings, logger *zap.Logger) *descent {
	search := s.LineSearch.Method
	if search == optimization.LineSearchDefault {
		switch {
		case s.Algorithm.IsConjugateGradient(), s.Algorithm == optimization.BFGS:
			search = optimization.StrongWolfe
		default:
			search = optimization.Backtracking
		}
	}
	return &descent{
		e:      e,
		alg:    s.Algorithm,
		search: search,
		params: linesearch.ParamsFrom(s.LineSearch),
		mod:    s.HessianMod,
		tests:  newTests(s),
		logger: logger,
		lsLog:  logger.Named("linesearch"),
		sweep:  1,
	}
}

func (d *descent) usesHessian() bool {
	return d.alg == optimization.Newton || d.alg == optimization.NewtonCG
}

func (d *descent) init(st *State) error {
	var err error
	if st.F, err = d.e.f(st.X); err != nil {
		return err
	}
	if st.Grad, err = d.e.grad(st.X); err != nil {
		return err
	}
	if d.usesHessian() {
		if st.Hess, err = d.e.hess(st.X); err != nil {
			return err
		}
	}
	if d.alg == optimization.BFGS {
		d.hInv = identity(len(st.X))
	}
	return nil
}

func (d *descent) step(st *State) (*trial, error) {
	if vecmath.Norm(st.Grad) == 0 {
		// Stationary point; report it unchanged so the tests can fire.
		return &trial{x: st.X, f: st.F, g: st.Grad, accepted: true}, nil
	}

	p, err := d.direction(st)
	if err != nil {
		return nil, err
	}
	res, err := d.lineSearch(st, p)
	if errors.Is(err, optimization.ErrInvalidDirection) && d.alg != optimization.SteepestDescent {
		d.logger.Debug("direction is not descending, restarting along the negative gradient",
			zap.Int("k", st.K))
		d.restart()
		p = vecmath.Neg(st.Grad)
		res, err = d.lineSearch(st, p)
	}
	if err != nil {
		return nil, err
	}

	x := vecmath.AddScaled(st.X, res.Alpha, p)
	g := res.G
	if g == nil {
		if g, err = d.e.grad(x); err != nil {
			return nil, err
		}
	}
	d.lastDir = p
	return &trial{x: x, f: res.F, g: g, accepted: true}, nil
}

func (d *descent) lineSearch(st *State, p []float64) (linesearch.Result, error) {
	l := &linesearch.Line{
		Func: d.e.f,
		Grad: d.e.grad,
		X:    st.X,
		P:    p,
		F0:   st.F,
		G0:   st.Grad,
	}
	return linesearch.Search(d.search, l, d.params, d.lsLog)
}

func (d *descent) direction(st *State) ([]float64, error) {
	switch {
	case d.alg.IsConjugateGradient():
		if d.p == nil {
			d.p = vecmath.Neg(st.Grad)
		}
		return d.p, nil
	case d.alg == optimization.Newton:
		return d.newtonDirection(st)
	case d.alg == optimization.NewtonCG:
		return truncatedNewton(st.Hess, st.Grad), nil
	case d.alg == optimization.CoordinateDescent:
		return d.coordinateDirection(st.Grad), nil
	case d.alg == optimization.BFGS:
		p := vecmath.MulVec(d.hInv, st.Grad)
		floats.Scale(-1, p)
		return p, nil
	}
	return vecmath.Neg(st.Grad), nil
}

// newtonDirection solves the modified Newton system and falls back to
// steepest descent when the Hessian cannot be made positive definite.
func (d *descent) newtonDirection(st *State) ([]float64, error) {
	m, err := hessmod.Modify(d.mod, st.Hess)
	if err == nil {
		var p []float64
		if p, err = m.NewtonDirection(st.Grad); err == nil {
			return p, nil
		}
	}
	if errors.Is(err, optimization.ErrIndefiniteHessian) || errors.Is(err, optimization.ErrSingularSystem) {
		d.logger.Debug("Newton step unavailable, using steepest descent",
			zap.Int("k", st.K), zap.Error(err))
		return vecmath.Neg(st.Grad), nil
	}
	return nil, err
}

// truncatedNewton approximately solves H·p = −g by conjugate gradients. It
// stops on negative curvature or once the residual is below
// min(0.5, √‖g‖)·‖g‖, and returns −g when the first direction already has
// non-positive curvature.
func truncatedNewton(h mat.Symmetric, g []float64) []float64 {
	n := len(g)
	z := make([]float64, n)
	r := append([]float64(nil), g...)
	d := vecmath.Neg(g)
	gNorm := vecmath.Norm(g)
	tol := math.Min(0.5, math.Sqrt(gNorm)) * gNorm

	for j := 0; j < n; j++ {
		bd := vecmath.MulVec(h, d)
		dBd := vecmath.Dot(d, bd)
		if dBd <= 0 {
			if j == 0 {
				return vecmath.Neg(g)
			}
			return z
		}
		rr := vecmath.Dot(r, r)
		alpha := rr / dBd
		floats.AddScaled(z, alpha, d)
		floats.AddScaled(r, alpha, bd)
		if vecmath.Norm(r) < tol {
			break
		}
		beta := vecmath.Dot(r, r) / rr
		floats.Scale(beta, d)
		floats.Sub(d, r)
	}
	return z
}

// coordinateDirection is the steepest descent direction restricted to the
// next axis with a non-zero gradient component. The axes are visited in the
// order 0, 1, ..., n−1, n−2, ..., 0, 1, ...
func (d *descent) coordinateDirection(g []float64) []float64 {
	n := len(g)
	for i := 0; i < 2*n && g[d.axis] == 0; i++ {
		d.nextAxis(n)
	}
	p := make([]float64, n)
	p[d.axis] = -g[d.axis]
	d.nextAxis(n)
	return p
}

func (d *descent) nextAxis(n int) {
	if n == 1 {
		return
	}
	if next := d.axis + d.sweep; next < 0 || next >= n {
		d.sweep = -d.sweep
	}
	d.axis += d.sweep
}

func (d *descent) converged(st *State, t *trial) (bool, string) {
	return d.check(st.F, t.f, t.g)
}

func (d *descent) shift(st *State, t *trial) error {
	switch {
	case d.alg.IsConjugateGradient():
		d.updateCG(st.Grad, t.g)
	case d.alg == optimization.BFGS:
		d.updateBFGS(vecmath.Sub(t.x, st.X), vecmath.Sub(t.g, st.Grad))
	}

	st.X, st.F, st.Grad = t.x, t.f, t.g
	if d.usesHessian() {
		h, err := d.e.hess(st.X)
		if err != nil {
			return err
		}
		st.Hess = h
	}
	return nil
}

func (d *descent) restart() {
	d.p = nil
	d.sinceRestart = 0
	if d.hInv != nil {
		d.hInv = identity(d.hInv.SymmetricDim())
		d.scaled = false
	}
}

// beta returns the conjugate gradient update coefficient.
func (d *descent) beta(gOld, gNew, pOld []float64) float64 {
	ggOld := vecmath.Dot(gOld, gOld)
	y := vecmath.Sub(gNew, gOld)
	var b float64
	switch d.alg {
	case optimization.CGFletcherReeves:
		if ggOld == 0 {
			return 0
		}
		b = vecmath.Dot(gNew, gNew) / ggOld
	case optimization.CGPolakRibiere, optimization.CGPolakRibierePlus:
		if ggOld == 0 {
			return 0
		}
		b = vecmath.Dot(gNew, y) / ggOld
		if d.alg == optimization.CGPolakRibierePlus && b < 0 {
			b = 0
		}
	case optimization.CGHestenesStiefel:
		denom := vecmath.Dot(pOld, y)
		if denom == 0 {
			return 0
		}
		b = vecmath.Dot(gNew, y) / denom
	}
	return b
}

func (d *descent) updateCG(gOld, gNew []float64) {
	d.sinceRestart++
	pOld := d.lastDir
	gg := vecmath.Dot(gNew, gNew)

	b := 0.0
	switch {
	case gg == 0:
	case math.Abs(vecmath.Dot(gNew, gOld))/gg >= 0.1:
		// Successive gradients are far from orthogonal.
	case d.sinceRestart >= len(gNew):
		// Periodic restart every n iterations.
	default:
		b = d.beta(gOld, gNew, pOld)
	}
	if b == 0 {
		d.sinceRestart = 0
	}

	p := vecmath.Neg(gNew)
	if b != 0 {
		floats.AddScaled(p, b, pOld)
	}
	if vecmath.Dot(p, gNew) >= 0 {
		p = vecmath.Neg(gNew)
		d.sinceRestart = 0
	}
	d.p = p
}

// updateBFGS applies the inverse Hessian update
// H ← (I − ρ·s·yᵀ)·H·(I − ρ·y·sᵀ) + ρ·s·sᵀ, skipping steps that would break
// positive definiteness.
func (d *descent) updateBFGS(s, y []float64) {
	sy := vecmath.Dot(s, y)
	if sy <= 0 {
		d.logger.Debug("skipping BFGS update with non-positive curvature", zap.Float64("sy", sy))
		return
	}
	n := len(s)
	if !d.scaled {
		d.hInv = identity(n)
		scale := sy / vecmath.Dot(y, y)
		for i := 0; i < n; i++ {
			d.hInv.SetSym(i, i, scale)
		}
		d.scaled = true
	}

	rho := 1 / sy
	hy := vecmath.MulVec(d.hInv, y)
	yHy := vecmath.Dot(y, hy)
	c := rho*rho*yHy + rho
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := d.hInv.At(i, j) - rho*(s[i]*hy[j]+hy[i]*s[j]) + c*s[i]*s[j]
			d.hInv.SetSym(i, j, v)
		}
	}
}

func identity(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}
