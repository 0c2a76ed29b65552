package minimise

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// Per outer iteration scaling of the penalty, tolerance and gradient
// tolerance factors.
const (
	scaleMu      = 0.5
	scaleEpsilon = 1e-2
	scaleGamma   = 1e-2
	minMu        = 1e-99
)

// constraintSet stacks linear constraints A·x − b >= 0 on top of general
// constraints c(x) >= 0.
type constraintSet struct {
	cons  optimization.Constraints
	calls int
}

func (c *constraintSet) values(x []float64) (out []float64, err error) {
	c.calls++
	defer guard("constraints", &err)
	if c.cons.A != nil {
		out = vecmath.MulVec(c.cons.A, x)
		floats.Sub(out, c.cons.B)
	}
	if c.cons.Func != nil {
		v, err := c.cons.Func(x)
		if err != nil {
			return nil, optimization.UserError("constraints", err)
		}
		out = append(out, v...)
	}
	return out, nil
}

func (c *constraintSet) jacobian(x []float64) (out *mat.Dense, err error) {
	defer guard("constraint_jacobian", &err)
	var blocks []*mat.Dense
	if c.cons.A != nil {
		blocks = append(blocks, c.cons.A)
	}
	if c.cons.Jac != nil {
		j, err := c.cons.Jac(x)
		if err != nil {
			return nil, optimization.UserError("constraint_jacobian", err)
		}
		blocks = append(blocks, j)
	}
	rows := 0
	for _, b := range blocks {
		r, cols := b.Dims()
		if cols != len(x) {
			return nil, optimization.UserError("constraint_jacobian",
				fmt.Errorf("constraint Jacobian has %d columns, want %d", cols, len(x)))
		}
		rows += r
	}
	out = mat.NewDense(rows, len(x), nil)
	offset := 0
	for _, b := range blocks {
		r, _ := b.Dims()
		out.Slice(offset, offset+r, 0, len(x)).(*mat.Dense).Copy(b)
		offset += r
	}
	return out, nil
}

// augmented is the augmented Lagrangian
//
//	L(x) = f(x) + Σ ψ(c_i(x), λ_i, μ)
//
// with ψ = −λc + c²/(2μ) for active constraints (c <= μλ) and −μλ²/2
// otherwise. The active set is decided at the point being evaluated, so the
// value, gradient and Hessian are always consistent.
type augmented struct {
	prob   optimization.Problem
	cons   *constraintSet
	lambda []float64
	mu     float64
}

func (a *augmented) active(c []float64, i int) bool {
	return c[i] <= a.mu*a.lambda[i]
}

func (a *augmented) problem() optimization.Problem {
	p := optimization.Problem{Func: a.value, Grad: a.gradient}
	if a.prob.Hess != nil {
		p.Hess = a.hessian
	}
	return p
}

func (a *augmented) value(x []float64) (float64, error) {
	f, err := a.prob.Func(x)
	if err != nil {
		return 0, err
	}
	c, err := a.cons.values(x)
	if err != nil {
		return 0, err
	}
	for i, ci := range c {
		if a.active(c, i) {
			f += -a.lambda[i]*ci + ci*ci/(2*a.mu)
		} else {
			f -= 0.5 * a.mu * a.lambda[i] * a.lambda[i]
		}
	}
	return f, nil
}

func (a *augmented) gradient(x []float64) ([]float64, error) {
	g, err := a.prob.Grad(x)
	if err != nil {
		return nil, err
	}
	g = append([]float64(nil), g...)
	c, err := a.cons.values(x)
	if err != nil {
		return nil, err
	}
	dc, err := a.cons.jacobian(x)
	if err != nil {
		return nil, err
	}
	for i, ci := range c {
		if a.active(c, i) {
			floats.AddScaled(g, -(a.lambda[i] - ci/a.mu), dc.RawRowView(i))
		}
	}
	return g, nil
}

func (a *augmented) hessian(x []float64) (*mat.SymDense, error) {
	h, err := a.prob.Hess(x)
	if err != nil {
		return nil, err
	}
	out := mat.NewSymDense(len(x), nil)
	out.CopySym(h)
	c, err := a.cons.values(x)
	if err != nil {
		return nil, err
	}
	dc, err := a.cons.jacobian(x)
	if err != nil {
		return nil, err
	}
	for i := range c {
		if a.active(c, i) {
			row := mat.NewVecDense(len(x), dc.RawRowView(i))
			out.SymRankOne(out, 1/a.mu, row)
		}
	}
	return out, nil
}

// multipliers runs the method of multipliers: an unconstrained inner
// minimisation of the augmented Lagrangian followed by a multiplier update,
// repeated with a shrinking penalty parameter.
func multipliers(ctx context.Context, p optimization.Problem, s optimization.Settings, logger *zap.Logger) (*optimization.Result, error) {
	logger = logger.Named("multipliers")
	cfg := s.Multipliers
	cons := &constraintSet{cons: s.Constraints}
	o := newOuterRun("method of multipliers", p, s.Algorithm, logger)

	x := append([]float64(nil), s.X0...)
	c, err := cons.values(x)
	if err != nil {
		return o.fail(x, err)
	}
	lambda := make([]float64, len(c))
	switch {
	case cfg.Lambda0 != nil:
		if len(cfg.Lambda0) != len(c) {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings,
				"%d starting multipliers for %d constraints", len(cfg.Lambda0), len(c)).
				WithComponent("minimise").WithOperation("multipliers")
		}
		copy(lambda, cfg.Lambda0)
	default:
		for i, ci := range c {
			if ci <= 0 {
				lambda[i] = cfg.InitLambda
			}
		}
	}

	inner := cfg.Inner
	if inner == optimization.NoAlgorithm {
		inner = optimization.CGPolakRibierePlus
		if p.Hess != nil {
			inner = optimization.Newton
		}
	}

	mu, eps, gamma := cfg.Mu0, cfg.Epsilon0, cfg.Gamma0
	aug := &augmented{prob: p, cons: cons, lambda: lambda, mu: mu}
	L, err := aug.value(x)
	if err != nil {
		return o.fail(x, err)
	}
	o.stats.FuncCalls++
	tol := newTests(&s)

	for k := 0; ; k++ {
		if err := ctx.Err(); err != nil {
			return o.finish(x, optimization.Cancelled, err.Error(), err), nil
		}

		tk := math.Min(eps, gamma*vecmath.Norm(c))
		if !(tk > 0) {
			tk = math.SmallestNonzeroFloat64
		}
		in := innerSettings(s, inner, x, min(cfg.InnerMaxIter, s.MaxIter-o.stats.Iterations), logger)
		in.FuncTol = optimization.Off
		in.RelFuncTol = optimization.Off
		in.GradTol = tk

		aug.lambda, aug.mu = lambda, mu
		sub, err := Minimise(ctx, aug.problem(), in)
		if err != nil {
			return o.fail(x, err)
		}
		if res := o.add(x, sub, k); res != nil {
			return res, nil
		}
		xNew, LNew := sub.X, sub.F

		if o.stats.Iterations >= s.MaxIter-1 {
			return o.finish(xNew, optimization.MaxIterations, "maximum number of iterations reached", nil), nil
		}

		var dL []float64
		if optimization.Enabled(s.GradTol) {
			if dL, err = aug.gradient(xNew); err != nil {
				return o.fail(xNew, err)
			}
			o.stats.GradCalls++
		}
		if ok, msg := tol.check(L, LNew, dL); ok {
			return o.finish(xNew, optimization.Converged, msg, nil), nil
		}
		if math.IsInf(LNew, 1) || math.IsNaN(LNew) {
			err := optimization.WrapErrorf(optimization.ErrUserFunction,
				"augmented Lagrangian value %g encountered", LNew).WithComponent("minimise")
			return o.fail(xNew, err)
		}

		if c, err = cons.values(xNew); err != nil {
			return o.fail(xNew, err)
		}
		lambda = append([]float64(nil), lambda...)
		for i, ci := range c {
			lambda[i] = math.Max(lambda[i]-ci/mu, 0)
		}
		mu *= scaleMu
		eps *= scaleEpsilon
		gamma *= scaleGamma

		logger.Debug("multiplier update",
			zap.Int("k", k),
			zap.Float64("L", LNew),
			zap.Float64("mu", mu),
			zap.Float64("tk", tk),
			zap.Float64s("lambda", lambda))

		if mu < minMu {
			return o.finish(xNew, optimization.MaxIterations, "Mu too small", nil), nil
		}
		x, L = xNew, LNew

		if res := o.record(&s, k+1, x, L); res != nil {
			return res, nil
		}
	}
}
