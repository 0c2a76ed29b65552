package minimise

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// logBarrier is
//
//	ψ(x) = f(x) − ε Σ log c_i(x)
//
// inside the strictly feasible region and +Inf outside it. Second
// derivatives of the constraints are taken to be zero.
type logBarrier struct {
	prob    optimization.Problem
	cons    *constraintSet
	epsilon float64
}

func (b *logBarrier) problem() optimization.Problem {
	p := optimization.Problem{Func: b.value, Grad: b.gradient}
	if b.prob.Hess != nil {
		p.Hess = b.hessian
	}
	return p
}

func (b *logBarrier) value(x []float64) (float64, error) {
	f, err := b.prob.Func(x)
	if err != nil {
		return 0, err
	}
	c, err := b.cons.values(x)
	if err != nil {
		return 0, err
	}
	for _, ci := range c {
		if !(ci > 0) {
			return math.Inf(1), nil
		}
		f -= b.epsilon * math.Log(ci)
	}
	return f, nil
}

// gradient skips constraints that are not strictly satisfied, where the
// barrier is infinite.
func (b *logBarrier) gradient(x []float64) ([]float64, error) {
	g, err := b.prob.Grad(x)
	if err != nil {
		return nil, err
	}
	g = append([]float64(nil), g...)
	c, err := b.cons.values(x)
	if err != nil {
		return nil, err
	}
	dc, err := b.cons.jacobian(x)
	if err != nil {
		return nil, err
	}
	for i, ci := range c {
		if ci > 0 {
			floats.AddScaled(g, -b.epsilon/ci, dc.RawRowView(i))
		}
	}
	return g, nil
}

func (b *logBarrier) hessian(x []float64) (*mat.SymDense, error) {
	h, err := b.prob.Hess(x)
	if err != nil {
		return nil, err
	}
	out := mat.NewSymDense(len(x), nil)
	out.CopySym(h)
	c, err := b.cons.values(x)
	if err != nil {
		return nil, err
	}
	dc, err := b.cons.jacobian(x)
	if err != nil {
		return nil, err
	}
	for i, ci := range c {
		if ci > 0 {
			row := mat.NewVecDense(len(x), dc.RawRowView(i))
			out.SymRankOne(out, b.epsilon/(ci*ci), row)
		}
	}
	return out, nil
}

// barrier runs the logarithmic barrier method: the barrier function is
// minimised from a strictly feasible point and the barrier weight shrinks
// after every inner run.
func barrier(ctx context.Context, p optimization.Problem, s optimization.Settings, logger *zap.Logger) (*optimization.Result, error) {
	logger = logger.Named("barrier")
	cfg := s.Barrier
	cons := &constraintSet{cons: s.Constraints}
	o := newOuterRun("log barrier", p, s.Algorithm, logger)

	x := append([]float64(nil), s.X0...)
	c, err := cons.values(x)
	if err != nil {
		return o.fail(x, err)
	}
	for i, ci := range c {
		if !(ci > 0) {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings,
				"starting point violates constraint %d (c=%g); the log barrier needs a strictly feasible start", i, ci).
				WithComponent("minimise").WithOperation("barrier")
		}
	}

	inner := cfg.Inner
	if inner == optimization.NoAlgorithm {
		inner = optimization.BFGS
		if p.Hess != nil {
			inner = optimization.Newton
		}
	}

	eps := cfg.Epsilon0
	lb := &logBarrier{prob: p, cons: cons, epsilon: eps}
	psi, err := lb.value(x)
	if err != nil {
		return o.fail(x, err)
	}
	o.stats.FuncCalls++
	tol := newTests(&s)

	for k := 0; ; k++ {
		if err := ctx.Err(); err != nil {
			return o.finish(x, optimization.Cancelled, err.Error(), err), nil
		}

		in := innerSettings(s, inner, x, min(cfg.InnerMaxIter, s.MaxIter-o.stats.Iterations), logger)
		// Backtracking steps back from the infinite values outside the
		// feasible region.
		if in.LineSearch.Method == optimization.LineSearchDefault {
			in.LineSearch.Method = optimization.Backtracking
		}

		lb.epsilon = eps
		sub, err := Minimise(ctx, lb.problem(), in)
		if err != nil {
			return o.fail(x, err)
		}
		if res := o.add(x, sub, k); res != nil {
			return res, nil
		}
		xNew, psiNew := sub.X, sub.F

		if o.stats.Iterations >= s.MaxIter-1 {
			return o.finish(xNew, optimization.MaxIterations, "maximum number of iterations reached", nil), nil
		}

		var g []float64
		if optimization.Enabled(s.GradTol) {
			if g, err = lb.gradient(xNew); err != nil {
				return o.fail(xNew, err)
			}
			o.stats.GradCalls++
		}
		if ok, msg := tol.check(psi, psiNew, g); ok {
			return o.finish(xNew, optimization.Converged, msg, nil), nil
		}
		if math.IsInf(psiNew, 1) || math.IsNaN(psiNew) {
			err := optimization.WrapErrorf(optimization.ErrUserFunction,
				"barrier function value %g encountered", psiNew).WithComponent("minimise")
			return o.fail(xNew, err)
		}

		eps *= cfg.Scale
		logger.Debug("barrier update",
			zap.Int("k", k),
			zap.Float64("psi", psiNew),
			zap.Float64("epsilon", eps))
		x, psi = xNew, psiNew

		if res := o.record(&s, k+1, x, psi); res != nil {
			return res, nil
		}
	}
}
