package minimise

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// State is the current iterate of one run. It is owned by the run and
// passed explicitly to every step.
type State struct {
	X    []float64
	F    float64
	Grad []float64
	Hess *mat.SymDense
	// K is the zero-based iteration counter.
	K int

	optimization.Stats
}

// trial is the point proposed by one iteration. Rejected trials of
// trust-region and damping methods keep the current point as the answer.
type trial struct {
	x        []float64
	f        float64
	g        []float64
	accepted bool
}

// method is one iterative algorithm plugged into the driver loop.
type method interface {
	// init evaluates what the method needs at st.X.
	init(st *State) error
	// step proposes the next iterate.
	step(st *State) (*trial, error)
	// converged applies the termination tests to a proposal.
	converged(st *State, t *trial) (bool, string)
	// shift makes an accepted proposal the current iterate.
	shift(st *State, t *trial) error
}

// evaluator counts and guards calls to the problem callbacks.
type evaluator struct {
	prob  optimization.Problem
	stats *optimization.Stats
}

func guard(op string, err *error) {
	if r := recover(); r != nil {
		*err = optimization.UserError(op, fmt.Errorf("panic: %v", r))
	}
}

func (e *evaluator) f(x []float64) (val float64, err error) {
	e.stats.FuncCalls++
	defer guard("func", &err)
	if e.prob.Func == nil {
		r, err := e.prob.Residuals(x)
		if err != nil {
			return 0, optimization.UserError("residuals", err)
		}
		return vecmath.Dot(r, r), nil
	}
	val, err = e.prob.Func(x)
	if err != nil {
		return 0, optimization.UserError("func", err)
	}
	return val, nil
}

func (e *evaluator) grad(x []float64) (g []float64, err error) {
	e.stats.GradCalls++
	defer guard("grad", &err)
	g, err = e.prob.Grad(x)
	if err != nil {
		return nil, optimization.UserError("grad", err)
	}
	if len(g) != len(x) {
		return nil, optimization.UserError("grad", fmt.Errorf("gradient has %d elements, want %d", len(g), len(x)))
	}
	return g, nil
}

func (e *evaluator) hess(x []float64) (h *mat.SymDense, err error) {
	e.stats.HessCalls++
	defer guard("hess", &err)
	h, err = e.prob.Hess(x)
	if err != nil {
		return nil, optimization.UserError("hess", err)
	}
	if h == nil || h.SymmetricDim() != len(x) {
		return nil, optimization.UserError("hess", fmt.Errorf("Hessian has the wrong dimension"))
	}
	return h, nil
}

func (e *evaluator) residuals(x []float64) (r []float64, err error) {
	defer guard("residuals", &err)
	r, err = e.prob.Residuals(x)
	if err != nil {
		return nil, optimization.UserError("residuals", err)
	}
	return r, nil
}

func (e *evaluator) jacobian(x []float64) (j *mat.Dense, err error) {
	e.stats.GradCalls++
	defer guard("jacobian", &err)
	j, err = e.prob.Jacobian(x)
	if err != nil {
		return nil, optimization.UserError("jacobian", err)
	}
	return j, nil
}

// tests holds the standard convergence tests.
type tests struct {
	funcTol, relTol, gradTol float64
}

func newTests(s *optimization.Settings) tests {
	return tests{funcTol: s.FuncTol, relTol: s.RelFuncTol, gradTol: s.GradTol}
}

// check applies the function, relative and gradient tests. The gradient test
// also fires when the function value did not change at all.
func (c tests) check(fk, fNew float64, g []float64) (bool, string) {
	diff := math.Abs(fNew - fk)
	if optimization.Enabled(c.funcTol) && diff <= c.funcTol {
		return true, "function tolerance reached"
	}
	if optimization.Enabled(c.relTol) && diff <= c.relTol*math.Max(1, math.Abs(fk)) {
		return true, "relative function tolerance reached"
	}
	if optimization.Enabled(c.gradTol) {
		if g != nil && vecmath.Norm(g) <= c.gradTol {
			return true, "gradient tolerance reached"
		}
		if fNew-fk == 0 {
			return true, "function value unchanged"
		}
	}
	return false, ""
}

// errStopped is returned by the run loop when the Recorder asks to stop.
var errStopped = errors.New("stopped by recorder")

// run drives m until a termination condition fires. It never returns a nil
// result.
func run(ctx context.Context, m method, st *State, s *optimization.Settings, logger *zap.Logger) *optimization.Result {
	res := &optimization.Result{Algorithm: s.Algorithm}
	finish := func(x []float64, f float64, reason optimization.Reason, msg string, err error) *optimization.Result {
		res.X = append([]float64(nil), x...)
		res.F = f
		res.Reason = reason
		res.Message = msg
		res.Err = err
		res.Stats = st.Stats
		logger.Info("minimisation finished",
			zap.Stringer("algorithm", s.Algorithm),
			zap.Stringer("reason", reason),
			zap.String("message", msg),
			zap.Float64("f", f),
			zap.Int("iterations", res.Iterations),
			zap.Int("func_calls", res.FuncCalls),
			zap.Int("grad_calls", res.GradCalls),
			zap.Int("hess_calls", res.HessCalls))
		return res
	}
	fail := func(err error) *optimization.Result {
		st.Iterations = st.K
		return finish(st.X, st.F, optimization.Failed, err.Error(), err)
	}

	if err := m.init(st); err != nil {
		return fail(err)
	}
	if !finite(st.F) {
		return fail(optimization.WrapErrorf(optimization.ErrUserFunction,
			"function value %g at the starting point", st.F).WithComponent("minimise"))
	}
	if optimization.Enabled(s.GradTol) && st.Grad != nil && vecmath.Norm(st.Grad) <= s.GradTol {
		return finish(st.X, st.F, optimization.Converged, "gradient tolerance reached at the starting point", nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			st.Iterations = st.K
			return finish(st.X, st.F, optimization.Cancelled, err.Error(), err)
		}

		t, err := m.step(st)
		if err != nil {
			return fail(err)
		}
		x, f := st.X, st.F
		if t.accepted {
			x, f = t.x, t.f
		}

		st.Iterations = st.K + 1
		if st.K >= s.MaxIter-1 {
			return finish(x, f, optimization.MaxIterations, "maximum number of iterations reached", nil)
		}
		if ok, msg := m.converged(st, t); ok {
			return finish(x, f, optimization.Converged, msg, nil)
		}
		if t.accepted && !finite(t.f) {
			return fail(optimization.WrapErrorf(optimization.ErrUserFunction,
				"function value %g encountered", t.f).WithComponent("minimise"))
		}

		if t.accepted {
			if err := m.shift(st, t); err != nil {
				return fail(err)
			}
		}
		st.K++

		if logger.Core().Enabled(zap.DebugLevel) {
			logger.Debug("iteration",
				zap.Int("k", st.K),
				zap.Float64("f", st.F),
				zap.Bool("accepted", t.accepted),
				zap.Float64s("x", st.X))
		}
		if s.Recorder != nil && t.accepted {
			ev := optimization.Evaluation{
				Iteration: st.K,
				Solution:  optimization.Solution{Parameters: append([]float64(nil), st.X...), Value: st.F},
				GradNorm:  vecmath.Norm(st.Grad),
			}
			if err := s.Recorder(ev); err != nil {
				st.Iterations = st.K
				return finish(st.X, st.F, optimization.Cancelled, err.Error(), errors.Join(errStopped, err))
			}
		}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
