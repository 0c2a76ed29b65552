// Package minimise runs one minimisation of a user objective from a starting
// point with a chosen algorithm and returns a termination record.
//
// All iterative algorithms share one driver loop: propose a new point,
// stop on the iteration budget, apply the convergence tests to the
// proposal, refuse infinite values, then make the proposal current. Runs are
// independent; every run owns its state and may execute concurrently with
// others provided the supplied callbacks are safe for concurrent use.
package minimise

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmr-relax/relax-sub027/internal/grid"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// Minimise runs the algorithm selected in s on p starting from s.X0.
//
// An error is returned only when the run could not be set up. Everything
// that happens once iterating has started, including callback errors and
// numerical breakdowns, is reported through Result.Reason and Result.Err.
func Minimise(ctx context.Context, p optimization.Problem, s optimization.Settings) (res *optimization.Result, err error) {
	s = s.WithDefaults()
	if err := s.Validate(p); err != nil {
		return nil, err
	}
	logger := s.Logger.Named("minimise").With(zap.Stringer("algorithm", s.Algorithm))

	defer func() {
		if r := recover(); r != nil {
			perr := optimization.WrapErrorf(optimization.ErrUserFunction, "panic: %v", r).
				WithComponent("minimise")
			logger.Error("minimisation panicked", zap.Any("panic", r))
			res = &optimization.Result{
				X:         append([]float64(nil), s.X0...),
				Algorithm: s.Algorithm,
				Reason:    optimization.Failed,
				Message:   perr.Error(),
				Err:       perr,
			}
			err = nil
		}
	}()

	if s.Algorithm == optimization.GridSearch {
		return gridSearch(ctx, p, s, logger)
	}
	if len(s.X0) == 0 {
		return noParameters(p, s, logger), nil
	}
	switch s.Algorithm {
	case optimization.MethodOfMultipliers:
		return multipliers(ctx, p, s, logger)
	case optimization.LogBarrier:
		return barrier(ctx, p, s, logger)
	}

	st := &State{X: append([]float64(nil), s.X0...)}
	m, err := newMethod(&evaluator{prob: p, stats: &st.Stats}, &s, logger)
	if err != nil {
		return nil, err
	}
	return run(ctx, m, st, &s, logger), nil
}

func newMethod(e *evaluator, s *optimization.Settings, logger *zap.Logger) (method, error) {
	switch a := s.Algorithm; {
	case a == optimization.SteepestDescent,
		a == optimization.CoordinateDescent,
		a.IsConjugateGradient(),
		a == optimization.Newton,
		a == optimization.NewtonCG,
		a == optimization.BFGS:
		return newLineSearchMethod(e, s, logger), nil
	case a.IsTrustRegion():
		return newTrustRegionMethod(e, s, logger)
	case a == optimization.LevenbergMarquardt:
		return newLevenbergMarquardt(e, s, logger), nil
	case a == optimization.Simplex:
		return newSimplex(e, s, logger), nil
	}
	return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings,
		"algorithm %s is not iterative", s.Algorithm).WithComponent("minimise")
}

// noParameters handles models without parameters: the function is evaluated
// once and returned as is.
func noParameters(p optimization.Problem, s optimization.Settings, logger *zap.Logger) *optimization.Result {
	st := &State{}
	e := &evaluator{prob: p, stats: &st.Stats}
	f, err := e.f(nil)
	res := &optimization.Result{
		X:         []float64{},
		F:         f,
		Algorithm: s.Algorithm,
		Reason:    optimization.Converged,
		Message:   "No optimisation",
		Stats:     st.Stats,
	}
	if err != nil {
		res.Reason = optimization.Failed
		res.Message = err.Error()
		res.Err = err
	}
	logger.Info("model has no parameters", zap.Float64("f", f))
	return res
}

func gridSearch(ctx context.Context, p optimization.Problem, s optimization.Settings, logger *zap.Logger) (*optimization.Result, error) {
	g, err := grid.New(s.Grid)
	if err != nil {
		return nil, err
	}
	// Workers run outside the panic handler of Minimise.
	f := func(x []float64) (v float64, err error) {
		defer guard("func", &err)
		return p.Func(x)
	}

	res := &optimization.Result{Algorithm: s.Algorithm}
	best, err := grid.Search(ctx, f, g, s.Constraints, s.Grid.Workers, logger.Named("grid"))
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Reason = optimization.Cancelled
		res.Message = err.Error()
		res.Err = err
		return res, nil
	case err != nil:
		res.Reason = optimization.Failed
		res.Message = err.Error()
		res.Err = err
		return res, nil
	}

	res.Stats = optimization.Stats{Iterations: best.Evaluated, FuncCalls: best.Evaluated}
	if best.Index < 0 {
		res.Reason = optimization.Failed
		res.Message = "no feasible grid point with a finite function value"
		res.Err = optimization.NewErrorf("%s", res.Message).WithComponent("grid")
		return res, nil
	}
	res.X = best.X
	res.F = best.F
	res.Reason = optimization.Converged
	res.Message = fmt.Sprintf("grid search of %d points complete", g.Size())
	return res, nil
}
