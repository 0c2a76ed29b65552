package minimise

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// outerRun accumulates the result of a constrained method that repeatedly
// calls Minimise on an unconstrained subproblem.
type outerRun struct {
	name   string
	prob   optimization.Problem
	res    *optimization.Result
	stats  optimization.Stats
	logger *zap.Logger
}

func newOuterRun(name string, p optimization.Problem, alg optimization.Algorithm, logger *zap.Logger) *outerRun {
	return &outerRun{
		name:   name,
		prob:   p,
		res:    &optimization.Result{Algorithm: alg},
		logger: logger,
	}
}

// finish reports f at x rather than the value of the subproblem.
func (o *outerRun) finish(x []float64, reason optimization.Reason, msg string, cause error) *optimization.Result {
	res := o.res
	res.X = append([]float64(nil), x...)
	res.Reason, res.Message, res.Err = reason, msg, cause
	if f, err := o.prob.Func(x); err == nil {
		res.F = f
		o.stats.FuncCalls++
	} else if reason != optimization.Failed {
		res.F = math.NaN()
	}
	res.Stats = o.stats
	o.logger.Info(o.name+" finished",
		zap.Stringer("reason", reason),
		zap.String("message", msg),
		zap.Float64("f", res.F),
		zap.Int("iterations", o.stats.Iterations))
	return res
}

func (o *outerRun) fail(x []float64, err error) (*optimization.Result, error) {
	return o.finish(x, optimization.Failed, err.Error(), err), nil
}

// add counts the work of one inner run. It returns a final result when the
// inner run ended in a way the outer loop cannot continue from.
func (o *outerRun) add(x []float64, sub *optimization.Result, k int) *optimization.Result {
	o.stats.Iterations += sub.Iterations
	o.stats.FuncCalls += sub.FuncCalls
	o.stats.GradCalls += sub.GradCalls
	o.stats.HessCalls += sub.HessCalls

	switch {
	case sub.Reason == optimization.Cancelled:
		return o.finish(x, optimization.Cancelled, sub.Message, sub.Err)
	case sub.Reason == optimization.Failed && errors.Is(sub.Err, optimization.ErrUserFunction):
		return o.finish(x, optimization.Failed, sub.Err.Error(), sub.Err)
	case sub.Reason == optimization.Failed:
		// A stalled inner run still leaves a usable point.
		o.logger.Debug("inner minimisation failed", zap.Int("k", k), zap.String("message", sub.Message))
	}
	return nil
}

// record passes an outer iterate to the recorder of s.
func (o *outerRun) record(s *optimization.Settings, k int, x []float64, v float64) *optimization.Result {
	if s.Recorder == nil {
		return nil
	}
	ev := optimization.Evaluation{
		Iteration: k,
		Solution:  optimization.Solution{Parameters: append([]float64(nil), x...), Value: v},
	}
	if err := s.Recorder(ev); err != nil {
		return o.finish(x, optimization.Cancelled, err.Error(), errors.Join(errStopped, err))
	}
	return nil
}

// innerSettings derives the settings of an unconstrained subproblem from s.
func innerSettings(s optimization.Settings, alg optimization.Algorithm, x0 []float64, maxIter int, logger *zap.Logger) optimization.Settings {
	in := s
	in.Algorithm = alg
	in.X0 = x0
	in.MaxIter = maxIter
	in.Constraints = optimization.Constraints{}
	in.Recorder = nil
	in.LineSearch.Curvature = 0
	in.Logger = logger
	return in
}
