// Package optimization holds the contracts shared by the minimisation
// algorithms: the problem callbacks, run settings, the closed set of
// algorithms and the termination record returned to callers.
package optimization

import (
	"gonum.org/v1/gonum/mat"
)

// ObjectiveFunc evaluates the cost at x. It must not modify x.
type ObjectiveFunc func(x []float64) (float64, error)

// GradientFunc returns the vector of partial derivatives at x. The returned
// slice must have len(x) elements and is owned by the caller.
type GradientFunc func(x []float64) ([]float64, error)

// HessianFunc returns the symmetric matrix of second derivatives at x.
type HessianFunc func(x []float64) (*mat.SymDense, error)

// ResidualFunc returns the weighted residual vector r(x) of a least-squares
// objective f(x) = sum(r_i(x)^2).
type ResidualFunc func(x []float64) ([]float64, error)

// JacobianFunc returns the m×n matrix dr_i/dx_j of the residuals.
type JacobianFunc func(x []float64) (*mat.Dense, error)

// Problem bundles the externally supplied callbacks. Only Func is mandatory;
// which of the others are needed depends on the selected Algorithm.
type Problem struct {
	Func ObjectiveFunc
	Grad GradientFunc
	Hess HessianFunc

	// Residuals and Jacobian are used by Levenberg-Marquardt only.
	Residuals ResidualFunc
	Jacobian  JacobianFunc
}

// Solution represents a point in parameter space and its function value.
type Solution struct {
	Parameters []float64
	Value      float64
}

// Evaluation records one accepted iterate of a run.
type Evaluation struct {
	Iteration int
	Solution  Solution
	GradNorm  float64
}

// Recorder is called after every accepted iteration. Returning a non-nil
// error stops the run at the iteration boundary with reason Cancelled.
type Recorder func(Evaluation) error

// Reason is the termination reason code of a run.
type Reason int

const (
	// Running is the zero value; a finished run never reports it.
	Running Reason = iota
	// Converged means a convergence test was satisfied.
	Converged
	// MaxIterations means the iteration budget was used up. This is a
	// normal termination, not an error.
	MaxIterations
	// Failed means the run could not continue; Result.Err holds the cause.
	Failed
	// Cancelled means the context was done or the Recorder asked to stop.
	Cancelled
)

var reasonNames = map[Reason]string{
	Running:       "running",
	Converged:     "converged",
	MaxIterations: "max_iterations",
	Failed:        "failed",
	Cancelled:     "cancelled",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Stats contains the counters of a run.
type Stats struct {
	Iterations int
	FuncCalls  int
	GradCalls  int
	HessCalls  int
}

// Result is the termination record of one run. It is produced once, when the
// run ends, and is not modified afterwards.
type Result struct {
	X []float64
	F float64

	Algorithm Algorithm
	Reason    Reason
	// Message is a human-readable explanation of Reason.
	Message string
	// Err is the underlying cause when Reason is Failed.
	Err error

	Stats
}
