// Package objective turns textual expressions such as
// "(1 - x0)**2 + 100*(x1 - x0**2)**2" into minimisation problems. The
// gradient and Hessian are approximated by central finite differences.
package objective

import (
	"fmt"
	"math"
	"strconv"

	"github.com/Knetic/govaluate"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// Default finite-difference steps.
const (
	DefaultStep        = 1e-6
	DefaultHessianStep = 1e-4
)

var functions = map[string]govaluate.ExpressionFunction{
	"sin":  unary(math.Sin),
	"cos":  unary(math.Cos),
	"tan":  unary(math.Tan),
	"exp":  unary(math.Exp),
	"log":  unary(math.Log),
	"sqrt": unary(math.Sqrt),
	"abs":  unary(math.Abs),
	"pow": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
		}
		return math.Pow(toFloat(args[0]), toFloat(args[1])), nil
	},
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(toFloat(args[0])), nil
	}
}

// Expression is a compiled objective. It is safe for concurrent use.
type Expression struct {
	source string
	expr   *govaluate.EvaluableExpression
	names  []string
	step   float64
	hstep  float64
}

// Names returns the default variable names x0..x{n-1}.
func Names(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = "x" + strconv.Itoa(i)
	}
	return names
}

// Parse compiles src over the variables x0..x{dims-1}.
func Parse(src string, dims int) (*Expression, error) {
	return ParseNamed(src, Names(dims))
}

// ParseNamed compiles src over the given variable names, which map to the
// parameter vector in order. Every variable the expression refers to must
// be named.
func ParseNamed(src string, names []string) (*Expression, error) {
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
	if err != nil {
		return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings, "parse %q: %v", src, err).
			WithComponent("objective").WithOperation("Parse")
	}
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for _, tok := range expr.Tokens() {
		if tok.Kind != govaluate.VARIABLE {
			continue
		}
		if v, _ := tok.Value.(string); !known[v] {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings, "unknown variable %q in %q", v, src).
				WithComponent("objective").WithOperation("Parse")
		}
	}
	return &Expression{
		source: src,
		expr:   expr,
		names:  append([]string(nil), names...),
		step:   DefaultStep,
		hstep:  DefaultHessianStep,
	}, nil
}

// WithSteps returns a copy of e using the given gradient and Hessian
// finite-difference steps. Non-positive values keep the current step.
func (e *Expression) WithSteps(grad, hess float64) *Expression {
	c := *e
	if grad > 0 {
		c.step = grad
	}
	if hess > 0 {
		c.hstep = hess
	}
	return &c
}

func (e *Expression) String() string { return e.source }

// Dims returns the number of parameters.
func (e *Expression) Dims() int { return len(e.names) }

// Value evaluates the expression at x.
func (e *Expression) Value(x []float64) (float64, error) {
	if len(x) != len(e.names) {
		return math.NaN(), fmt.Errorf("objective %q: got %d parameters, want %d", e.source, len(x), len(e.names))
	}
	params := make(map[string]interface{}, len(x))
	for i, n := range e.names {
		params[n] = x[i]
	}
	v, err := e.expr.Evaluate(params)
	if err != nil {
		return math.NaN(), fmt.Errorf("objective %q: %w", e.source, err)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	}
	return math.NaN(), fmt.Errorf("objective %q: result is %T, not a number", e.source, v)
}

// numeric adapts Value to the error-free signature used by fd. The first
// evaluation error is kept in err.
type numeric struct {
	e   *Expression
	err error
}

func (n *numeric) f(x []float64) float64 {
	v, err := n.e.Value(x)
	if err != nil && n.err == nil {
		n.err = err
	}
	return v
}

// Gradient approximates the gradient at x by central differences.
func (e *Expression) Gradient(x []float64) ([]float64, error) {
	n := &numeric{e: e}
	g := fd.Gradient(nil, n.f, x, &fd.Settings{Formula: fd.Central, Step: e.step})
	if n.err != nil {
		return nil, n.err
	}
	return g, nil
}

// Hessian approximates the Hessian at x by finite differences.
func (e *Expression) Hessian(x []float64) (*mat.SymDense, error) {
	n := &numeric{e: e}
	h := mat.NewSymDense(len(x), nil)
	fd.Hessian(h, n.f, x, &fd.Settings{Step: e.hstep})
	if n.err != nil {
		return nil, n.err
	}
	return h, nil
}

// Problem returns the objective with its finite-difference derivatives.
func (e *Expression) Problem() optimization.Problem {
	return optimization.Problem{
		Func: e.Value,
		Grad: e.Gradient,
		Hess: e.Hessian,
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}
