// Package optimtest provides test problems and assertions shared by the
// minimiser test suites.
package optimtest

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/functions"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// Differentiable is satisfied by the test functions of
// gonum.org/v1/gonum/optimize/functions.
type Differentiable interface {
	Func(x []float64) float64
	Grad(grad, x []float64)
}

// FromGonum adapts a gonum test function to an optimization.Problem. The
// Hessian, when needed, is supplied separately.
func FromGonum(fn Differentiable, hess optimization.HessianFunc) optimization.Problem {
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			return fn.Func(x), nil
		},
		Grad: func(x []float64) ([]float64, error) {
			g := make([]float64, len(x))
			fn.Grad(g, x)
			return g, nil
		},
		Hess: hess,
	}
}

// Rosenbrock returns the extended Rosenbrock problem with its minimum of
// zero at (1, ..., 1).
func Rosenbrock() optimization.Problem {
	return FromGonum(functions.ExtendedRosenbrock{}, rosenbrockHess)
}

// rosenbrockHess is the Hessian of the sum over i of
// (1-x[i])² + 100·(x[i+1]-x[i]²)².
func rosenbrockHess(x []float64) (*mat.SymDense, error) {
	n := len(x)
	h := mat.NewSymDense(n, nil)
	for i := 0; i+1 < n; i++ {
		a, b := x[i], x[i+1]
		h.SetSym(i, i, h.At(i, i)+1200*a*a-400*b+2)
		h.SetSym(i, i+1, -400*a)
		h.SetSym(i+1, i+1, h.At(i+1, i+1)+200)
	}
	return h, nil
}

// Quadratic returns f(x) = ½·xᵀAx − bᵀx whose minimiser solves Ax = b.
func Quadratic(a *mat.SymDense, b []float64) optimization.Problem {
	n := len(b)
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			xv := mat.NewVecDense(n, x)
			return 0.5*mat.Inner(xv, a, xv) - mat.Dot(mat.NewVecDense(n, b), xv), nil
		},
		Grad: func(x []float64) ([]float64, error) {
			g := mat.NewVecDense(n, nil)
			g.MulVec(a, mat.NewVecDense(n, x))
			out := make([]float64, n)
			for i := range out {
				out[i] = g.AtVec(i) - b[i]
			}
			return out, nil
		},
		Hess: func(x []float64) (*mat.SymDense, error) {
			h := mat.NewSymDense(n, nil)
			h.CopySym(a)
			return h, nil
		},
	}
}

// RandomSPD returns a well conditioned random symmetric positive definite
// matrix.
func RandomSPD(n int, rng *rand.Rand) *mat.SymDense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	s := mat.NewSymDense(n, nil)
	s.SymOuterK(1, m)
	for i := 0; i < n; i++ {
		s.SetSym(i, i, s.At(i, i)+float64(n))
	}
	return s
}

// AssertFloat64SlicesEqual checks if two float64 slices are approximately equal.
func AssertFloat64SlicesEqual(t testing.TB, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// AssertMatEqual checks if two matrices are approximately equal.
func AssertMatEqual(t testing.TB, got, want mat.Matrix, tol float64) {
	t.Helper()

	rg, cg := got.Dims()
	rw, cw := want.Dims()
	if rg != rw || cg != cw {
		t.Fatalf("matrix dimensions mismatch: got %dx%d, want %dx%d", rg, cg, rw, cw)
	}

	for i := 0; i < rg; i++ {
		for j := 0; j < cg; j++ {
			if g, w := got.At(i, j), want.At(i, j); math.Abs(g-w) > tol {
				t.Fatalf("at (%d,%d): got %v, want %v (tolerance %v)", i, j, g, w, tol)
			}
		}
	}
}
