// Package vecmath contains the small dense linear algebra helpers used by
// the minimisers. Vectors are plain []float64 so they can be passed to and
// from user callbacks without conversion.
package vecmath

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dot returns a·b. It returns 0 for empty vectors.
func Dot(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	return floats.Dot(a, b)
}

// Norm returns the Euclidean norm of x.
func Norm(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Norm(x, 2)
}

// AllFinite reports whether no element of x is NaN or infinite.
func AllFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// AddScaled returns x + alpha·p in a new slice.
func AddScaled(x []float64, alpha float64, p []float64) []float64 {
	out := make([]float64, len(x))
	floats.AddScaledTo(out, x, alpha, p)
	return out
}

// Sub returns a - b in a new slice.
func Sub(a, b []float64) []float64 {
	out := make([]float64, len(a))
	floats.SubTo(out, a, b)
	return out
}

// Neg returns -x in a new slice.
func Neg(x []float64) []float64 {
	out := make([]float64, len(x))
	floats.ScaleTo(out, -1, x)
	return out
}

// MulVec returns A·v for any matrix A.
func MulVec(a mat.Matrix, v []float64) []float64 {
	r, _ := a.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(a, mat.NewVecDense(len(v), v))
	return out.RawVector().Data
}

// QuadForm returns vᵀ·B·v.
func QuadForm(b mat.Symmetric, v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	vv := mat.NewVecDense(len(v), v)
	return mat.Inner(vv, b, vv)
}

// AddIdentity returns B + tau·I as a new matrix.
func AddIdentity(b mat.Symmetric, tau float64) *mat.SymDense {
	n := b.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(b)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, out.At(i, i)+tau)
	}
	return out
}

// Cholesky factorises B. The boolean is false when B is not numerically
// positive definite.
func Cholesky(b mat.Symmetric) (*mat.Cholesky, bool) {
	var chol mat.Cholesky
	if ok := chol.Factorize(b); !ok {
		return nil, false
	}
	return &chol, true
}

// CholeskySolve solves (LLᵀ)·x = rhs. Ill conditioning is reported through
// the boolean; the solution is still returned when it is finite.
func CholeskySolve(chol *mat.Cholesky, rhs []float64) ([]float64, bool) {
	var x mat.VecDense
	err := chol.SolveVecTo(&x, mat.NewVecDense(len(rhs), rhs))
	out := x.RawVector().Data
	if err != nil {
		if _, cond := err.(mat.Condition); !cond || !AllFinite(out) {
			return nil, false
		}
	}
	return out, AllFinite(out)
}

// BoundaryTau returns the positive root tau of ||z + tau·d|| = delta. It
// requires ||z|| <= delta and d != 0.
func BoundaryTau(z, d []float64, delta float64) float64 {
	a := Dot(d, d)
	b := 2 * Dot(z, d)
	c := Dot(z, z) - delta*delta
	if a == 0 {
		return 0
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		disc = 0
	}
	// Avoid cancellation for the positive root.
	sq := math.Sqrt(disc)
	if b >= 0 {
		q := -0.5 * (b + sq)
		if q == 0 {
			return 0
		}
		return c / q
	}
	return (-b + sq) / (2 * a)
}

// RandomUnitVector returns a vector drawn uniformly from the unit sphere in
// n dimensions. A nil src uses the global source.
func RandomUnitVector(n int, src rand.Source) []float64 {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	v := make([]float64, n)
	for {
		for i := range v {
			v[i] = normal.Rand()
		}
		if norm := Norm(v); norm > 0 {
			floats.Scale(1/norm, v)
			return v
		}
	}
}
