// Package hessmod turns a possibly indefinite Hessian into a positive
// definite model matrix for Newton-type steps.
package hessmod

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

const (
	// maxCholeskyAttempts bounds the identity-shift loop of the Cholesky
	// modification.
	maxCholeskyAttempts = 200
	// epsilon is the float64 machine epsilon.
	epsilon = 0x1p-52
)

// Model is a positive definite model matrix and its factorisation.
type Model struct {
	B    *mat.SymDense
	Chol *mat.Cholesky
	// Tau is the multiple of the identity that was added to the Hessian.
	Tau float64
}

// Modify applies the selected modification to h. The input is not changed.
// Unmodified fails with optimization.ErrIndefiniteHessian when h is not
// positive definite.
func Modify(method optimization.HessianMod, h mat.Symmetric) (*Model, error) {
	switch method {
	case optimization.EigenvalueMod:
		return eigenvalue(h)
	case optimization.CholeskyMod:
		return addedIdentity(h)
	case optimization.SE99Mod:
		return se99(h)
	default:
		return unmodified(h)
	}
}

// NewtonDirection returns p solving B·p = -g with the factorised model.
func (m *Model) NewtonDirection(g []float64) ([]float64, error) {
	p, ok := vecmath.CholeskySolve(m.Chol, vecmath.Neg(g))
	if !ok {
		return nil, optimization.WrapErrorf(optimization.ErrSingularSystem, "Newton system could not be solved").
			WithComponent("hessmod").WithOperation("NewtonDirection")
	}
	return p, nil
}

func unmodified(h mat.Symmetric) (*Model, error) {
	b := vecmath.AddIdentity(h, 0)
	chol, ok := vecmath.Cholesky(b)
	if !ok {
		return nil, indefinite("unmodified")
	}
	return &Model{B: b, Chol: chol}, nil
}

// eigenvalue shifts the spectrum of h so that its smallest eigenvalue is at
// least sqrt(eps).
func eigenvalue(h mat.Symmetric) (*Model, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(h, false); !ok {
		return nil, indefinite("eigenvalue")
	}
	values := eig.Values(nil)
	minEig := math.Inf(1)
	for _, v := range values {
		minEig = math.Min(minEig, v)
	}
	tau := math.Max(0, math.Sqrt(epsilon)-minEig)

	b := vecmath.AddIdentity(h, tau)
	chol, ok := vecmath.Cholesky(b)
	if !ok {
		return nil, indefinite("eigenvalue")
	}
	return &Model{B: b, Chol: chol, Tau: tau}, nil
}

// addedIdentity is the Cholesky with added multiple of the identity
// modification: tau starts at zero when the diagonal is positive and at half
// the Frobenius norm otherwise, and grows until the factorisation succeeds.
func addedIdentity(h mat.Symmetric) (*Model, error) {
	n := h.SymmetricDim()
	minDiag := math.Inf(1)
	for i := 0; i < n; i++ {
		minDiag = math.Min(minDiag, h.At(i, i))
	}
	halfNorm := 0.5 * mat.Norm(h, 2)
	if halfNorm == 0 {
		halfNorm = math.Sqrt(epsilon)
	}

	tau := 0.0
	if minDiag <= 0 {
		tau = halfNorm
	}
	for i := 0; i < maxCholeskyAttempts; i++ {
		b := vecmath.AddIdentity(h, tau)
		if chol, ok := vecmath.Cholesky(b); ok {
			return &Model{B: b, Chol: chol, Tau: tau}, nil
		}
		tau = math.Max(2*tau, halfNorm)
	}
	return nil, indefinite("cholesky")
}

func indefinite(method string) error {
	return optimization.WrapErrorf(optimization.ErrIndefiniteHessian, "%s modification failed", method).
		WithComponent("hessmod").WithOperation("Modify")
}
