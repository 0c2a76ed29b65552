package trustregion

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// Model is the quadratic model m(p) = f + gᵀp + ½pᵀBp at the current point.
type Model struct {
	G []float64
	B *mat.SymDense
	// Chol is the factorisation of B when B is known to be positive
	// definite. Solvers that need it factorise B themselves when it is nil.
	Chol *mat.Cholesky
}

// Solver picks a step p with ||p|| <= delta that reduces the model.
type Solver interface {
	Solve(m *Model, delta float64) ([]float64, error)
}

func (m *Model) factor(op string) (*mat.Cholesky, error) {
	if m.Chol != nil {
		return m.Chol, nil
	}
	chol, ok := vecmath.Cholesky(m.B)
	if !ok {
		return nil, optimization.WrapErrorf(optimization.ErrIndefiniteHessian,
			"model matrix is not positive definite").
			WithComponent("trustregion").WithOperation(op)
	}
	m.Chol = chol
	return chol, nil
}

// Cauchy returns the minimiser of the model along -g within the region.
type Cauchy struct{}

func (Cauchy) Solve(m *Model, delta float64) ([]float64, error) {
	gNorm := vecmath.Norm(m.G)
	if gNorm == 0 {
		return make([]float64, len(m.G)), nil
	}
	curv := vecmath.QuadForm(m.B, m.G)
	tau := 1.0
	if curv > 0 {
		tau = math.Min(1, gNorm*gNorm*gNorm/(delta*curv))
	}
	p := make([]float64, len(m.G))
	floats.ScaleTo(p, -tau*delta/gNorm, m.G)
	return p, nil
}

// Dogleg follows the path from the origin to the unconstrained Cauchy point
// and on to the full Newton step. B must be positive definite.
type Dogleg struct{}

func (Dogleg) Solve(m *Model, delta float64) ([]float64, error) {
	chol, err := m.factor("Dogleg")
	if err != nil {
		return nil, err
	}
	pB, ok := vecmath.CholeskySolve(chol, vecmath.Neg(m.G))
	if !ok {
		return nil, optimization.WrapErrorf(optimization.ErrSingularSystem, "Newton step could not be solved").
			WithComponent("trustregion").WithOperation("Dogleg")
	}
	if vecmath.Norm(pB) <= delta {
		return pB, nil
	}

	gg := vecmath.Dot(m.G, m.G)
	if gg == 0 {
		return make([]float64, len(m.G)), nil
	}
	pU := make([]float64, len(m.G))
	floats.ScaleTo(pU, -gg/vecmath.QuadForm(m.B, m.G), m.G)

	normU := vecmath.Norm(pU)
	if normU >= delta {
		floats.Scale(delta/normU, pU)
		return pU, nil
	}
	// Second leg: pU + tau·(pB - pU) with ||·|| = delta.
	d := vecmath.Sub(pB, pU)
	tau := vecmath.BoundaryTau(pU, d, delta)
	return vecmath.AddScaled(pU, tau, d), nil
}

// Steihaug is the truncated conjugate gradient solver. It works with
// indefinite B and stops at the boundary or on negative curvature.
type Steihaug struct {
	// MaxIter bounds the CG iterations; zero means the problem dimension.
	MaxIter int
}

func (s Steihaug) Solve(m *Model, delta float64) ([]float64, error) {
	n := len(m.G)
	z := make([]float64, n)
	r := append([]float64(nil), m.G...)
	d := vecmath.Neg(m.G)

	rNorm := vecmath.Norm(r)
	if rNorm == 0 {
		return z, nil
	}
	eps := math.Min(0.5, math.Sqrt(rNorm)) * rNorm

	maxIter := s.MaxIter
	if maxIter <= 0 {
		maxIter = n
	}
	for j := 0; j < maxIter; j++ {
		bd := vecmath.MulVec(m.B, d)
		dBd := vecmath.Dot(d, bd)
		if dBd <= 0 {
			return vecmath.AddScaled(z, vecmath.BoundaryTau(z, d, delta), d), nil
		}
		rr := vecmath.Dot(r, r)
		alpha := rr / dBd
		zNext := vecmath.AddScaled(z, alpha, d)
		if vecmath.Norm(zNext) >= delta {
			return vecmath.AddScaled(z, vecmath.BoundaryTau(z, d, delta), d), nil
		}
		z = zNext
		floats.AddScaled(r, alpha, bd)
		if vecmath.Norm(r) < eps {
			return z, nil
		}
		beta := vecmath.Dot(r, r) / rr
		floats.Scale(beta, d)
		floats.Sub(d, r)
	}
	return z, nil
}

// Exact approximates the exact subproblem solution by a fixed number of
// Newton iterations on the multiplier lambda (Nocedal and Wright,
// Algorithm 4.3). B must be positive definite.
type Exact struct {
	Iterations int
}

func (e Exact) Solve(m *Model, delta float64) ([]float64, error) {
	const op = "Exact"
	iterations := e.Iterations
	if iterations <= 0 {
		iterations = 3
	}
	n := len(m.G)
	rhs := vecmath.Neg(m.G)

	lambda := 0.0
	var p []float64
	for l := 0; ; l++ {
		chol, ok := vecmath.Cholesky(vecmath.AddIdentity(m.B, lambda))
		if !ok {
			return nil, optimization.WrapErrorf(optimization.ErrIndefiniteHessian,
				"B + %g·I is not positive definite", lambda).
				WithComponent("trustregion").WithOperation(op)
		}
		p, ok = vecmath.CholeskySolve(chol, rhs)
		if !ok {
			return nil, optimization.WrapErrorf(optimization.ErrSingularSystem,
				"step for lambda %g could not be solved", lambda).
				WithComponent("trustregion").WithOperation(op)
		}
		if l == iterations {
			break
		}

		// q solves L·q = p where B + lambda·I = L·Lᵀ.
		var lower mat.TriDense
		chol.LTo(&lower)
		var q mat.VecDense
		if err := q.SolveVec(&lower, mat.NewVecDense(n, p)); err != nil {
			if _, cond := err.(mat.Condition); !cond {
				return nil, optimization.WrapErrorf(optimization.ErrSingularSystem, "%v", err).
					WithComponent("trustregion").WithOperation(op)
			}
		}
		pp := vecmath.Dot(p, p)
		qq := mat.Dot(&q, &q)
		if pp == 0 || qq == 0 {
			break
		}
		pNorm := math.Sqrt(pp)
		lambda = math.Max(0, lambda+(pp/qq)*(pNorm-delta)/delta)
	}

	// A truncated lambda iteration may leave the step slightly outside.
	if norm := vecmath.Norm(p); norm > delta {
		floats.Scale(delta/norm, p)
	}
	return p, nil
}

// NewSolver returns the subproblem solver of a trust-region algorithm.
func NewSolver(a optimization.Algorithm, exactIterations int) (Solver, bool) {
	switch a {
	case optimization.CauchyPoint:
		return Cauchy{}, true
	case optimization.Dogleg:
		return Dogleg{}, true
	case optimization.SteihaugCG:
		return Steihaug{}, true
	case optimization.ExactTrustRegion:
		return Exact{Iterations: exactIterations}, true
	}
	return nil, false
}

// NeedsPositiveDefinite reports whether solver s requires a positive
// definite model matrix.
func NeedsPositiveDefinite(s Solver) bool {
	switch s.(type) {
	case Dogleg, Exact:
		return true
	}
	return false
}
