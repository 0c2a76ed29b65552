package minimise

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

const (
	// lmMaxDampingTries bounds how often lambda is raised to make the
	// damped normal equations solvable within one iteration.
	lmMaxDampingTries = 60
	// lmMaxLambda is the damping beyond which the system is declared
	// singular.
	lmMaxLambda = 1e100
)

// levenbergMarquardt minimises f(x) = sum(r_i(x)^2) by solving the damped
// normal equations (JᵀJ + λI)·p = −Jᵀr. Lambda falls by Factor after a
// successful step and rises by Factor after a failed one.
type levenbergMarquardt struct {
	e      *evaluator
	lambda float64
	factor float64
	tests
	logger *zap.Logger

	r []float64
	j *mat.Dense
	// pending holds the linearisation computed at an accepted trial point
	// by the gradient test.
	pending *linearisation
}

func newLevenbergMarquardt(e *evaluator, s *optimization.Settings, logger *zap.Logger) *levenbergMarquardt {
	return &levenbergMarquardt{
		e:      e,
		lambda: s.LM.Lambda0,
		factor: s.LM.Factor,
		tests:  newTests(s),
		logger: logger,
	}
}

func (m *levenbergMarquardt) init(st *State) error {
	var err error
	if st.F, err = m.e.f(st.X); err != nil {
		return err
	}
	if m.r, m.j, st.Grad, err = m.linearise(st.X); err != nil {
		return err
	}
	return nil
}

// linearise evaluates the residuals, the Jacobian and the gradient at x.
func (m *levenbergMarquardt) linearise(x []float64) ([]float64, *mat.Dense, []float64, error) {
	r, err := m.e.residuals(x)
	if err != nil {
		return nil, nil, nil, err
	}
	j, err := m.e.jacobian(x)
	if err != nil {
		return nil, nil, nil, err
	}
	rows, cols := j.Dims()
	if rows != len(r) || cols != len(x) {
		return nil, nil, nil, optimization.UserError("jacobian",
			optimization.NewErrorf("Jacobian is %dx%d, want %dx%d", rows, cols, len(r), len(x)))
	}

	var g []float64
	if m.e.prob.Grad != nil {
		if g, err = m.e.grad(x); err != nil {
			return nil, nil, nil, err
		}
	} else {
		// ∇f = 2·Jᵀr.
		g = vecmath.MulVec(j.T(), r)
		floats.Scale(2, g)
	}
	return r, j, g, nil
}

func (m *levenbergMarquardt) step(st *State) (*trial, error) {
	var jtj mat.SymDense
	jtj.SymOuterK(1, m.j.T())
	jtr := vecmath.MulVec(m.j.T(), m.r)
	rhs := vecmath.Neg(jtr)

	for try := 0; ; try++ {
		if try >= lmMaxDampingTries || m.lambda > lmMaxLambda {
			return nil, optimization.WrapErrorf(optimization.ErrSingularSystem,
				"damped normal equations unsolvable up to lambda %g", m.lambda).
				WithComponent("minimise").WithOperation("LevenbergMarquardt")
		}
		a := vecmath.AddIdentity(&jtj, m.lambda)
		chol, ok := vecmath.Cholesky(a)
		if !ok {
			m.lambda *= m.factor
			continue
		}
		p, ok := vecmath.CholeskySolve(chol, rhs)
		if !ok {
			m.lambda *= m.factor
			continue
		}

		x := vecmath.AddScaled(st.X, 1, p)
		f, err := m.e.f(x)
		if err != nil {
			return nil, err
		}
		if f < st.F {
			m.lambda /= m.factor
			m.logger.Debug("levenberg-marquardt step accepted",
				zap.Int("k", st.K), zap.Float64("lambda", m.lambda), zap.Float64("f", f))
			return &trial{x: x, f: f, accepted: true}, nil
		}
		m.lambda *= m.factor
		m.logger.Debug("levenberg-marquardt step rejected",
			zap.Int("k", st.K), zap.Float64("lambda", m.lambda), zap.Float64("f", f))
		return &trial{x: x, f: f}, nil
	}
}

func (m *levenbergMarquardt) converged(st *State, t *trial) (bool, string) {
	if !t.accepted {
		return m.check(st.F, t.f, st.Grad)
	}
	// The gradient at the trial point is only needed for the gradient test.
	if optimization.Enabled(m.gradTol) && t.g == nil {
		r, j, g, err := m.linearise(t.x)
		if err == nil {
			t.g = g
			m.pending = &linearisation{r: r, j: j}
		}
	}
	return m.check(st.F, t.f, t.g)
}

type linearisation struct {
	r []float64
	j *mat.Dense
}

func (m *levenbergMarquardt) shift(st *State, t *trial) error {
	if m.pending != nil {
		m.r, m.j, st.Grad = m.pending.r, m.pending.j, t.g
		m.pending = nil
	} else {
		r, j, g, err := m.linearise(t.x)
		if err != nil {
			return err
		}
		m.r, m.j, st.Grad = r, j, g
	}
	st.X, st.F = t.x, t.f
	return nil
}
