package minimise

import (
	"errors"

	"go.uber.org/zap"

	"github.com/nmr-relax/relax-sub027/internal/hessmod"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/trustregion"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// trustRegion implements the Cauchy point, dogleg, Steihaug and exact
// trust-region algorithms.
type trustRegion struct {
	e      *evaluator
	solver trustregion.Solver
	region *trustregion.Region
	mod    optimization.HessianMod
	tests
	logger *zap.Logger
}

func newTrustRegionMethod(e *evaluator, s *optimization.Settings, logger *zap.Logger) (*trustRegion, error) {
	solver, ok := trustregion.NewSolver(s.Algorithm, s.TrustRegion.ExactIterations)
	if !ok {
		return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings,
			"%s is not a trust-region algorithm", s.Algorithm).WithComponent("minimise")
	}
	tr := s.TrustRegion
	region, err := trustregion.New(tr.Delta0, tr.DeltaMax, tr.AcceptRatio())
	if err != nil {
		return nil, err
	}
	return &trustRegion{
		e:      e,
		solver: solver,
		region: region,
		mod:    s.HessianMod,
		tests:  newTests(s),
		logger: logger.Named("trust_region"),
	}, nil
}

func (m *trustRegion) init(st *State) error {
	var err error
	if st.F, err = m.e.f(st.X); err != nil {
		return err
	}
	if st.Grad, err = m.e.grad(st.X); err != nil {
		return err
	}
	st.Hess, err = m.e.hess(st.X)
	return err
}

// model builds the quadratic model. Solvers that need a positive definite
// matrix get the modified Hessian; an unmodified indefinite Hessian falls
// back to the Cholesky modification.
func (m *trustRegion) model(st *State) (*trustregion.Model, error) {
	if !trustregion.NeedsPositiveDefinite(m.solver) {
		return &trustregion.Model{G: st.Grad, B: st.Hess}, nil
	}
	hm, err := hessmod.Modify(m.mod, st.Hess)
	if errors.Is(err, optimization.ErrIndefiniteHessian) && m.mod == optimization.Unmodified {
		m.logger.Debug("indefinite Hessian, applying the Cholesky modification", zap.Int("k", st.K))
		hm, err = hessmod.Modify(optimization.CholeskyMod, st.Hess)
	}
	if err != nil {
		return nil, err
	}
	return &trustregion.Model{G: st.Grad, B: hm.B, Chol: hm.Chol}, nil
}

func (m *trustRegion) step(st *State) (*trial, error) {
	model, err := m.model(st)
	if err != nil {
		return nil, err
	}
	p, err := m.solver.Solve(model, m.region.Delta)
	if err != nil {
		return nil, err
	}

	x := vecmath.AddScaled(st.X, 1, p)
	f, err := m.e.f(x)
	if err != nil {
		return nil, err
	}
	out := m.region.Step(st.F, f, model.G, model.B, p)
	m.logger.Debug("trust region step",
		zap.Int("k", st.K),
		zap.Float64("actual", out.Actual),
		zap.Float64("predicted", out.Predicted),
		zap.Float64("rho", out.Rho),
		zap.Bool("predicted_zero", out.PredictedZero),
		zap.Stringer("change", out.Change),
		zap.Float64("delta", out.Delta),
		zap.Bool("accept", out.Accept))

	if !out.Accept {
		return &trial{x: x, f: f}, nil
	}
	g, err := m.e.grad(x)
	if err != nil {
		return nil, err
	}
	return &trial{x: x, f: f, g: g, accepted: true}, nil
}

func (m *trustRegion) converged(st *State, t *trial) (bool, string) {
	g := t.g
	if !t.accepted {
		g = st.Grad
	}
	return m.check(st.F, t.f, g)
}

func (m *trustRegion) shift(st *State, t *trial) error {
	h, err := m.e.hess(t.x)
	if err != nil {
		return err
	}
	st.X, st.F, st.Grad, st.Hess = t.x, t.f, t.g, h
	return nil
}
