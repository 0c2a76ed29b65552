package minimise

import (
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// simplex is the derivative-free Nelder-Mead method. One driver iteration
// is one reflection, expansion, contraction or shrink.
type simplex struct {
	e      *evaluator
	cfg    optimization.SimplexSettings
	tol    float64
	relTol float64
	logger *zap.Logger

	vertices [][]float64
	values   []float64
	// prevBest is the best value before the last step.
	prevBest float64
}

func newSimplex(e *evaluator, s *optimization.Settings, logger *zap.Logger) *simplex {
	tol := s.FuncTol
	if !optimization.Enabled(tol) {
		tol = s.GradTol
	}
	return &simplex{e: e, cfg: s.Simplex, tol: tol, relTol: s.RelFuncTol, logger: logger.Named("simplex")}
}

func (m *simplex) init(st *State) error {
	n := len(st.X)
	m.vertices = make([][]float64, n+1)
	m.values = make([]float64, n+1)
	var src rand.Source
	if m.cfg.Seed != 0 {
		src = rand.NewPCG(m.cfg.Seed, m.cfg.Seed)
	}
	for i := range m.vertices {
		v := append([]float64(nil), st.X...)
		switch {
		case i == 0:
		case src != nil:
			floats.AddScaled(v, m.cfg.Step, vecmath.RandomUnitVector(n, src))
		default:
			v[i-1] += m.cfg.Step
		}
		f, err := m.e.f(v)
		if err != nil {
			return err
		}
		m.vertices[i], m.values[i] = v, f
	}
	m.order()
	st.X, st.F = m.vertices[0], m.values[0]
	return nil
}

// order sorts the vertices by ascending function value.
func (m *simplex) order() {
	idx := make([]int, len(m.values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return less(m.values[idx[a]], m.values[idx[b]]) })
	vertices := make([][]float64, len(idx))
	values := make([]float64, len(idx))
	for i, j := range idx {
		vertices[i], values[i] = m.vertices[j], m.values[j]
	}
	m.vertices, m.values = vertices, values
}

// less orders NaN after every number.
func less(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	return a < b
}

func (m *simplex) step(st *State) (*trial, error) {
	m.prevBest = m.values[0]
	n := len(m.vertices) - 1
	worst := m.vertices[n]

	centroid := make([]float64, n)
	for _, v := range m.vertices[:n] {
		floats.Add(centroid, v)
	}
	floats.Scale(1/float64(n), centroid)

	// point returns centroid + coef·(centroid − worst).
	point := func(coef float64) []float64 {
		return vecmath.AddScaled(centroid, coef, vecmath.Sub(centroid, worst))
	}

	xr := point(m.cfg.Reflection)
	fr, err := m.e.f(xr)
	if err != nil {
		return nil, err
	}
	switch {
	case less(fr, m.values[0]):
		xe := point(m.cfg.Reflection * m.cfg.Expansion)
		fe, err := m.e.f(xe)
		if err != nil {
			return nil, err
		}
		if less(fe, fr) {
			m.replaceWorst(xe, fe)
		} else {
			m.replaceWorst(xr, fr)
		}
	case less(fr, m.values[n-1]):
		m.replaceWorst(xr, fr)
	default:
		// Outside contraction when the reflection beats the worst vertex,
		// inside contraction otherwise.
		coef, bound := -m.cfg.Contraction, m.values[n]
		if less(fr, m.values[n]) {
			coef, bound = m.cfg.Reflection*m.cfg.Contraction, fr
		}
		xc := point(coef)
		fc, err := m.e.f(xc)
		if err != nil {
			return nil, err
		}
		if less(fc, bound) {
			m.replaceWorst(xc, fc)
		} else if err := m.shrink(); err != nil {
			return nil, err
		}
	}
	m.order()
	return &trial{x: m.vertices[0], f: m.values[0], accepted: true}, nil
}

func (m *simplex) replaceWorst(x []float64, f float64) {
	last := len(m.vertices) - 1
	m.vertices[last], m.values[last] = x, f
}

func (m *simplex) shrink() error {
	best := m.vertices[0]
	for i := 1; i < len(m.vertices); i++ {
		v := vecmath.AddScaled(best, m.cfg.Shrink, vecmath.Sub(m.vertices[i], best))
		f, err := m.e.f(v)
		if err != nil {
			return err
		}
		m.vertices[i], m.values[i] = v, f
	}
	return nil
}

// converged stops when the spread of the vertex values, absolute or relative
// to the best value, or the distance of every vertex from the best one falls
// within tolerance.
func (m *simplex) converged(st *State, t *trial) (bool, string) {
	spread := math.Abs(m.values[len(m.values)-1] - m.values[0])
	if optimization.Enabled(m.tol) && spread <= m.tol {
		return true, "simplex function spread within tolerance"
	}
	if optimization.Enabled(m.relTol) && spread <= m.relTol*math.Max(1, math.Abs(m.values[0])) {
		return true, "simplex relative function spread within tolerance"
	}
	if m.cfg.SizeTol > 0 {
		size := 0.0
		for _, v := range m.vertices[1:] {
			size = math.Max(size, floats.Distance(v, m.vertices[0], 2))
		}
		if size <= m.cfg.SizeTol {
			return true, "simplex size within tolerance"
		}
	}
	return false, ""
}

func (m *simplex) shift(st *State, t *trial) error {
	if t.f < m.prevBest {
		m.logger.Debug("simplex improved", zap.Int("k", st.K), zap.Float64("f", t.f))
	}
	st.X, st.F = t.x, t.f
	return nil
}
