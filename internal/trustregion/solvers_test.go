package trustregion

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/optimization/optimtest"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

func allSolvers() map[string]Solver {
	return map[string]Solver{
		"cauchy":   Cauchy{},
		"dogleg":   Dogleg{},
		"steihaug": Steihaug{},
		"exact":    Exact{Iterations: 3},
	}
}

func TestSolversRespectRadius(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for name, solver := range allSolvers() {
		t.Run(name, func(t *testing.T) {
			for trial := 0; trial < 50; trial++ {
				n := 1 + rng.Intn(5)
				g := make([]float64, n)
				for i := range g {
					g[i] = rng.NormFloat64() * 10
				}
				delta := 0.01 + rng.Float64()*5
				m := &Model{G: g, B: optimtest.RandomSPD(n, rng)}

				p, err := solver.Solve(m, delta)
				require.NoError(t, err)
				require.Len(t, p, n)
				assert.LessOrEqual(t, vecmath.Norm(p), delta*(1+1e-10))
				assert.Greater(t, PredictedReduction(g, m.B, p), 0.0, "step must reduce the model")
			}
		})
	}
}

func TestNewtonStepInsideRegion(t *testing.T) {
	b := mat.NewSymDense(2, []float64{2, 0, 0, 4})
	g := []float64{2, 4}
	want := []float64{-1, -1}

	for _, name := range []string{"dogleg", "exact"} {
		t.Run(name, func(t *testing.T) {
			p, err := allSolvers()[name].Solve(&Model{G: g, B: b}, 10)
			require.NoError(t, err)
			optimtest.AssertFloat64SlicesEqual(t, p, want, 1e-10)
		})
	}
}

func TestCauchyPoint(t *testing.T) {
	b := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	g := []float64{3, 4}

	// Unconstrained minimiser along -g is -g itself, of length 5.
	p, err := Cauchy{}.Solve(&Model{G: g, B: b}, 10)
	require.NoError(t, err)
	optimtest.AssertFloat64SlicesEqual(t, p, []float64{-3, -4}, 1e-12)

	p, err = Cauchy{}.Solve(&Model{G: g, B: b}, 1)
	require.NoError(t, err)
	optimtest.AssertFloat64SlicesEqual(t, p, []float64{-0.6, -0.8}, 1e-12)
}

func TestSteihaugNegativeCurvature(t *testing.T) {
	b := mat.NewSymDense(2, []float64{-1, 0, 0, 1})
	g := []float64{1, 0}
	p, err := Steihaug{}.Solve(&Model{G: g, B: b}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, vecmath.Norm(p), 1e-12)
	assert.Less(t, p[0], 0.0)
}

func TestDoglegIndefinite(t *testing.T) {
	b := mat.NewSymDense(2, []float64{-1, 0, 0, 1})
	_, err := Dogleg{}.Solve(&Model{G: []float64{1, 1}, B: b}, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrIndefiniteHessian))
}

func TestNewSolver(t *testing.T) {
	s, ok := NewSolver(optimization.Dogleg, 3)
	require.True(t, ok)
	assert.True(t, NeedsPositiveDefinite(s))

	s, ok = NewSolver(optimization.SteihaugCG, 3)
	require.True(t, ok)
	assert.False(t, NeedsPositiveDefinite(s))

	_, ok = NewSolver(optimization.Newton, 3)
	assert.False(t, ok)
}
