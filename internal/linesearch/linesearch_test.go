package linesearch

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/optimize"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/optimization/optimtest"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

func square(x []float64) (float64, error) { return x[0] * x[0], nil }

func squareGrad(x []float64) ([]float64, error) { return []float64{2 * x[0]}, nil }

// squareLine is f(x) = x² from x = 5 along p = -10, so phi(alpha) =
// (5 - 10·alpha)² with its minimum at alpha = 0.5.
func squareLine() *Line {
	return &Line{
		Func: square,
		Grad: squareGrad,
		X:    []float64{5},
		P:    []float64{-10},
		F0:   25,
		G0:   []float64{10},
	}
}

func defaultParams() Params {
	return Params{C: 1e-4, Rho: 0.5, AInit: 1, Curvature: 0.9, MaxIter: 100}
}

func TestBacktrackArmijo(t *testing.T) {
	// alpha = 1 lands on x = -5 where f = 25 > 25 + 1e-4·(-100), so the step
	// is halved once to reach the minimiser.
	res, err := Backtrack(squareLine(), defaultParams())
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Alpha)
	assert.Equal(t, 0.0, res.F)
	assert.Equal(t, 2, res.Iterations)
	assert.Nil(t, res.G)
}

func TestInterpolateHitsQuadraticMinimum(t *testing.T) {
	res, err := Interpolate(squareLine(), defaultParams())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Alpha, 1e-12)
	assert.InDelta(t, 0.0, res.F, 1e-12)
	require.NotNil(t, res.G)
}

func TestInterpolateCubicWithoutMinimiser(t *testing.T) {
	// phi rises with slope 5 between trial points while the gradient
	// reports slope 10, so the cubic through alpha = 1 and alpha = 0.1 has
	// no real stationary point.
	l := &Line{
		Func: func(x []float64) (float64, error) { return 1 + 5*x[0], nil },
		Grad: func(x []float64) ([]float64, error) { return []float64{10}, nil },
		X:    []float64{0},
		P:    []float64{1},
		F0:   0,
		G0:   []float64{-1},
	}
	_, err := Interpolate(l, defaultParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrLineSearchFailure)

	var fe *FailureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "interpolation", fe.Method)
	assert.Equal(t, 2, fe.Iterations)
	assert.Equal(t, 0.1, fe.Alpha)
	assert.Contains(t, fe.Reason, "no real minimiser")

	_, ok := cubicMin(1, 6, 10, 0.1, 1.5, 10)
	assert.False(t, ok)
}

func TestInvalidDirection(t *testing.T) {
	l := squareLine()
	l.P = []float64{10}

	searches := map[string]func(*Line, Params) (Result, error){
		"backtrack":     Backtrack,
		"interpolation": Interpolate,
		"wolfe":         Wolfe,
		"more_thuente":  MoreThuenteSearch,
	}
	for name, search := range searches {
		t.Run(name, func(t *testing.T) {
			calls := 0
			l.Func = func(x []float64) (float64, error) {
				calls++
				return square(x)
			}
			_, err := search(l, defaultParams())
			require.Error(t, err)
			assert.True(t, errors.Is(err, optimization.ErrInvalidDirection))
			assert.Zero(t, calls, "no trial point may be evaluated")
		})
	}
}

func TestBacktrackFailure(t *testing.T) {
	l := squareLine()
	// A function that only increases along the line.
	l.Func = func(x []float64) (float64, error) { return 25 + math.Abs(x[0]-5) + 1, nil }

	p := defaultParams()
	p.MaxIter = 10
	_, err := Backtrack(l, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrLineSearchFailure))

	var fe *FailureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 10, fe.Iterations)
	assert.Equal(t, "backtracking", fe.Method)
}

func TestWolfeSearches(t *testing.T) {
	prob := optimtest.Rosenbrock()
	x := []float64{-1.2, 1}
	f0, _ := prob.Func(x)
	g0, _ := prob.Grad(x)

	tests := []struct {
		name   string
		search func(*Line, Params) (Result, error)
	}{
		{"wolfe", Wolfe},
		{"more_thuente", MoreThuenteSearch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Line{
				Func: prob.Func,
				Grad: prob.Grad,
				X:    x,
				P:    vecmath.Neg(g0),
				F0:   f0,
				G0:   g0,
			}
			p := defaultParams()
			p.AInit = 1e-3
			res, err := tt.search(l, p)
			require.NoError(t, err)
			require.NotNil(t, res.G)

			dphi0 := vecmath.Dot(g0, l.P)
			dphi := vecmath.Dot(res.G, l.P)
			assert.True(t, optimize.StrongWolfeConditionsMet(res.F, dphi, f0, dphi0, res.Alpha, p.C, p.Curvature))

			fAt, _ := prob.Func(vecmath.AddScaled(x, res.Alpha, l.P))
			assert.Equal(t, fAt, res.F)
		})
	}
}

func TestNone(t *testing.T) {
	res, err := None(squareLine(), Params{AInit: 0.25})
	require.NoError(t, err)
	assert.Equal(t, 0.25, res.Alpha)
	assert.Equal(t, 6.25, res.F)
}

func TestSearchDispatch(t *testing.T) {
	for _, m := range []optimization.LineSearchMethod{
		optimization.LineSearchDefault,
		optimization.Backtracking,
		optimization.Interpolation,
		optimization.StrongWolfe,
		optimization.MoreThuente,
	} {
		t.Run(m.String(), func(t *testing.T) {
			res, err := Search(m, squareLine(), defaultParams(), nil)
			require.NoError(t, err)
			assert.Less(t, res.F, 25.0)
		})
	}
}

func TestSafeguard(t *testing.T) {
	assert.Equal(t, 0.5, safeguard(math.NaN(), 1))
	assert.Equal(t, 0.1, safeguard(0.001, 1))
	assert.Equal(t, 0.5, safeguard(0.9, 1))
	assert.Equal(t, 0.3, safeguard(0.3, 1))
}
