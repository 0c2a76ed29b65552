package objective

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmr-relax/relax-sub027/internal/minimise"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

const rosenbrock = "(1 - x0)**2 + 100*(x1 - x0**2)**2"

func TestValue(t *testing.T) {
	e, err := Parse(rosenbrock, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Dims())
	assert.Equal(t, rosenbrock, e.String())

	tests := []struct {
		x    []float64
		want float64
	}{
		{[]float64{1, 1}, 0},
		{[]float64{0, 0}, 1},
		{[]float64{-1.2, 1}, 24.2},
	}
	for _, tt := range tests {
		got, err := e.Value(tt.x)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-12)
	}

	_, err = e.Value([]float64{1})
	assert.Error(t, err)
}

func TestFunctions(t *testing.T) {
	tests := []struct {
		src  string
		x    float64
		want float64
	}{
		{"exp(x0)", 0, 1},
		{"log(x0)", 1, 0},
		{"sqrt(x0)", 4, 2},
		{"abs(x0)", -3, 3},
		{"sin(x0) + cos(x0)", 0, 1},
		{"pow(x0, 3)", 2, 8},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := Parse(tt.src, 1)
			require.NoError(t, err)
			got, err := e.Value([]float64{tt.x})
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("x0 + y", 1)
	assert.ErrorIs(t, err, optimization.ErrInvalidSettings)

	_, err = Parse("x0 +* 2", 1)
	assert.ErrorIs(t, err, optimization.ErrInvalidSettings)

	e, err := Parse("x0 > 1", 1)
	require.NoError(t, err)
	_, err = e.Value([]float64{2})
	assert.Error(t, err)
}

func TestNamedVariables(t *testing.T) {
	e, err := ParseNamed("(R - 2)**2 + (I0 - 5)**2", []string{"R", "I0"})
	require.NoError(t, err)
	v, err := e.Value([]float64{2, 4})
	require.NoError(t, err)
	assert.InDelta(t, 1, v, 1e-12)
}

func TestDerivatives(t *testing.T) {
	e, err := Parse(rosenbrock, 2)
	require.NoError(t, err)

	g, err := e.Gradient([]float64{-1.2, 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-215.6, -88}, g, 1e-4)

	h, err := e.Hessian([]float64{1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 802, h.At(0, 0), 1e-2)
	assert.InDelta(t, -400, h.At(0, 1), 1e-2)
	assert.InDelta(t, 200, h.At(1, 1), 1e-2)
}

func TestDerivativeErrorsPropagate(t *testing.T) {
	e, err := Parse("pow(x0)", 1)
	require.NoError(t, err)

	_, err = e.Gradient([]float64{1})
	assert.Error(t, err)
	_, err = e.Hessian([]float64{1})
	assert.Error(t, err)
}

func TestMinimiseExpression(t *testing.T) {
	e, err := Parse("(x0 - 3)**2 + 2*(x1 + 1)**2", 2)
	require.NoError(t, err)

	s := optimization.DefaultSettings()
	s.Algorithm = optimization.BFGS
	s.X0 = []float64{0, 0}
	s.GradTol = 1e-6

	res, err := minimise.Minimise(context.Background(), e.Problem(), s)
	require.NoError(t, err)
	assert.Equal(t, optimization.Converged, res.Reason, res.Message)
	assert.InDelta(t, 3, res.X[0], 1e-5)
	assert.InDelta(t, -1, res.X[1], 1e-5)
}

func TestGridSearchConcurrent(t *testing.T) {
	e, err := Parse("(x0 - 1)**2 + (x1 + 1)**2", 2)
	require.NoError(t, err)

	s := optimization.DefaultSettings()
	s.Algorithm = optimization.GridSearch
	s.Grid = optimization.GridSettings{
		Lower:      []float64{-2, -2},
		Upper:      []float64{2, 2},
		Increments: []int{5, 5},
		Workers:    4,
	}

	res, err := minimise.Minimise(context.Background(), e.Problem(), s)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, res.X)
	assert.InDelta(t, 0, res.F, 1e-12)
}
