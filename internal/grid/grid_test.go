package grid

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

func sumSquares(x []float64) (float64, error) {
	s := 0.0
	for _, v := range x {
		s += (v - 1) * (v - 1)
	}
	return s, nil
}

func TestAxis(t *testing.T) {
	assert.Equal(t, []float64{0, 0.5, 1}, Axis(0, 1, 3))
	assert.Equal(t, []float64{2}, Axis(1, 3, 1))
}

func TestPointOrderFirstDimensionFastest(t *testing.T) {
	g, err := New(optimization.GridSettings{
		Lower:      []float64{0, 10},
		Upper:      []float64{1, 20},
		Increments: []int{2, 3},
	})
	require.NoError(t, err)
	require.Equal(t, 6, g.Size())

	want := [][]float64{{0, 10}, {1, 10}, {0, 15}, {1, 15}, {0, 20}, {1, 20}}
	for i, w := range want {
		assert.Equal(t, w, g.Point(i, nil))
	}
}

func TestSearchEvaluatesEveryPoint(t *testing.T) {
	for _, workers := range []int{1, 3, 8} {
		g, err := New(optimization.GridSettings{
			Lower:      []float64{-2, -2, -2},
			Upper:      []float64{2, 2, 2},
			Increments: []int{5, 5, 5},
		})
		require.NoError(t, err)

		var calls int64
		f := func(x []float64) (float64, error) {
			atomic.AddInt64(&calls, 1)
			return sumSquares(x)
		}
		res, err := Search(context.Background(), f, g, optimization.Constraints{}, workers, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(125), calls)
		assert.Equal(t, 125, res.Evaluated)
		assert.Equal(t, []float64{1, 1, 1}, res.X)
		assert.Equal(t, 0.0, res.F)
	}
}

func TestSearchTieBreakIndependentOfWorkers(t *testing.T) {
	g, err := New(optimization.GridSettings{Values: [][]float64{{-1, 0, 1, 2}, {5, 6}}})
	require.NoError(t, err)
	flat := func(x []float64) (float64, error) { return 3, nil }

	for _, workers := range []int{1, 2, 4, 8} {
		res, err := Search(context.Background(), flat, g, optimization.Constraints{}, workers, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Index)
		assert.Equal(t, []float64{-1, 5}, res.X)
	}
}

func TestSearchLinearConstraints(t *testing.T) {
	g, err := New(optimization.GridSettings{
		Lower:      []float64{0, 0},
		Upper:      []float64{2, 2},
		Increments: []int{3, 3},
	})
	require.NoError(t, err)

	// x0 + x1 <= 1 written as -x0 - x1 >= -1.
	cons := optimization.Constraints{
		A: mat.NewDense(1, 2, []float64{-1, -1}),
		B: []float64{-1},
	}
	res, err := Search(context.Background(), sumSquares, g, cons, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evaluated)
	assert.Equal(t, 6, res.Skipped)
	assert.Equal(t, 1.0, res.F)
}

func TestSearchRejectsMismatchedConstraints(t *testing.T) {
	g, err := New(optimization.GridSettings{
		Lower:      []float64{0, 0},
		Upper:      []float64{2, 2},
		Increments: []int{3, 3},
	})
	require.NoError(t, err)

	cons := optimization.Constraints{
		A: mat.NewDense(1, 3, []float64{1, 1, 1}),
		B: []float64{0},
	}
	_, err = Search(context.Background(), sumSquares, g, cons, 4, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrInvalidSettings)
}

func TestSearchConstraintPanic(t *testing.T) {
	g, err := New(optimization.GridSettings{Lower: []float64{0}, Upper: []float64{1}, Increments: []int{10}})
	require.NoError(t, err)

	cons := optimization.Constraints{
		Func: func(x []float64) ([]float64, error) { return []float64{x[3]}, nil },
	}
	_, err = Search(context.Background(), sumSquares, g, cons, 3, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrUserFunction)
	assert.Contains(t, err.Error(), "panic")
}

func TestExplicitPoints(t *testing.T) {
	g, err := New(optimization.GridSettings{Points: [][]float64{{5}, {1.5}, {0}}})
	require.NoError(t, err)
	res, err := Search(context.Background(), sumSquares, g, optimization.Constraints{}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5}, res.X)
	assert.Equal(t, 1, res.Index)
}

func TestNewRejectsLargeGrids(t *testing.T) {
	_, err := New(optimization.GridSettings{
		Lower:      []float64{0, 0, 0, 0},
		Upper:      []float64{1, 1, 1, 1},
		Increments: []int{100, 100, 100, 100},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrInvalidSettings))

	_, err = New(optimization.GridSettings{Lower: []float64{1}, Upper: []float64{0}, Increments: []int{2}})
	assert.Error(t, err)
}

func TestSearchUserError(t *testing.T) {
	g, err := New(optimization.GridSettings{Lower: []float64{0}, Upper: []float64{1}, Increments: []int{10}})
	require.NoError(t, err)
	boom := func(x []float64) (float64, error) { return 0, errors.New("boom") }
	_, err = Search(context.Background(), boom, g, optimization.Constraints{}, 2, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrUserFunction))
}

func TestSearchCancelled(t *testing.T) {
	g, err := New(optimization.GridSettings{Lower: []float64{0}, Upper: []float64{1}, Increments: []int{10}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Search(ctx, sumSquares, g, optimization.Constraints{}, 1, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
