package minimise

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/optimization/optimtest"
)

// quadratic is f(x) = ½xᵀAx − bᵀx with minimiser A⁻¹b = (0.2, 0.4).
func quadratic() (optimization.Problem, []float64) {
	a := mat.NewSymDense(2, []float64{3, 1, 1, 2})
	b := []float64{1, 1}
	return optimtest.Quadratic(a, b), []float64{0.2, 0.4}
}

func settings(alg optimization.Algorithm, x0 ...float64) optimization.Settings {
	s := optimization.DefaultSettings()
	s.Algorithm = alg
	s.X0 = x0
	return s
}

func TestNewtonSolvesQuadraticInOneIteration(t *testing.T) {
	prob, want := quadratic()
	s := settings(optimization.Newton, 5, -7)
	s.GradTol = 1e-8

	res, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	assert.Equal(t, optimization.Converged, res.Reason, res.Message)
	assert.Equal(t, 1, res.Iterations)
	optimtest.AssertFloat64SlicesEqual(t, res.X, want, 1e-12)
}

func TestAlgorithmsOnQuadratic(t *testing.T) {
	algorithms := []optimization.Algorithm{
		optimization.SteepestDescent,
		optimization.CoordinateDescent,
		optimization.CGFletcherReeves,
		optimization.CGPolakRibiere,
		optimization.CGPolakRibierePlus,
		optimization.CGHestenesStiefel,
		optimization.Newton,
		optimization.NewtonCG,
		optimization.BFGS,
		optimization.Dogleg,
		optimization.CauchyPoint,
		optimization.SteihaugCG,
		optimization.ExactTrustRegion,
	}

	for _, alg := range algorithms {
		t.Run(alg.String(), func(t *testing.T) {
			prob, want := quadratic()
			s := settings(alg, 2, 2)
			s.FuncTol = optimization.Off
			s.GradTol = 1e-9

			res, err := Minimise(context.Background(), prob, s)
			require.NoError(t, err)
			require.Equal(t, optimization.Converged, res.Reason, res.Message)
			optimtest.AssertFloat64SlicesEqual(t, res.X, want, 1e-6)
			assert.Equal(t, alg, res.Algorithm)
			assert.Positive(t, res.FuncCalls)
			assert.Positive(t, res.GradCalls)
		})
	}
}

func TestLineSearchVariants(t *testing.T) {
	for _, ls := range []optimization.LineSearchMethod{
		optimization.Backtracking,
		optimization.Interpolation,
		optimization.StrongWolfe,
		optimization.MoreThuente,
	} {
		t.Run(ls.String(), func(t *testing.T) {
			prob, want := quadratic()
			s := settings(optimization.BFGS, -3, 4)
			s.FuncTol = optimization.Off
			s.GradTol = 1e-9
			s.LineSearch.Method = ls

			res, err := Minimise(context.Background(), prob, s)
			require.NoError(t, err)
			require.Equal(t, optimization.Converged, res.Reason, res.Message)
			optimtest.AssertFloat64SlicesEqual(t, res.X, want, 1e-6)
		})
	}
}

func TestHessianModifications(t *testing.T) {
	for _, mod := range []optimization.HessianMod{
		optimization.Unmodified, optimization.EigenvalueMod, optimization.CholeskyMod, optimization.SE99Mod,
	} {
		t.Run(mod.String(), func(t *testing.T) {
			s := settings(optimization.Newton, -1.2, 1)
			s.HessianMod = mod
			s.GradTol = 1e-8

			res, err := Minimise(context.Background(), optimtest.Rosenbrock(), s)
			require.NoError(t, err)
			require.Equal(t, optimization.Converged, res.Reason, res.Message)
			optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{1, 1}, 1e-5)
		})
	}
}

func TestDoglegRosenbrock(t *testing.T) {
	s := settings(optimization.Dogleg, -1.2, 1)
	s.TrustRegion.Delta0 = 1
	s.TrustRegion.DeltaMax = 100
	s.TrustRegion.Eta = 0.2

	res, err := Minimise(context.Background(), optimtest.Rosenbrock(), s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, res.Reason, res.Message)
	optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{1, 1}, 1e-6)
	assert.Less(t, res.Iterations, 100)
}

func TestTrustRegionZeroEta(t *testing.T) {
	prob, want := quadratic()
	s := settings(optimization.Dogleg, 5, -7)
	s.TrustRegion.Eta = optimization.Off
	s.GradTol = 1e-10

	res, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, res.Reason, res.Message)
	optimtest.AssertFloat64SlicesEqual(t, res.X, want, 1e-8)
}

func TestSteepestDescentRestartFromMinimiser(t *testing.T) {
	prob, _ := quadratic()
	s := settings(optimization.SteepestDescent, 1, -1)
	s.FuncTol = optimization.Off
	s.GradTol = 1e-8

	first, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, first.Reason)

	s.X0 = first.X
	second, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	assert.Equal(t, optimization.Converged, second.Reason)
	assert.LessOrEqual(t, second.Iterations, 1)
	optimtest.AssertFloat64SlicesEqual(t, second.X, first.X, 1e-8)
}

func TestMaxIterations(t *testing.T) {
	s := settings(optimization.SteepestDescent, -1.2, 1)
	s.MaxIter = 5

	res, err := Minimise(context.Background(), optimtest.Rosenbrock(), s)
	require.NoError(t, err)
	assert.Equal(t, optimization.MaxIterations, res.Reason)
	assert.Equal(t, 5, res.Iterations)
	assert.Nil(t, res.Err)
}

func TestSimplex(t *testing.T) {
	prob, want := quadratic()
	prob.Grad, prob.Hess = nil, nil
	s := settings(optimization.Simplex, 3, 3)
	s.FuncTol = 1e-14

	res, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, res.Reason, res.Message)
	optimtest.AssertFloat64SlicesEqual(t, res.X, want, 1e-4)
	assert.Zero(t, res.GradCalls)

	// Random initial vertices reach the same minimum, reproducibly.
	s.Simplex.Seed = 42
	a, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, a.Reason, a.Message)
	optimtest.AssertFloat64SlicesEqual(t, a.X, want, 1e-4)

	b, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	assert.Equal(t, a.X, b.X)
	assert.Equal(t, a.Iterations, b.Iterations)
}

func TestSimplexRelativeTolerance(t *testing.T) {
	prob, want := quadratic()
	prob.Grad, prob.Hess = nil, nil
	s := settings(optimization.Simplex, 3, 3)
	s.FuncTol = optimization.Off
	s.RelFuncTol = 1e-8
	s.MaxIter = 3000

	res, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, res.Reason, res.Message)
	assert.Less(t, res.Iterations, 3000)
	optimtest.AssertFloat64SlicesEqual(t, res.X, want, 1e-3)
}

func TestLevenbergMarquardt(t *testing.T) {
	times := []float64{0, 0.1, 0.2, 0.4, 0.6, 0.8, 1.0}
	const i0, rate = 2.0, 3.0
	data := make([]float64, len(times))
	for i, tm := range times {
		data[i] = i0 * math.Exp(-rate*tm)
	}

	prob := optimization.Problem{
		Residuals: func(x []float64) ([]float64, error) {
			r := make([]float64, len(times))
			for i, tm := range times {
				r[i] = data[i] - x[0]*math.Exp(-x[1]*tm)
			}
			return r, nil
		},
		Jacobian: func(x []float64) (*mat.Dense, error) {
			j := mat.NewDense(len(times), 2, nil)
			for i, tm := range times {
				e := math.Exp(-x[1] * tm)
				j.Set(i, 0, -e)
				j.Set(i, 1, x[0]*tm*e)
			}
			return j, nil
		},
	}

	s := settings(optimization.LevenbergMarquardt, 1, 1)
	s.GradTol = 1e-12
	res, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, res.Reason, res.Message)
	optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{i0, rate}, 1e-6)
	assert.Less(t, res.F, 1e-12)
}

func TestGridSearch(t *testing.T) {
	s := settings(optimization.GridSearch)
	s.Grid.Lower = []float64{-2, -2}
	s.Grid.Upper = []float64{2, 2}
	s.Grid.Increments = []int{5, 5}
	s.Grid.Workers = 3

	res, err := Minimise(context.Background(), optimtest.Rosenbrock(), s)
	require.NoError(t, err)
	assert.Equal(t, optimization.Converged, res.Reason)
	assert.Equal(t, []float64{1, 1}, res.X)
	assert.Equal(t, 0.0, res.F)
	assert.Equal(t, 25, res.FuncCalls)
}

func TestGridSearchMismatchedConstraints(t *testing.T) {
	s := settings(optimization.GridSearch)
	s.Grid.Lower = []float64{-1, -1}
	s.Grid.Upper = []float64{1, 1}
	s.Grid.Increments = []int{3, 3}
	s.Grid.Workers = 2
	s.Constraints.A = mat.NewDense(1, 3, []float64{1, 1, 1})
	s.Constraints.B = []float64{0}

	res, err := Minimise(context.Background(), optimtest.Rosenbrock(), s)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, optimization.ErrInvalidSettings)

	s.Grid = optimization.GridSettings{Points: [][]float64{{0, 0}, {1, 1}}}
	_, err = Minimise(context.Background(), optimtest.Rosenbrock(), s)
	assert.ErrorIs(t, err, optimization.ErrInvalidSettings)
}

func TestNoParameters(t *testing.T) {
	calls := 0
	prob := optimization.Problem{Func: func(x []float64) (float64, error) {
		calls++
		return 42, nil
	}}
	res, err := Minimise(context.Background(), prob, settings(optimization.Simplex))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 42.0, res.F)
	assert.Equal(t, "No optimisation", res.Message)
	assert.Equal(t, optimization.Converged, res.Reason)
	assert.Empty(t, res.X)
}

func TestInvalidSettingsReturnError(t *testing.T) {
	prob, _ := quadratic()
	prob.Hess = nil
	res, err := Minimise(context.Background(), prob, settings(optimization.Dogleg, 1, 1))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, optimization.ErrInvalidSettings))
}

func TestUserFunctionFailures(t *testing.T) {
	prob, _ := quadratic()
	base := prob.Func

	t.Run("error", func(t *testing.T) {
		calls := 0
		p := prob
		p.Func = func(x []float64) (float64, error) {
			calls++
			if calls > 3 {
				return 0, errors.New("model evaluation failed")
			}
			return base(x)
		}
		res, err := Minimise(context.Background(), p, settings(optimization.SteepestDescent, 2, 2))
		require.NoError(t, err)
		assert.Equal(t, optimization.Failed, res.Reason)
		assert.True(t, errors.Is(res.Err, optimization.ErrUserFunction))
		assert.Contains(t, res.Message, "model evaluation failed")
	})

	t.Run("panic", func(t *testing.T) {
		p := prob
		p.Grad = func(x []float64) ([]float64, error) { panic("index out of range") }
		res, err := Minimise(context.Background(), p, settings(optimization.BFGS, 2, 2))
		require.NoError(t, err)
		assert.Equal(t, optimization.Failed, res.Reason)
		assert.True(t, errors.Is(res.Err, optimization.ErrUserFunction))
	})

	t.Run("infinite value", func(t *testing.T) {
		p := optimization.Problem{
			Func: func(x []float64) (float64, error) {
				if math.Abs(x[0]) > 10 {
					return math.Inf(1), nil
				}
				return x[0] * x[0], nil
			},
			Grad: func(x []float64) ([]float64, error) { return []float64{2 * x[0]}, nil },
		}
		s := settings(optimization.SteepestDescent, 3)
		s.LineSearch.Method = optimization.NoLineSearch
		s.LineSearch.AInit = 2
		res, err := Minimise(context.Background(), p, s)
		require.NoError(t, err)
		assert.Equal(t, optimization.Failed, res.Reason)
		assert.Equal(t, []float64{-9}, res.X)
	})
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Minimise(ctx, optimtest.Rosenbrock(), settings(optimization.BFGS, -1.2, 1))
	require.NoError(t, err)
	assert.Equal(t, optimization.Cancelled, res.Reason)
	assert.Equal(t, []float64{-1.2, 1}, res.X)

	s := settings(optimization.BFGS, -1.2, 1)
	var seen []int
	s.Recorder = func(ev optimization.Evaluation) error {
		seen = append(seen, ev.Iteration)
		if ev.Iteration == 3 {
			return errors.New("enough")
		}
		return nil
	}
	res, err = Minimise(context.Background(), optimtest.Rosenbrock(), s)
	require.NoError(t, err)
	assert.Equal(t, optimization.Cancelled, res.Reason)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, res.Iterations)
}

func TestMethodOfMultipliers(t *testing.T) {
	// Minimise (x−2)² + (y−1)² subject to x + y <= 2, written as
	// −x − y >= −2. The solution is (1.5, 0.5).
	prob := optimization.Problem{
		Func: func(x []float64) (float64, error) {
			return (x[0]-2)*(x[0]-2) + (x[1]-1)*(x[1]-1), nil
		},
		Grad: func(x []float64) ([]float64, error) {
			return []float64{2 * (x[0] - 2), 2 * (x[1] - 1)}, nil
		},
		Hess: func(x []float64) (*mat.SymDense, error) {
			return mat.NewSymDense(2, []float64{2, 0, 0, 2}), nil
		},
	}

	t.Run("active constraint", func(t *testing.T) {
		s := settings(optimization.MethodOfMultipliers, 0, 0)
		s.FuncTol = 1e-10
		s.Constraints.A = mat.NewDense(1, 2, []float64{-1, -1})
		s.Constraints.B = []float64{-2}

		res, err := Minimise(context.Background(), prob, s)
		require.NoError(t, err)
		require.NotEqual(t, optimization.Failed, res.Reason, res.Message)
		optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{1.5, 0.5}, 1e-3)
		assert.InDelta(t, 0.5, res.F, 1e-3)
	})

	t.Run("inactive constraint", func(t *testing.T) {
		s := settings(optimization.MethodOfMultipliers, 3, 3)
		s.FuncTol = 1e-10
		// x >= 0 and y >= 0.
		s.Constraints.Func = func(x []float64) ([]float64, error) { return []float64{x[0], x[1]}, nil }
		s.Constraints.Jac = func(x []float64) (*mat.Dense, error) {
			return mat.NewDense(2, 2, []float64{1, 0, 0, 1}), nil
		}

		res, err := Minimise(context.Background(), prob, s)
		require.NoError(t, err)
		require.Equal(t, optimization.Converged, res.Reason, res.Message)
		optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{2, 1}, 1e-6)
	})
}

func TestRelativeFunctionTolerance(t *testing.T) {
	prob, want := quadratic()
	s := settings(optimization.SteepestDescent, 5, -7)
	s.FuncTol = optimization.Off
	s.RelFuncTol = 1e-3

	loose, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, loose.Reason, loose.Message)

	s.RelFuncTol = 1e-14
	tight, err := Minimise(context.Background(), prob, s)
	require.NoError(t, err)
	require.Equal(t, optimization.Converged, tight.Reason, tight.Message)
	assert.Greater(t, tight.Iterations, loose.Iterations)
	optimtest.AssertFloat64SlicesEqual(t, tight.X, want, 1e-5)
}

func TestLogBarrier(t *testing.T) {
	// Minimise (x−2)² + (y−1)² subject to x + y <= 2. The solution (1.5, 0.5)
	// lies on the boundary and is approached from the inside.
	prob := optimization.Problem{
		Func: func(x []float64) (float64, error) {
			return (x[0]-2)*(x[0]-2) + (x[1]-1)*(x[1]-1), nil
		},
		Grad: func(x []float64) ([]float64, error) {
			return []float64{2 * (x[0] - 2), 2 * (x[1] - 1)}, nil
		},
		Hess: func(x []float64) (*mat.SymDense, error) {
			return mat.NewSymDense(2, []float64{2, 0, 0, 2}), nil
		},
	}
	linear := optimization.Constraints{
		A: mat.NewDense(1, 2, []float64{-1, -1}),
		B: []float64{-2},
	}

	t.Run("active constraint", func(t *testing.T) {
		s := settings(optimization.LogBarrier, 0, 0)
		s.FuncTol = 1e-10
		s.Constraints = linear
		var outer []optimization.Evaluation
		s.Recorder = func(ev optimization.Evaluation) error {
			outer = append(outer, ev)
			return nil
		}

		res, err := Minimise(context.Background(), prob, s)
		require.NoError(t, err)
		require.Equal(t, optimization.Converged, res.Reason, res.Message)
		optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{1.5, 0.5}, 1e-3)
		assert.InDelta(t, 0.5, res.F, 1e-3)
		assert.LessOrEqual(t, res.X[0]+res.X[1], 2.0)
		assert.NotEmpty(t, outer)
		assert.Positive(t, res.HessCalls)
	})

	t.Run("inactive constraint without Hessian", func(t *testing.T) {
		p := prob
		p.Hess = nil
		s := settings(optimization.LogBarrier, 3, 3)
		s.FuncTol = 1e-10
		// x >= 0 and y >= 0.
		s.Constraints.Func = func(x []float64) ([]float64, error) { return []float64{x[0], x[1]}, nil }
		s.Constraints.Jac = func(x []float64) (*mat.Dense, error) {
			return mat.NewDense(2, 2, []float64{1, 0, 0, 1}), nil
		}

		res, err := Minimise(context.Background(), p, s)
		require.NoError(t, err)
		require.Equal(t, optimization.Converged, res.Reason, res.Message)
		optimtest.AssertFloat64SlicesEqual(t, res.X, []float64{2, 1}, 1e-4)
		assert.Zero(t, res.HessCalls)
	})

	t.Run("infeasible start", func(t *testing.T) {
		s := settings(optimization.LogBarrier, 3, 3)
		s.Constraints = linear
		res, err := Minimise(context.Background(), prob, s)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, optimization.ErrInvalidSettings)
	})

	t.Run("no constraints", func(t *testing.T) {
		_, err := Minimise(context.Background(), prob, settings(optimization.LogBarrier, 0, 0))
		assert.ErrorIs(t, err, optimization.ErrInvalidSettings)
	})
}

func TestCoordinateDescentAxisOrder(t *testing.T) {
	d := &descent{alg: optimization.CoordinateDescent, sweep: 1}
	g := []float64{1, 1, 1}
	var axes []int
	for i := 0; i < 7; i++ {
		p := d.coordinateDirection(g)
		for j, v := range p {
			if v != 0 {
				axes = append(axes, j)
			}
		}
	}
	assert.Equal(t, []int{0, 1, 2, 1, 0, 1, 2}, axes)

	// Axes with a zero gradient component are skipped.
	d = &descent{alg: optimization.CoordinateDescent, sweep: 1}
	assert.Equal(t, []float64{0, 0, -3}, d.coordinateDirection([]float64{0, 0, 3}))
}

func TestTruncatedNewton(t *testing.T) {
	h := mat.NewSymDense(2, []float64{3, 1, 1, 2})
	// Close to the solution the residual tolerance is tight, and on a
	// positive definite system CG reaches the Newton step.
	g := []float64{-0.01, -0.01}
	optimtest.AssertFloat64SlicesEqual(t, truncatedNewton(h, g), []float64{0.002, 0.004}, 1e-12)

	// Far from it the first CG iterate is good enough.
	coarse := truncatedNewton(h, []float64{-1, -1})
	optimtest.AssertFloat64SlicesEqual(t, coarse, []float64{2.0 / 7, 2.0 / 7}, 1e-12)

	// Negative curvature along −g gives steepest descent.
	neg := mat.NewSymDense(2, []float64{-1, 0, 0, -1})
	assert.Equal(t, []float64{1, 1}, truncatedNewton(neg, []float64{-1, -1}))
}
