package server

import (
	"gonum.org/v1/gonum/mat"

	apierr "github.com/nmr-relax/relax-sub027/internal/errors"
	"github.com/nmr-relax/relax-sub027/internal/grid"
	"github.com/nmr-relax/relax-sub027/internal/objective"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/target"
)

// FitRequest describes an exponential relaxation curve I(t) = I0·exp(-R·t)
// to fit. The parameters are [R, I0].
type FitRequest struct {
	Times       []float64 `json:"times"`
	Intensities []float64 `json:"intensities"`
	Errors      []float64 `json:"errors"`
}

// ConstraintsRequest holds linear inequality constraints A·x >= b.
type ConstraintsRequest struct {
	A [][]float64 `json:"a"`
	B []float64   `json:"b"`
}

// ObjectiveRequest selects what is minimised: either an expression over
// named variables or a relaxation curve fit.
type ObjectiveRequest struct {
	Objective string `json:"objective,omitempty"`
	// Variables names the expression variables in parameter order. The
	// default is x0..x{n-1}.
	Variables []string    `json:"variables,omitempty"`
	Fit       *FitRequest `json:"fit,omitempty"`
}

// MinimiseRequest starts an iterative minimisation.
type MinimiseRequest struct {
	ObjectiveRequest
	Algorithm   string              `json:"algorithm"`
	X0          []float64           `json:"x0"`
	FuncTol     *float64            `json:"func_tol,omitempty"`
	GradTol     *float64            `json:"grad_tol,omitempty"`
	RelFuncTol  *float64            `json:"rel_func_tol,omitempty"`
	MaxIter     int                 `json:"max_iter,omitempty"`
	LineSearch  string              `json:"line_search,omitempty"`
	HessianMod  string              `json:"hessian_mod,omitempty"`
	Constraints *ConstraintsRequest `json:"constraints,omitempty"`
}

// GridRequest starts a grid search.
type GridRequest struct {
	ObjectiveRequest
	Lower       []float64           `json:"lower,omitempty"`
	Upper       []float64           `json:"upper,omitempty"`
	Increments  []int               `json:"increments,omitempty"`
	Points      [][]float64         `json:"points,omitempty"`
	Workers     int                 `json:"workers,omitempty"`
	Constraints *ConstraintsRequest `json:"constraints,omitempty"`
}

func badRequest(format string, args ...interface{}) error {
	return apierr.Errorf(apierr.ErrBadRequest, format, args...).WithComponent("server")
}

// problem builds the callbacks for a run over dims parameters.
func (o ObjectiveRequest) problem(dims int) (optimization.Problem, error) {
	switch {
	case o.Objective != "" && o.Fit != nil:
		return optimization.Problem{}, badRequest("objective and fit are mutually exclusive")
	case o.Fit != nil:
		if dims != 2 {
			return optimization.Problem{}, badRequest("a relaxation fit has 2 parameters [R, I0], got %d", dims)
		}
		ls, err := target.Fit(o.Fit.Times, o.Fit.Intensities, o.Fit.Errors)
		if err != nil {
			return optimization.Problem{}, err
		}
		return ls.Problem(), nil
	case o.Objective != "":
		names := o.Variables
		if len(names) == 0 {
			names = objective.Names(dims)
		}
		expr, err := objective.ParseNamed(o.Objective, names)
		if err != nil {
			return optimization.Problem{}, err
		}
		return expr.Problem(), nil
	}
	return optimization.Problem{}, badRequest("objective or fit is required")
}

func (c *ConstraintsRequest) settings() (optimization.Constraints, error) {
	if c == nil || len(c.A) == 0 {
		return optimization.Constraints{}, nil
	}
	cols := len(c.A[0])
	data := make([]float64, 0, len(c.A)*cols)
	for i, row := range c.A {
		if len(row) != cols || cols == 0 {
			return optimization.Constraints{}, badRequest("constraint row %d has %d columns, want %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return optimization.Constraints{
		A: mat.NewDense(len(c.A), cols, data),
		B: append([]float64(nil), c.B...),
	}, nil
}

// settings resolves the request against the configured defaults.
func (r *MinimiseRequest) settings(base optimization.Settings) (optimization.Problem, optimization.Settings, error) {
	s := base
	alg, err := optimization.ParseAlgorithm(r.Algorithm)
	if err != nil {
		return optimization.Problem{}, s, err
	}
	if alg == optimization.GridSearch {
		return optimization.Problem{}, s, badRequest("use the grid endpoint for grid searches")
	}
	s.Algorithm = alg
	s.X0 = append([]float64(nil), r.X0...)
	if r.FuncTol != nil {
		s.FuncTol = *r.FuncTol
	}
	if r.GradTol != nil {
		s.GradTol = *r.GradTol
	}
	if r.RelFuncTol != nil {
		s.RelFuncTol = *r.RelFuncTol
	}
	if r.MaxIter > 0 {
		s.MaxIter = r.MaxIter
	}
	if s.LineSearch.Method, err = optimization.ParseLineSearch(r.LineSearch); err != nil {
		return optimization.Problem{}, s, err
	}
	if s.HessianMod, err = optimization.ParseHessianMod(r.HessianMod); err != nil {
		return optimization.Problem{}, s, err
	}
	if s.Constraints, err = r.Constraints.settings(); err != nil {
		return optimization.Problem{}, s, err
	}

	p, err := r.problem(len(r.X0))
	if err != nil {
		return optimization.Problem{}, s, err
	}
	if err := s.WithDefaults().Validate(p); err != nil {
		return optimization.Problem{}, s, err
	}
	return p, s, nil
}

// settings resolves the request against the configured defaults and
// returns the number of points to evaluate.
func (r *GridRequest) settings(base optimization.Settings) (optimization.Problem, optimization.Settings, int, error) {
	s := base
	s.Algorithm = optimization.GridSearch
	s.Grid.Lower = r.Lower
	s.Grid.Upper = r.Upper
	s.Grid.Increments = r.Increments
	s.Grid.Points = r.Points
	if r.Workers > 0 {
		s.Grid.Workers = r.Workers
	}
	var err error
	if s.Constraints, err = r.Constraints.settings(); err != nil {
		return optimization.Problem{}, s, 0, err
	}

	g, err := grid.New(s.Grid)
	if err != nil {
		return optimization.Problem{}, s, 0, err
	}
	if g.Dim() == 0 {
		return optimization.Problem{}, s, 0, badRequest("grid has no dimensions")
	}
	p, err := r.problem(g.Dim())
	if err != nil {
		return optimization.Problem{}, s, 0, err
	}
	if err := s.WithDefaults().Validate(p); err != nil {
		return optimization.Problem{}, s, 0, err
	}
	return p, s, g.Size(), nil
}
