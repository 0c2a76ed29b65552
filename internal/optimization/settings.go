package optimization

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Off disables a tolerance. A zero tolerance means "use the default".
const Off = -1.0

// Default settings values.
const (
	DefaultFuncTol     = 1e-25
	DefaultMaxIter     = 10000
	DefaultDelta0      = 1.0
	DefaultDeltaMax    = 1e5
	DefaultEta         = 0.2
	DefaultArmijoC     = 1e-4
	DefaultBacktrack   = 0.5
	DefaultInitialStep = 1.0
	DefaultLSMaxIter   = 100
	DefaultGridMax     = 100_000_000
)

// LineSearchMethod selects the step-length strategy of line-search
// algorithms.
type LineSearchMethod int

const (
	// LineSearchDefault picks the per-algorithm default.
	LineSearchDefault LineSearchMethod = iota
	Backtracking
	Interpolation
	StrongWolfe
	MoreThuente
	NoLineSearch
)

var lineSearchNames = map[LineSearchMethod]string{
	LineSearchDefault: "default",
	Backtracking:      "backtracking",
	Interpolation:     "interpolation",
	StrongWolfe:       "wolfe",
	MoreThuente:       "more_thuente",
	NoLineSearch:      "none",
}

func (m LineSearchMethod) String() string {
	if s, ok := lineSearchNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseLineSearch resolves a line search name.
func ParseLineSearch(name string) (LineSearchMethod, error) {
	switch name {
	case "", "default":
		return LineSearchDefault, nil
	case "back", "backtrack", "backtracking":
		return Backtracking, nil
	case "interpolation", "interp", "nocedal_wright_interpolation":
		return Interpolation, nil
	case "wolfe", "strong_wolfe", "nocedal_wright_wolfe":
		return StrongWolfe, nil
	case "more_thuente", "mt":
		return MoreThuente, nil
	case "none", "no_line_search":
		return NoLineSearch, nil
	}
	return LineSearchDefault, WrapErrorf(ErrInvalidSettings, "unknown line search %q", name).
		WithComponent("optimization").WithOperation("ParseLineSearch")
}

// HessianMod selects how an indefinite Hessian is turned into a positive
// definite model matrix.
type HessianMod int

const (
	// Unmodified uses the Hessian as is.
	Unmodified HessianMod = iota
	// EigenvalueMod shifts the spectrum so the smallest eigenvalue is at
	// least sqrt(machine epsilon).
	EigenvalueMod
	// CholeskyMod adds a multiple of the identity until a Cholesky
	// factorisation succeeds.
	CholeskyMod
	// SE99Mod is the revised modified Cholesky factorisation of Schnabel and
	// Eskow (1999), which only adds to the diagonal.
	SE99Mod
)

var hessModNames = map[HessianMod]string{
	Unmodified:    "none",
	EigenvalueMod: "eigenvalue",
	CholeskyMod:   "cholesky",
	SE99Mod:       "se99",
}

func (h HessianMod) String() string {
	if s, ok := hessModNames[h]; ok {
		return s
	}
	return "unknown"
}

// ParseHessianMod resolves a Hessian modification name.
func ParseHessianMod(name string) (HessianMod, error) {
	switch name {
	case "", "none", "unmodified":
		return Unmodified, nil
	case "eigen", "eigenvalue":
		return EigenvalueMod, nil
	case "chol", "cholesky", "gmw":
		return CholeskyMod, nil
	case "se99", "schnabel_eskow":
		return SE99Mod, nil
	}
	return Unmodified, WrapErrorf(ErrInvalidSettings, "unknown Hessian modification %q", name).
		WithComponent("optimization").WithOperation("ParseHessianMod")
}

// LineSearchSettings tunes the line search.
type LineSearchSettings struct {
	Method LineSearchMethod
	// C is the sufficient-decrease (Armijo) constant.
	C float64
	// Rho is the backtracking contraction factor.
	Rho float64
	// AInit is the initial trial step.
	AInit float64
	// Curvature is the strong Wolfe curvature constant. Zero selects 0.1 for
	// conjugate gradient methods and 0.9 otherwise.
	Curvature float64
	MaxIter   int
}

// TrustRegionSettings tunes the trust-region controller.
type TrustRegionSettings struct {
	Delta0   float64
	DeltaMax float64
	// Eta is the acceptance threshold on the reduction ratio. Zero selects
	// DefaultEta; Off selects a threshold of zero.
	Eta float64
	// ExactIterations is the number of lambda refinements of the exact
	// subproblem solver.
	ExactIterations int
}

// LMSettings tunes Levenberg-Marquardt damping.
type LMSettings struct {
	Lambda0 float64
	Factor  float64
}

// SimplexSettings tunes the Nelder-Mead simplex.
type SimplexSettings struct {
	// Step is the offset of the initial vertices from X0.
	Step        float64
	Reflection  float64
	Expansion   float64
	Contraction float64
	Shrink      float64
	// SizeTol stops the search when every vertex is within SizeTol of the
	// best one. Zero disables the test.
	SizeTol float64
	// Seed, when non-zero, places the initial vertices along random unit
	// directions instead of the coordinate axes.
	Seed uint64
}

// GridSettings describes the grid of a grid search. Either Points, Values or
// Lower/Upper/Increments must be set.
type GridSettings struct {
	Lower      []float64
	Upper      []float64
	Increments []int
	// Values gives the explicit coordinate values of each dimension.
	Values [][]float64
	// Points lists explicit points to evaluate instead of a grid.
	Points [][]float64
	// Workers is the number of goroutines evaluating points. The objective
	// must be safe for concurrent use when Workers > 1.
	Workers   int
	MaxPoints int
}

// Dim is the number of coordinates of each grid point, or zero when the
// grid is empty.
func (g GridSettings) Dim() int {
	switch {
	case len(g.Points) > 0:
		return len(g.Points[0])
	case g.Values != nil:
		return len(g.Values)
	}
	return len(g.Lower)
}

// Constraints are inequality constraints handled by the method of
// multipliers and by grid search.
type Constraints struct {
	// A and B describe linear constraints A·x >= B.
	A *mat.Dense
	B []float64

	// Func and Jac describe general constraints c(x) >= 0. Their second
	// derivatives are taken to be zero.
	Func func(x []float64) ([]float64, error)
	Jac  func(x []float64) (*mat.Dense, error)
}

// Empty reports whether no constraints are set.
func (c Constraints) Empty() bool {
	return c.A == nil && c.Func == nil
}

// MultiplierSettings tunes the method of multipliers.
type MultiplierSettings struct {
	// Inner selects the unconstrained minimiser. NoAlgorithm picks Newton
	// when a Hessian is available and Polak-Ribière+ otherwise.
	Inner        Algorithm
	InnerMaxIter int
	Mu0          float64
	Epsilon0     float64
	Gamma0       float64
	// InitLambda is the starting multiplier of constraints violated at X0.
	InitLambda float64
	// Lambda0 overrides the starting multipliers when set.
	Lambda0 []float64
}

// BarrierSettings tunes the logarithmic barrier method.
type BarrierSettings struct {
	// Inner selects the unconstrained minimiser. NoAlgorithm picks Newton
	// when a Hessian is available and BFGS otherwise.
	Inner        Algorithm
	InnerMaxIter int
	// Epsilon0 is the starting weight of the barrier term and Scale the
	// factor applied to it after every outer iteration.
	Epsilon0 float64
	Scale    float64
}

// Settings carries everything a single run needs besides the problem.
type Settings struct {
	Algorithm Algorithm
	X0        []float64

	// FuncTol terminates when |f_new - f| <= FuncTol. Zero selects
	// DefaultFuncTol; Off disables the test.
	FuncTol float64
	// GradTol terminates when ||g|| <= GradTol. Zero or Off disables it.
	GradTol float64
	// RelFuncTol terminates when |f_new - f| <= RelFuncTol*|f|. Zero or Off
	// disables it.
	RelFuncTol float64
	MaxIter    int

	LineSearch  LineSearchSettings
	TrustRegion TrustRegionSettings
	HessianMod  HessianMod
	LM          LMSettings
	Simplex     SimplexSettings
	Grid        GridSettings
	Constraints Constraints
	Multipliers MultiplierSettings
	Barrier     BarrierSettings

	Recorder Recorder
	Logger   *zap.Logger
}

// DefaultSettings returns settings populated with the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		FuncTol: DefaultFuncTol,
		GradTol: Off,
		MaxIter: DefaultMaxIter,
		LineSearch: LineSearchSettings{
			C:       DefaultArmijoC,
			Rho:     DefaultBacktrack,
			AInit:   DefaultInitialStep,
			MaxIter: DefaultLSMaxIter,
		},
		TrustRegion: TrustRegionSettings{
			Delta0:          DefaultDelta0,
			DeltaMax:        DefaultDeltaMax,
			Eta:             DefaultEta,
			ExactIterations: 3,
		},
		LM: LMSettings{Lambda0: 1e-3, Factor: 10},
		Simplex: SimplexSettings{
			Step:        1,
			Reflection:  1,
			Expansion:   2,
			Contraction: 0.5,
			Shrink:      0.5,
		},
		Grid: GridSettings{Workers: 1, MaxPoints: DefaultGridMax},
		Multipliers: MultiplierSettings{
			InnerMaxIter: 500,
			Mu0:          1e-5,
			Epsilon0:     1e-2,
			Gamma0:       1e-2,
			InitLambda:   1e4,
		},
		Barrier: BarrierSettings{
			InnerMaxIter: 500,
			Epsilon0:     1e-5,
			Scale:        1e-2,
		},
		Logger: zap.NewNop(),
	}
}

// Enabled reports whether tol switches its convergence test on.
func Enabled(tol float64) bool {
	return tol > 0 && !math.IsNaN(tol)
}

// AcceptRatio is the effective acceptance threshold.
func (t TrustRegionSettings) AcceptRatio() float64 {
	if t.Eta == Off {
		return 0
	}
	return t.Eta
}

// WithDefaults returns a copy of s with every unset field replaced by its
// default. Slices and callbacks are shared with s.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.FuncTol == 0 {
		s.FuncTol = d.FuncTol
	}
	if s.GradTol == 0 {
		s.GradTol = d.GradTol
	}
	if s.MaxIter <= 0 {
		s.MaxIter = d.MaxIter
	}

	ls := &s.LineSearch
	if ls.C <= 0 {
		ls.C = d.LineSearch.C
	}
	if ls.Rho <= 0 {
		ls.Rho = d.LineSearch.Rho
	}
	if ls.AInit <= 0 {
		ls.AInit = d.LineSearch.AInit
	}
	if ls.Curvature <= 0 {
		if s.Algorithm.IsConjugateGradient() {
			ls.Curvature = 0.1
		} else {
			ls.Curvature = 0.9
		}
	}
	if ls.MaxIter <= 0 {
		ls.MaxIter = d.LineSearch.MaxIter
	}

	tr := &s.TrustRegion
	if tr.Delta0 <= 0 {
		tr.Delta0 = d.TrustRegion.Delta0
	}
	if tr.DeltaMax <= 0 {
		tr.DeltaMax = d.TrustRegion.DeltaMax
	}
	if tr.Eta == 0 {
		tr.Eta = d.TrustRegion.Eta
	}
	if tr.ExactIterations <= 0 {
		tr.ExactIterations = d.TrustRegion.ExactIterations
	}

	if s.LM.Lambda0 <= 0 {
		s.LM.Lambda0 = d.LM.Lambda0
	}
	if s.LM.Factor <= 1 {
		s.LM.Factor = d.LM.Factor
	}

	sx := &s.Simplex
	if sx.Step == 0 {
		sx.Step = d.Simplex.Step
	}
	if sx.Reflection <= 0 {
		sx.Reflection = d.Simplex.Reflection
	}
	if sx.Expansion <= 0 {
		sx.Expansion = d.Simplex.Expansion
	}
	if sx.Contraction <= 0 {
		sx.Contraction = d.Simplex.Contraction
	}
	if sx.Shrink <= 0 {
		sx.Shrink = d.Simplex.Shrink
	}

	if s.Grid.Workers <= 0 {
		s.Grid.Workers = d.Grid.Workers
	}
	if s.Grid.MaxPoints <= 0 {
		s.Grid.MaxPoints = d.Grid.MaxPoints
	}

	m := &s.Multipliers
	if m.InnerMaxIter <= 0 {
		m.InnerMaxIter = d.Multipliers.InnerMaxIter
	}
	if m.Mu0 <= 0 {
		m.Mu0 = d.Multipliers.Mu0
	}
	if m.Epsilon0 <= 0 {
		m.Epsilon0 = d.Multipliers.Epsilon0
	}
	if m.Gamma0 <= 0 {
		m.Gamma0 = d.Multipliers.Gamma0
	}
	if m.InitLambda <= 0 {
		m.InitLambda = d.Multipliers.InitLambda
	}

	b := &s.Barrier
	if b.InnerMaxIter <= 0 {
		b.InnerMaxIter = d.Barrier.InnerMaxIter
	}
	if b.Epsilon0 <= 0 {
		b.Epsilon0 = d.Barrier.Epsilon0
	}
	if b.Scale <= 0 || b.Scale >= 1 {
		b.Scale = d.Barrier.Scale
	}

	if s.Logger == nil {
		s.Logger = d.Logger
	}
	return s
}

// Validate checks s against p. It must be called on settings that went
// through WithDefaults.
func (s Settings) Validate(p Problem) error {
	const op = "Settings.Validate"
	invalid := func(format string, args ...interface{}) error {
		return WrapErrorf(ErrInvalidSettings, format, args...).
			WithComponent("optimization").WithOperation(op)
	}

	if s.Algorithm <= NoAlgorithm || int(s.Algorithm) >= len(algorithmNames) {
		return invalid("no algorithm selected")
	}
	needs := s.Algorithm.Needs()
	if p.Func == nil && !(s.Algorithm == LevenbergMarquardt && p.Residuals != nil) {
		return invalid("objective function is required")
	}
	if needs.Gradient && p.Grad == nil {
		return invalid("%s requires a gradient", s.Algorithm)
	}
	if needs.Hessian && p.Hess == nil {
		return invalid("%s requires a Hessian", s.Algorithm)
	}
	if needs.Residuals && (p.Residuals == nil || p.Jacobian == nil) {
		return invalid("%s requires residuals and a Jacobian", s.Algorithm)
	}

	if !Enabled(s.FuncTol) && !Enabled(s.GradTol) && !Enabled(s.RelFuncTol) &&
		s.Algorithm != GridSearch {
		return invalid("at least one convergence tolerance must be enabled")
	}

	tr := s.TrustRegion
	if tr.Delta0 > tr.DeltaMax {
		return invalid("delta0 %g exceeds delta_max %g", tr.Delta0, tr.DeltaMax)
	}
	if eta := tr.AcceptRatio(); eta < 0 || eta >= 0.25 {
		return invalid("eta %g must lie in [0, 0.25)", tr.Eta)
	}

	ls := s.LineSearch
	if ls.C >= 1 {
		return invalid("sufficient decrease constant %g must be below 1", ls.C)
	}
	if ls.Rho >= 1 {
		return invalid("backtracking factor %g must be below 1", ls.Rho)
	}
	if ls.Curvature <= ls.C || ls.Curvature >= 1 {
		return invalid("curvature constant %g must lie in (%g, 1)", ls.Curvature, ls.C)
	}

	c := s.Constraints
	if c.A != nil {
		rows, cols := c.A.Dims()
		if rows != len(c.B) {
			return invalid("constraint matrix has %d rows but b has %d entries", rows, len(c.B))
		}
		want := len(s.X0)
		if s.Algorithm == GridSearch {
			want = s.Grid.Dim()
		}
		if cols != want {
			return invalid("constraint matrix has %d columns, want %d", cols, want)
		}
	}
	if s.Algorithm.IsConstrained() {
		if c.Empty() {
			return invalid("%s requires constraints", s.Algorithm)
		}
		if c.Func != nil && c.Jac == nil {
			return invalid("constraint Jacobian is required by %s", s.Algorithm)
		}
		inner := s.Multipliers.Inner
		if s.Algorithm == LogBarrier {
			inner = s.Barrier.Inner
		}
		switch {
		case inner == NoAlgorithm:
		case inner == GridSearch, inner == LevenbergMarquardt, inner.IsConstrained():
			return invalid("%s cannot be used as the inner minimiser", inner)
		case inner.Needs().Hessian && p.Hess == nil:
			return invalid("inner minimiser %s requires a Hessian", inner)
		}
	}

	for i, v := range s.X0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("x0[%d] is not finite", i)
		}
	}
	return nil
}
