package optimization

import (
	"fmt"
	"strings"
)

// Algorithm selects one of the fixed set of minimisers.
type Algorithm int

const (
	NoAlgorithm Algorithm = iota
	SteepestDescent
	CGFletcherReeves
	CGPolakRibiere
	CGPolakRibierePlus
	CGHestenesStiefel
	Newton
	BFGS
	LevenbergMarquardt
	Dogleg
	CauchyPoint
	SteihaugCG
	ExactTrustRegion
	Simplex
	GridSearch
	MethodOfMultipliers
	CoordinateDescent
	NewtonCG
	LogBarrier
)

var algorithmNames = [...]string{
	NoAlgorithm:         "none",
	SteepestDescent:     "steepest_descent",
	CGFletcherReeves:    "cg_fr",
	CGPolakRibiere:      "cg_pr",
	CGPolakRibierePlus:  "cg_prplus",
	CGHestenesStiefel:   "cg_hs",
	Newton:              "newton",
	BFGS:                "bfgs",
	LevenbergMarquardt:  "levenberg_marquardt",
	Dogleg:              "dogleg",
	CauchyPoint:         "cauchy_point",
	SteihaugCG:          "steihaug_cg",
	ExactTrustRegion:    "exact_trust_region",
	Simplex:             "simplex",
	GridSearch:          "grid_search",
	MethodOfMultipliers: "method_of_multipliers",
	CoordinateDescent:   "coordinate_descent",
	NewtonCG:            "newton_cg",
	LogBarrier:          "log_barrier",
}

// aliases maps the normalised spellings accepted by ParseAlgorithm.
var aliases = map[string]Algorithm{
	"sd":                    SteepestDescent,
	"steepest_descent":      SteepestDescent,
	"fr":                    CGFletcherReeves,
	"fletcher_reeves":       CGFletcherReeves,
	"pr":                    CGPolakRibiere,
	"polak_ribiere":         CGPolakRibiere,
	"pr+":                   CGPolakRibierePlus,
	"polak_ribiere+":        CGPolakRibierePlus,
	"polak_ribiere_plus":    CGPolakRibierePlus,
	"hs":                    CGHestenesStiefel,
	"hestenes_stiefel":      CGHestenesStiefel,
	"lm":                    LevenbergMarquardt,
	"levenburg_marquardt":   LevenbergMarquardt,
	"cauchy":                CauchyPoint,
	"steihaug":              SteihaugCG,
	"cg_steihaug":           SteihaugCG,
	"exact":                 ExactTrustRegion,
	"grid":                  GridSearch,
	"mom":                   MethodOfMultipliers,
	"method_of_multipliers": MethodOfMultipliers,
	"cd":                    CoordinateDescent,
	"ncg":                   NewtonCG,
	"log_barrier_function":  LogBarrier,
	"barrier":               LogBarrier,
}

func init() {
	for a, name := range algorithmNames {
		if Algorithm(a) != NoAlgorithm {
			aliases[name] = Algorithm(a)
		}
	}
}

func (a Algorithm) String() string {
	if a < 0 || int(a) >= len(algorithmNames) {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return algorithmNames[a]
}

// ParseAlgorithm resolves a case-insensitive algorithm name. Spaces and
// hyphens are treated as underscores, so "Steepest descent", "cg-steihaug"
// and "PR+" are all accepted.
func ParseAlgorithm(name string) (Algorithm, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if a, ok := aliases[key]; ok {
		return a, nil
	}
	return NoAlgorithm, WrapErrorf(ErrInvalidSettings, "unknown algorithm %q", name).
		WithComponent("optimization").WithOperation("ParseAlgorithm")
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Needs describes which callbacks an algorithm requires.
type Needs struct {
	Gradient  bool
	Hessian   bool
	Residuals bool
}

// Needs reports the callbacks required by a.
func (a Algorithm) Needs() Needs {
	switch a {
	case SteepestDescent, CGFletcherReeves, CGPolakRibiere, CGPolakRibierePlus,
		CGHestenesStiefel, BFGS, MethodOfMultipliers, CoordinateDescent, LogBarrier:
		return Needs{Gradient: true}
	case Newton, NewtonCG, Dogleg, CauchyPoint, SteihaugCG, ExactTrustRegion:
		return Needs{Gradient: true, Hessian: true}
	case LevenbergMarquardt:
		return Needs{Residuals: true}
	default:
		return Needs{}
	}
}

// IsConstrained reports whether a wraps an inner minimiser to handle
// constraints.
func (a Algorithm) IsConstrained() bool {
	return a == MethodOfMultipliers || a == LogBarrier
}

// IsTrustRegion reports whether a uses the trust-region controller.
func (a Algorithm) IsTrustRegion() bool {
	switch a {
	case Dogleg, CauchyPoint, SteihaugCG, ExactTrustRegion:
		return true
	}
	return false
}

// IsConjugateGradient reports whether a belongs to the nonlinear CG family.
func (a Algorithm) IsConjugateGradient() bool {
	switch a {
	case CGFletcherReeves, CGPolakRibiere, CGPolakRibierePlus, CGHestenesStiefel:
		return true
	}
	return false
}
