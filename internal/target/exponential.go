package target

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Exponential is the two-parameter relaxation decay I(t) = I0·exp(-R·t).
// Its parameter vector is [R, I0].
type Exponential struct {
	Times []float64
}

// Fit returns the chi-squared fit of an exponential decay to the measured
// intensities.
func Fit(times, intensities, errors []float64) (*LeastSquares, error) {
	if len(times) != len(intensities) {
		return nil, invalid("Fit", "got %d times and %d intensities", len(times), len(intensities))
	}
	return New(Exponential{Times: append([]float64(nil), times...)}, intensities, errors)
}

func (Exponential) Dims() int { return 2 }

func (e Exponential) Values(x []float64) []float64 {
	r, i0 := x[0], x[1]
	v := make([]float64, len(e.Times))
	for i, t := range e.Times {
		v[i] = i0 * math.Exp(-r*t)
	}
	return v
}

func (e Exponential) Jacobian(x []float64) *mat.Dense {
	r, i0 := x[0], x[1]
	jac := mat.NewDense(len(e.Times), 2, nil)
	for i, t := range e.Times {
		decay := math.Exp(-r * t)
		jac.Set(i, 0, -t*i0*decay)
		jac.Set(i, 1, decay)
	}
	return jac
}

func (e Exponential) Hessians(x []float64) []*mat.SymDense {
	r, i0 := x[0], x[1]
	hess := make([]*mat.SymDense, len(e.Times))
	for i, t := range e.Times {
		decay := math.Exp(-r * t)
		hess[i] = mat.NewSymDense(2, []float64{
			t * t * i0 * decay, -t * decay,
			-t * decay, 0,
		})
	}
	return hess
}
