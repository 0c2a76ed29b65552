package hessmod

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// se99Mu is the relative tolerance on negative diagonal elements that ends
// the unmodified phase.
const se99Mu = 0.1

// se99 is the revised modified Cholesky factorisation of Schnabel and Eskow
// (1999). Only the diagonal of h is increased, and not at all when h is
// safely positive definite.
func se99(h mat.Symmetric) (*Model, error) {
	e := se99Diagonal(h)
	n := h.SymmetricDim()
	b := mat.NewSymDense(n, nil)
	b.CopySym(h)
	for i, v := range e {
		b.SetSym(i, i, b.At(i, i)+v)
	}
	chol, ok := vecmath.Cholesky(b)
	if !ok {
		return nil, indefinite("se99")
	}
	return &Model{B: b, Chol: chol, Tau: floats.Max(e)}, nil
}

// se99Diagonal returns the non-negative amounts added to each diagonal
// element of h, in the original ordering.
func se99Diagonal(h mat.Symmetric) []float64 {
	n := h.SymmetricDim()
	tau := math.Cbrt(epsilon)
	tauBar := tau * tau

	a := make([][]float64, n)
	l := make([][]float64, n)
	perm := make([]int, n)
	gamma := 0.0
	for i := range a {
		a[i] = make([]float64, n)
		l[i] = make([]float64, n)
		for j := range a[i] {
			a[i][j] = h.At(i, j)
		}
		perm[i] = i
		gamma = math.Max(gamma, math.Abs(a[i][i]))
	}
	if gamma == 0 {
		gamma = 1
	}
	e := make([]float64, n)

	swap := func(i, j int) {
		if i == j {
			return
		}
		a[i], a[j] = a[j], a[i]
		for _, row := range a {
			row[i], row[j] = row[j], row[i]
		}
		l[i], l[j] = l[j], l[i]
		perm[i], perm[j] = perm[j], perm[i]
	}
	// factor performs the jth step of the outer product Cholesky
	// factorisation and keeps a symmetric.
	factor := func(j int) {
		l[j][j] = math.Sqrt(a[j][j])
		for i := j + 1; i < n; i++ {
			l[i][j] = a[i][j] / l[j][j]
		}
		for i := j + 1; i < n; i++ {
			for k := j + 1; k <= i; k++ {
				a[i][k] -= l[i][j] * l[k][j]
				a[k][i] = a[i][k]
			}
		}
	}

	// Phase one: factorise while a is safely positive definite.
	j := 0
	for ; j < n; j++ {
		maxDiag, minDiag := a[j][j], a[j][j]
		for i := j + 1; i < n; i++ {
			maxDiag = math.Max(maxDiag, a[i][i])
			minDiag = math.Min(minDiag, a[i][i])
		}
		if maxDiag < tauBar*gamma || minDiag < -se99Mu*maxDiag {
			break
		}
		pivot := j
		for i := j + 1; i < n; i++ {
			if a[i][i] > a[pivot][pivot] {
				pivot = i
			}
		}
		swap(pivot, j)

		next := math.Inf(1)
		for i := j + 1; i < n; i++ {
			next = math.Min(next, a[i][i]-a[i][j]*a[i][j]/a[j][j])
		}
		if next < -se99Mu*gamma {
			break
		}
		factor(j)
	}

	// Phase two: the remaining submatrix is modified.
	switch k := j; {
	case k == n:
	case k == n-1:
		delta := -a[k][k] + math.Max(-tau*a[k][k]/(1-tau), tauBar*gamma)
		e[k] = math.Max(delta, 0)
	default:
		// Lower Gerschgorin bounds of the remaining submatrix.
		g := make([]float64, n)
		for i := k; i < n; i++ {
			g[i] = a[i][i]
			for m := k; m < n; m++ {
				if m != i {
					g[i] -= math.Abs(a[i][m])
				}
			}
		}

		deltaPrev := 0.0
		for j := k; j < n-2; j++ {
			pivot := j
			for i := j + 1; i < n; i++ {
				if g[i] > g[pivot] {
					pivot = i
				}
			}
			swap(pivot, j)
			g[pivot], g[j] = g[j], g[pivot]

			norm := 0.0
			for i := j + 1; i < n; i++ {
				norm += math.Abs(a[i][j])
			}
			delta := math.Max(0, math.Max(-a[j][j]+math.Max(norm, tauBar*gamma), deltaPrev))
			if delta > 0 {
				a[j][j] += delta
				e[j] = delta
				deltaPrev = delta
			}
			if a[j][j] != norm {
				scale := 1 - norm/a[j][j]
				for i := j + 1; i < n; i++ {
					g[i] += math.Abs(a[i][j]) * scale
				}
			}
			factor(j)
		}

		// The final 2×2 block is shifted by its smallest eigenvalue.
		p, q := n-2, n-1
		lo, hi := eigen2(a[p][p], a[q][p], a[q][q])
		delta := math.Max(0, math.Max(-lo+math.Max(tau*(hi-lo)/(1-tau), tauBar*gamma), deltaPrev))
		e[p], e[q] = delta, delta
	}

	out := make([]float64, n)
	for i, orig := range perm {
		out[orig] = e[i]
	}
	return out
}

// eigen2 returns the eigenvalues of the symmetric matrix [[x, y], [y, z]] in
// ascending order.
func eigen2(x, y, z float64) (float64, float64) {
	mid := 0.5 * (x + z)
	r := math.Hypot(0.5*(x-z), y)
	return mid - r, mid + r
}
