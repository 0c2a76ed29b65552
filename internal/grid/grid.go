// Package grid evaluates an objective over a regular or explicit grid and
// returns the lowest point.
package grid

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
	"github.com/nmr-relax/relax-sub027/internal/vecmath"
)

// cancelCheck is how many points a worker evaluates between context checks.
const cancelCheck = 256

// Grid enumerates points. For regular grids the first dimension varies
// fastest.
type Grid struct {
	axes   [][]float64
	points [][]float64
	size   int
}

// New builds the grid described by s.
func New(s optimization.GridSettings) (*Grid, error) {
	const op = "grid.New"
	invalid := func(format string, args ...interface{}) error {
		return optimization.WrapErrorf(optimization.ErrInvalidSettings, format, args...).
			WithComponent("grid").WithOperation(op)
	}
	maxPoints := s.MaxPoints
	if maxPoints <= 0 {
		maxPoints = optimization.DefaultGridMax
	}

	if len(s.Points) > 0 {
		dim := len(s.Points[0])
		for i, p := range s.Points {
			if len(p) != dim {
				return nil, invalid("point %d has %d coordinates, want %d", i, len(p), dim)
			}
		}
		return &Grid{points: s.Points, size: len(s.Points)}, nil
	}

	axes := s.Values
	if axes == nil {
		if len(s.Lower) != len(s.Upper) || len(s.Lower) != len(s.Increments) {
			return nil, invalid("lower, upper and increments must have the same length")
		}
		axes = make([][]float64, len(s.Lower))
		for i := range axes {
			lo, hi, inc := s.Lower[i], s.Upper[i], s.Increments[i]
			if inc < 1 {
				return nil, invalid("dimension %d has %d increments", i, inc)
			}
			if lo > hi {
				return nil, invalid("dimension %d has lower bound %g above upper bound %g", i, lo, hi)
			}
			axes[i] = Axis(lo, hi, inc)
		}
	}

	size := 1
	for i, axis := range axes {
		if len(axis) == 0 {
			return nil, invalid("dimension %d has no values", i)
		}
		if size > maxPoints/len(axis) {
			return nil, invalid("grid exceeds %d points", maxPoints)
		}
		size *= len(axis)
	}
	if size >= maxPoints {
		return nil, invalid("grid of %d points reaches the limit of %d", size, maxPoints)
	}
	return &Grid{axes: axes, size: size}, nil
}

// Axis returns inc evenly spaced values from lo to hi. A single increment
// gives the midpoint.
func Axis(lo, hi float64, inc int) []float64 {
	if inc == 1 {
		return []float64{0.5 * (lo + hi)}
	}
	out := make([]float64, inc)
	step := (hi - lo) / float64(inc-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	out[inc-1] = hi
	return out
}

// Size is the number of points in the grid.
func (g *Grid) Size() int { return g.size }

// Dim is the number of coordinates of each point.
func (g *Grid) Dim() int {
	if g.points != nil {
		return len(g.points[0])
	}
	return len(g.axes)
}

// Point writes the index-th point into dst, allocating it when nil.
func (g *Grid) Point(index int, dst []float64) []float64 {
	if g.points != nil {
		return append(dst[:0], g.points[index]...)
	}
	if dst == nil {
		dst = make([]float64, len(g.axes))
	}
	for i, axis := range g.axes {
		dst[i] = axis[index%len(axis)]
		index /= len(axis)
	}
	return dst
}

// Result is the outcome of a search.
type Result struct {
	X     []float64
	F     float64
	Index int
	// Evaluated counts objective calls; Skipped counts points rejected by
	// the constraints.
	Evaluated int
	Skipped   int
}

// Search evaluates f at every grid point that satisfies cons and returns the
// lowest one. Ties go to the point enumerated first, so the result does not
// depend on the number of workers. f must be safe for concurrent use when
// workers > 1.
func Search(ctx context.Context, f optimization.ObjectiveFunc, g *Grid, cons optimization.Constraints, workers int, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cons.A != nil {
		if _, cols := cons.A.Dims(); cols != g.Dim() {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings,
				"constraint matrix has %d columns, want %d", cols, g.Dim()).
				WithComponent("grid").WithOperation("grid.Search")
		}
	}
	if workers < 1 {
		workers = 1
	}
	if workers > g.size {
		workers = g.size
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunk := (g.size + workers - 1) / workers
	results := make([]chunkResult, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start, end := w*chunk, min((w+1)*chunk, g.size)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w] = searchRange(ctx, f, g, cons, start, end)
			if results[w].err != nil {
				cancel()
			}
		}(w)
	}
	wg.Wait()

	// A worker that failed cancels the others; report its error rather
	// than theirs.
	var firstErr error
	for _, r := range results {
		if r.err != nil && (firstErr == nil || (ctx.Err() == firstErr && ctx.Err() != r.err)) {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	best := &Result{F: math.Inf(1), Index: -1}
	for _, r := range results {
		best.Evaluated += r.evaluated
		best.Skipped += r.skipped
		if r.index >= 0 && (best.Index < 0 || r.f < best.F) {
			best.F, best.Index = r.f, r.index
		}
	}
	if best.Index >= 0 {
		best.X = g.Point(best.Index, nil)
	}

	logger.Info("grid search complete",
		zap.Int("points", g.size),
		zap.Int("evaluated", best.Evaluated),
		zap.Int("skipped", best.Skipped),
		zap.Int("workers", workers),
		zap.Float64("best", best.F))
	return best, nil
}

type chunkResult struct {
	f                  float64
	index              int
	evaluated, skipped int
	err                error
}

// searchRange scans [start, end) in enumeration order; the strict
// comparison keeps the first of equal values.
func searchRange(ctx context.Context, f optimization.ObjectiveFunc, g *Grid, cons optimization.Constraints, start, end int) chunkResult {
	res := chunkResult{f: math.Inf(1), index: -1}
	x := make([]float64, g.Dim())
	for i := start; i < end; i++ {
		if (i-start)%cancelCheck == 0 {
			if err := ctx.Err(); err != nil {
				res.err = err
				return res
			}
		}
		x = g.Point(i, x)

		ok, err := feasible(cons, x)
		if err != nil {
			res.err = err
			return res
		}
		if !ok {
			res.skipped++
			continue
		}

		val, err := f(x)
		res.evaluated++
		if err != nil {
			res.err = optimization.UserError("grid.func", err)
			return res
		}
		if (res.index < 0 && !math.IsNaN(val)) || val < res.f {
			res.f, res.index = val, i
		}
	}
	return res
}

// feasible reports whether x satisfies A·x >= b and c(x) >= 0. A panic in
// the constraints is returned as an error since it would otherwise escape
// the worker goroutine.
func feasible(cons optimization.Constraints, x []float64) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, optimization.UserError("grid.constraints", fmt.Errorf("panic: %v", r))
		}
	}()
	if cons.A != nil {
		ax := vecmath.MulVec(cons.A, x)
		for i, v := range ax {
			if v < cons.B[i] {
				return false, nil
			}
		}
	}
	if cons.Func != nil {
		c, err := cons.Func(x)
		if err != nil {
			return false, optimization.UserError("grid.constraints", err)
		}
		for _, v := range c {
			if v < 0 {
				return false, nil
			}
		}
	}
	return true, nil
}
