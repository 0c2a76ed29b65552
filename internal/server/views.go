package server

import (
	"encoding/json"
	"math"
	"time"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// Vector is a parameter vector whose non-finite entries encode as null,
// since JSON has no encoding for NaN or infinities. A null decodes as NaN.
type Vector []float64

// MarshalJSON implements json.Marshaler.
func (v Vector) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(v))
	for i, x := range v {
		out[i] = finitePtr(x)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var in []*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in == nil {
		*v = nil
		return nil
	}
	out := make(Vector, len(in))
	for i, x := range in {
		out[i] = math.NaN()
		if x != nil {
			out[i] = *x
		}
	}
	*v = out
	return nil
}

// SolutionView is a point and its value. Value is omitted when it is not
// finite.
type SolutionView struct {
	Parameters Vector   `json:"parameters"`
	Value      *float64  `json:"value,omitempty"`
}

// EvaluationView is one accepted iteration.
type EvaluationView struct {
	Iteration int `json:"iteration"`
	SolutionView
	GradNorm *float64 `json:"grad_norm,omitempty"`
}

// ResultView is the termination record of a finished run.
type ResultView struct {
	SolutionView
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	Iterations int    `json:"iterations"`
	FuncCalls  int    `json:"f_calls"`
	GradCalls  int    `json:"g_calls"`
	HessCalls  int    `json:"h_calls"`
}

// RunView is a snapshot of a run.
type RunView struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Algorithm string     `json:"algorithm"`
	Status    string     `json:"status"`
	Started   time.Time  `json:"started"`
	Finished  *time.Time `json:"finished,omitempty"`
	// Points is the grid size; set when a grid search is started.
	Points    int              `json:"points,omitempty"`
	Iteration int              `json:"iteration"`
	Best      *SolutionView    `json:"best,omitempty"`
	Result    *ResultView      `json:"result,omitempty"`
	History   []EvaluationView `json:"history,omitempty"`
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func solutionView(sol optimization.Solution) SolutionView {
	return SolutionView{Parameters: append(Vector(nil), sol.Parameters...), Value: finitePtr(sol.Value)}
}

// view must be called with the server lock held.
func (r *run) view(withHistory bool) *RunView {
	v := &RunView{
		ID:        r.id,
		Kind:      r.kind,
		Algorithm: r.algorithm.String(),
		Status:    StatusRunning,
		Started:   r.started,
		Finished:  r.finished,
	}
	if n := len(r.history); n > 0 {
		v.Iteration = r.history[n-1].Iteration
	}
	if r.best != nil {
		best := solutionView(*r.best)
		v.Best = &best
	}
	if res := r.result; res != nil {
		v.Status = res.Reason.String()
		v.Iteration = res.Iterations
		v.Result = &ResultView{
			SolutionView: solutionView(optimization.Solution{Parameters: res.X, Value: res.F}),
			Reason:       res.Reason.String(),
			Message:      res.Message,
			Iterations:   res.Iterations,
			FuncCalls:    res.FuncCalls,
			GradCalls:    res.GradCalls,
			HessCalls:    res.HessCalls,
		}
	}
	if withHistory {
		v.History = make([]EvaluationView, len(r.history))
		for i, ev := range r.history {
			v.History[i] = EvaluationView{
				Iteration:    ev.Iteration,
				SolutionView: solutionView(ev.Solution),
				GradNorm:     finitePtr(ev.GradNorm),
			}
		}
	}
	return v
}
