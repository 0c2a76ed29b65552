// Package server exposes minimisation runs over HTTP and JSON-RPC 2.0. Runs
// execute in the background; clients poll them by identifier and may cancel
// them.
package server

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmr-relax/relax-sub027/internal/config"
	apierr "github.com/nmr-relax/relax-sub027/internal/errors"
	"github.com/nmr-relax/relax-sub027/internal/logging"
	"github.com/nmr-relax/relax-sub027/internal/minimise"
	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// maxHistory is the number of evaluations kept per run; older ones are
// dropped first.
const maxHistory = 1000

// StatusRunning is reported while a run executes. A finished run reports
// its termination reason instead.
const StatusRunning = "running"

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// run is the state of one minimisation. Fields are guarded by Server.mu.
type run struct {
	id        string
	kind      string
	algorithm optimization.Algorithm
	started   time.Time
	finished  *time.Time
	history   []optimization.Evaluation
	best      *optimization.Solution
	result    *optimization.Result
	cancel    context.CancelFunc
	done      chan struct{}
}

// Server implements the HTTP and JSON-RPC server for the minimisation
// service.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *Metrics
	gather  prometheus.Gatherer

	mu    sync.RWMutex
	runs  map[string]*run
	order []string
	wg    sync.WaitGroup
}

// NewServer creates a new server. Metrics are registered with reg and
// served from it at /metrics; a nil reg uses a private registry.
func NewServer(cfg *config.Config, logger Logger, reg *prometheus.Registry) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(reg),
		gather:  reg,
		runs:    make(map[string]*run),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/minimise", s.handleMinimise)
		r.Post("/grid", s.handleGrid)
		r.Get("/runs/{id}", s.handleStatus)
		r.Delete("/runs/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
}

// StartMinimise validates req and starts the run in the background.
func (s *Server) StartMinimise(req *MinimiseRequest) (*RunView, error) {
	p, settings, err := req.settings(s.cfg.Settings())
	if err != nil {
		return nil, err
	}
	return s.start("minimise", p, settings), nil
}

// StartGrid validates req and starts the grid search in the background.
func (s *Server) StartGrid(req *GridRequest) (*RunView, error) {
	p, settings, points, err := req.settings(s.cfg.Settings())
	if err != nil {
		return nil, err
	}
	view := s.start("grid", p, settings)
	view.Points = points
	return view, nil
}

func (s *Server) start(kind string, p optimization.Problem, settings optimization.Settings) *RunView {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		kind:      kind,
		algorithm: settings.Algorithm,
		started:   time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	runLogger := s.logger.WithFields(map[string]interface{}{
		"run_id":    r.id,
		"algorithm": settings.Algorithm.String(),
	})
	settings.Logger = logging.NewZapLogger(runLogger)
	settings.Recorder = func(ev optimization.Evaluation) error {
		s.record(r, ev)
		return nil
	}

	s.mu.Lock()
	s.runs[r.id] = r
	s.order = append(s.order, r.id)
	s.evictLocked()
	view := r.view(false)
	s.mu.Unlock()

	s.metrics.started(settings.Algorithm)
	runLogger.Info("Run started", map[string]interface{}{"kind": kind})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(ctx, r, p, settings, runLogger)
	}()
	return view
}

func (s *Server) execute(ctx context.Context, r *run, p optimization.Problem, settings optimization.Settings, logger *logging.Logger) {
	res, err := minimise.Minimise(ctx, p, settings)
	if err != nil {
		// Requests are validated before starting, so this is unexpected.
		res = &optimization.Result{
			X:         settings.X0,
			F:         math.NaN(),
			Algorithm: settings.Algorithm,
			Reason:    optimization.Failed,
			Message:   err.Error(),
			Err:       err,
		}
	}

	s.metrics.finished(res)

	now := time.Now().UTC()
	s.mu.Lock()
	r.result = res
	r.finished = &now
	if res.Reason != optimization.Failed && res.X != nil {
		r.best = &optimization.Solution{Parameters: res.X, Value: res.F}
	}
	close(r.done)
	s.evictLocked()
	s.mu.Unlock()

	fields := map[string]interface{}{
		"reason":     res.Reason.String(),
		"iterations": res.Iterations,
		"f_calls":    res.FuncCalls,
		"message":    res.Message,
	}
	if res.Reason == optimization.Failed {
		logger.Warn("Run failed", fields)
		return
	}
	logger.Info("Run finished", fields)
}

func (s *Server) record(r *run, ev optimization.Evaluation) {
	ev.Solution.Parameters = append([]float64(nil), ev.Solution.Parameters...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(r.history) == maxHistory {
		copy(r.history, r.history[1:])
		r.history = r.history[:maxHistory-1]
	}
	r.history = append(r.history, ev)
	sol := ev.Solution
	r.best = &sol
}

// evictLocked drops the oldest finished runs beyond the configured history.
func (s *Server) evictLocked() {
	excess := len(s.order) - s.cfg.RunHistory
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.runs[id].finished != nil {
			delete(s.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

// Status returns a snapshot of the run.
func (s *Server) Status(id string, withHistory bool) (*RunView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, apierr.Errorf(apierr.ErrNotFound, "run %s", id).WithOperation("Status")
	}
	return r.view(withHistory), nil
}

// Cancel asks a running run to stop. The run finishes with reason
// cancelled at its next iteration boundary.
func (s *Server) Cancel(id string) error {
	s.mu.RLock()
	r, ok := s.runs[id]
	var finished bool
	if ok {
		finished = r.finished != nil
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		return apierr.Errorf(apierr.ErrNotFound, "run %s", id).WithOperation("Cancel")
	case finished:
		return apierr.Errorf(apierr.ErrConflict, "run %s has already finished", id).WithOperation("Cancel")
	}
	r.cancel()
	s.logger.Info("Run cancellation requested", map[string]interface{}{"run_id": id})
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (s *Server) Wait(ctx context.Context, id string) (*RunView, error) {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apierr.Errorf(apierr.ErrNotFound, "run %s", id).WithOperation("Wait")
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Status(id, false)
}

// Close cancels every run and waits for them to finish.
func (s *Server) Close() error {
	s.mu.RLock()
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.RUnlock()
	s.wg.Wait()
	return nil
}
