package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nmr-relax/relax-sub027/internal/optimization"
)

// Metrics are the Prometheus collectors of the service.
type Metrics struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	iterations   *prometheus.HistogramVec
	funcCalls    *prometheus.CounterVec
	activeRuns   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minimise",
			Name:      "runs_started_total",
			Help:      "Minimisation runs started, by algorithm.",
		}, []string{"algorithm"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minimise",
			Name:      "runs_finished_total",
			Help:      "Minimisation runs finished, by algorithm and termination reason.",
		}, []string{"algorithm", "reason"}),
		iterations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "minimise",
			Name:      "iterations",
			Help:      "Iterations used by finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"algorithm"}),
		funcCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minimise",
			Name:      "function_calls_total",
			Help:      "Objective function evaluations, by algorithm.",
		}, []string{"algorithm"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "minimise",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
	}
}

func (m *Metrics) started(alg optimization.Algorithm) {
	m.runsStarted.WithLabelValues(alg.String()).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) finished(res *optimization.Result) {
	alg := res.Algorithm.String()
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(alg, res.Reason.String()).Inc()
	m.iterations.WithLabelValues(alg).Observe(float64(res.Iterations))
	m.funcCalls.WithLabelValues(alg).Add(float64(res.FuncCalls))
}
