// Package metrics exposes Prometheus instrumentation for the task lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the task lifecycle metrics. A nil Recorder is safe to call;
// every method is a no-op, so callers never need to guard.
type Recorder struct {
	registry      *prometheus.Registry
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskCost      prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.tasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_tasks_started_total",
		Help: "Number of background tasks admitted.",
	})
	r.tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foreman_tasks_finished_total",
		Help: "Number of background tasks finished, by terminal status.",
	}, []string{"status"})
	r.tasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_tasks_running",
		Help: "Number of background tasks currently running.",
	})
	r.taskCost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_task_cost_usd_total",
		Help: "Accumulated LLM spend across all tasks, in USD.",
	})

	r.registry.MustRegister(r.tasksStarted, r.tasksFinished, r.tasksRunning, r.taskCost)
	return r
}

// Handler returns the scrape endpoint for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) TaskStarted() {
	if r == nil {
		return
	}
	r.tasksStarted.Inc()
	r.tasksRunning.Inc()
}

// TaskFinished records a terminal transition. status is the terminal task
// status string (completed, failed, stopped).
func (r *Recorder) TaskFinished(status string) {
	if r == nil {
		return
	}
	r.tasksFinished.WithLabelValues(status).Inc()
	r.tasksRunning.Dec()
}

func (r *Recorder) AddCost(usd float64) {
	if r == nil || usd <= 0 {
		return
	}
	r.taskCost.Add(usd)
}
