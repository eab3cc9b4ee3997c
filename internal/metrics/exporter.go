// Package metrics exposes supervisor state over HTTP: a Prometheus
// registry at /metrics, a liveness probe at /healthz and the attempt
// history at /status.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LittleBlackStarVisualEffects/ayon-backend/internal/report"
	"github.com/LittleBlackStarVisualEffects/ayon-backend/internal/supervisor"
)

// Exporter tracks supervisor metrics. It implements supervisor.Observer.
type Exporter struct {
	registry *prometheus.Registry

	childStarts    prometheus.Counter
	childExits     *prometheus.CounterVec
	restarts       *prometheus.CounterVec
	childUp        prometheus.Gauge
	childStartedAt prometheus.Gauge
	childCPU       prometheus.Gauge
	childRSS       prometheus.Gauge

	// Current child PID, 0 when idle. Written by observer callbacks,
	// read by the usage sampler goroutine.
	pid atomic.Int64

	recorder *report.Recorder
	stateFn  func() supervisor.State
}

// NewExporter creates an exporter backed by its own registry
func NewExporter(recorder *report.Recorder, stateFn func() supervisor.State) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		childStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_child_starts_total",
			Help: "Total child process launches",
		}),
		childExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_child_exits_total",
			Help: "Total child exits by outcome",
		}, []string{"outcome"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_restarts_total",
			Help: "Restart decisions by type",
		}, []string{"decision"}),
		childUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_child_up",
			Help: "Whether a child process is currently running",
		}),
		childStartedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_child_start_timestamp_seconds",
			Help: "Unix timestamp of the current child's launch",
		}),
		childCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_child_cpu_percent",
			Help: "CPU usage of the current child process",
		}),
		childRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_child_memory_rss_bytes",
			Help: "Resident memory of the current child process",
		}),
		recorder: recorder,
		stateFn:  stateFn,
	}

	e.registry.MustRegister(
		e.childStarts,
		e.childExits,
		e.restarts,
		e.childUp,
		e.childStartedAt,
		e.childCPU,
		e.childRSS,
	)

	return e
}

// ChildStarted implements supervisor.Observer
func (e *Exporter) ChildStarted(attempt, pid int, at time.Time) {
	e.childStarts.Inc()
	e.childUp.Set(1)
	e.childStartedAt.Set(float64(at.Unix()))
	e.pid.Store(int64(pid))
}

// ChildExited implements supervisor.Observer
func (e *Exporter) ChildExited(attempt, pid int, status supervisor.ExitStatus, runtime time.Duration, decision supervisor.Decision, delay time.Duration) {
	e.childExits.WithLabelValues(string(status.Kind)).Inc()
	e.restarts.WithLabelValues(string(decision)).Inc()
	e.childUp.Set(0)
	e.childCPU.Set(0)
	e.childRSS.Set(0)
	e.pid.Store(0)
}

// Router returns the HTTP routes for the metrics listener
func (e *Exporter) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", e.handleHealth).Methods("GET")
	router.HandleFunc("/status", e.handleStatus).Methods("GET")
	return router
}

func (e *Exporter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (e *Exporter) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	state := "unknown"
	if e.stateFn != nil {
		state = string(e.stateFn())
	}
	if e.recorder == nil {
		w.Write([]byte("{}\n"))
		return
	}
	if err := e.recorder.WriteJSON(w, state); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
