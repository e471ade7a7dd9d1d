// Package metrics records Prometheus metrics for sessions and LLM calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auteur/pkg/proto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Recorder owns a registry so several recorders (one per test, say) never
// collide on metric names.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	sessionEvents  *prometheus.CounterVec
	activeSessions prometheus.Gauge
	handlerLatency *prometheus.HistogramVec
	directiveSwaps prometheus.Counter
	handlerPanics  prometheus.Counter
}

// NewRecorder creates a recorder with process and Go runtime collectors
// registered alongside the auteur metrics.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auteur_llm_requests_total",
				Help: "Total number of LLM requests by model, status and error type",
			},
			[]string{"model", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auteur_llm_tokens_total",
				Help: "Estimated tokens used in LLM requests",
			},
			[]string{"model", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auteur_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		sessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auteur_session_events_total",
				Help: "Session events by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auteur_active_sessions",
			Help: "Sessions currently running",
		}),
		handlerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auteur_event_handler_duration_seconds",
				Help:    "Time spent handling one inbound room event",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
			},
			[]string{"kind"},
		),
		directiveSwaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "auteur_directive_swaps_total",
			Help: "Directive swaps applied to session agents",
		}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Name: "auteur_handler_panics_total",
			Help: "Panics recovered in session event handlers",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records a completed LLM request. Tokens are only counted
// for successful requests.
func (r *Recorder) ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	r.requestsTotal.WithLabelValues(model, status, errorType).Inc()
	if success {
		r.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		r.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	r.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// Observe implements the session observer.
func (r *Recorder) Observe(e proto.Event) {
	r.sessionEvents.WithLabelValues(string(e.Kind), e.Outcome).Inc()

	switch e.Kind {
	case proto.EventSessionStarted:
		r.activeSessions.Inc()
	case proto.EventSessionEnded:
		r.activeSessions.Dec()
	case proto.EventHandlerPanic:
		r.handlerPanics.Inc()
	}
	if e.Swapped {
		r.directiveSwaps.Inc()
	}
	if e.Duration > 0 {
		r.handlerLatency.WithLabelValues(string(e.Kind)).Observe(e.Duration.Seconds())
	}
}
