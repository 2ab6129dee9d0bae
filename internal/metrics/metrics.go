// Package metrics exposes prometheus instrumentation for transcription
// invocations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transcribepod"

const (
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusInvalidInput = "invalid_input"
)

type Metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	audioSeconds prometheus.Counter
}

// New builds a Metrics instance on its own registry so tests and multiple
// servers never collide on the global one.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Transcription invocations by outcome.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Wall time of transcription invocations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"source"}),
		audioSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_total",
			Help:      "Seconds of audio transcribed.",
		}),
	}

	registry.MustRegister(m.requests, m.duration, m.audioSeconds)
	return m
}

func (m *Metrics) ObserveRequest(status, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
	if source != "" {
		m.duration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) AddAudio(seconds float64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.audioSeconds.Add(seconds)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
