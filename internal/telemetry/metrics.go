package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the generation worker.
type Metrics struct {
	GenerationTotal    *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	StageDuration      *prometheus.HistogramVec
	DegradationTotal   *prometheus.CounterVec
	QueueLength        prometheus.Gauge
	MeshFaces          *prometheus.HistogramVec
	RateLimitHits      *prometheus.CounterVec
	HTTPRequestTotal   *prometheus.CounterVec
	BackendState       *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GenerationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshforge_generation_total",
			Help: "Generation requests by outcome and whether a textured asset was returned.",
		}, []string{"outcome", "textured"}),

		GenerationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshforge_generation_duration_seconds",
			Help:    "End-to-end generation time.",
			Buckets: []float64{5, 10, 20, 30, 60, 90, 120, 180, 300, 600},
		}, []string{"outcome"}),

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshforge_stage_duration_seconds",
			Help:    "Time spent per pipeline stage.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),

		DegradationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshforge_degradation_total",
			Help: "Non-fatal stage failures that degraded the result.",
		}, []string{"kind"}),

		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "meshforge_queue_length",
			Help: "Requests running or waiting for the accelerator.",
		}),

		MeshFaces: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshforge_mesh_faces",
			Help:    "Face counts of generated meshes.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 12),
		}, []string{"phase"}),

		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshforge_rate_limit_hits_total",
			Help: "Requests rejected by rate limits.",
		}, []string{"dimension"}),

		HTTPRequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meshforge_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),

		BackendState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshforge_backend_circuit_state",
			Help: "Circuit state per model backend (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"}),
	}
}

// GenerationLabels describes a finished generation.
type GenerationLabels struct {
	Outcome  string
	Textured bool
	Duration time.Duration
}

// RecordGeneration records metrics for a completed request.
func (m *Metrics) RecordGeneration(l GenerationLabels) {
	m.GenerationTotal.WithLabelValues(l.Outcome, strconv.FormatBool(l.Textured)).Inc()
	m.GenerationDuration.WithLabelValues(l.Outcome).Observe(l.Duration.Seconds())
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordDegradation(kind string) {
	m.DegradationTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetQueueLength(n int) {
	m.QueueLength.Set(float64(n))
}

func (m *Metrics) ObserveFaces(phase string, faces int) {
	m.MeshFaces.WithLabelValues(phase).Observe(float64(faces))
}

func (m *Metrics) RecordRateLimitHit(dimension string) {
	m.RateLimitHits.WithLabelValues(dimension).Inc()
}

func (m *Metrics) RecordHTTP(method, route string, status int) {
	m.HTTPRequestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) SetBackendState(backend string, state int) {
	m.BackendState.WithLabelValues(backend).Set(float64(state))
}
