package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes.
const (
	OutcomeNoBox           = "no_box"
	OutcomeBox             = "box"
	OutcomeShapeError      = "shape_error"
	OutcomeInferenceError  = "inference_error"
	OutcomeResourceError   = "resource_error"
	OutcomePreprocessError = "preprocess_error"
)

// OCR outcomes.
const (
	OCRText    = "text"
	OCRNoPlate = "no_plate"
	OCRError   = "error"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	cycles         *prometheus.CounterVec
	ocr            *prometheus.CounterVec
	matches        *prometheus.CounterVec
	inference      prometheus.Histogram
	recognition    prometheus.Histogram
	activeSessions prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plate_frames_received_total",
			Help: "Frames offered to analysis sessions",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plate_frames_dropped_total",
			Help: "Frames discarded because a newer frame replaced them or the session was not running",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plate_cycles_total",
			Help: "Analysis cycles by outcome",
		}, []string{"outcome"}),
		ocr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plate_ocr_total",
			Help: "OCR calls by outcome",
		}, []string{"outcome"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plate_matches_total",
			Help: "Confirmed plate matches by mode",
		}, []string{"mode"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plate_inference_seconds",
			Help:    "Detector inference latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		recognition: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plate_ocr_seconds",
			Help:    "OCR latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plate_sessions_active",
			Help: "Sessions that have not reached a terminal state",
		}),
	}

	m.registry.MustRegister(
		m.framesReceived, m.framesDropped, m.cycles, m.ocr, m.matches,
		m.inference, m.recognition, m.activeSessions,
	)
	return m
}

// RegisterGaugeFunc exposes a value owned elsewhere, such as pool usage.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) Cycle(outcome string) {
	if m != nil {
		m.cycles.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) OCR(outcome string, seconds float64) {
	if m != nil {
		m.ocr.WithLabelValues(outcome).Inc()
		m.recognition.Observe(seconds)
	}
}

func (m *Metrics) Inference(seconds float64) {
	if m != nil {
		m.inference.Observe(seconds)
	}
}

func (m *Metrics) Match(mode string) {
	if m != nil {
		m.matches.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionEnded() {
	if m != nil {
		m.activeSessions.Dec()
	}
}
