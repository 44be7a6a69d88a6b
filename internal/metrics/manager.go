// Package metrics holds the Prometheus collectors of the forecast service.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
)

// Manager groups every collector. A nil *Manager is valid and records
// nothing.
type Manager struct {
	// counters
	CounterRequests    *prometheus.CounterVec
	CounterCases       *prometheus.CounterVec
	CounterPredictions *prometheus.CounterVec
	CounterFollowups   *prometheus.CounterVec
	CounterTrainings   *prometheus.CounterVec

	// gauges
	GaugeRequests prometheus.Gauge

	// histograms
	HistRequestDuration  prometheus.Histogram
	HistTrainingDuration prometheus.Histogram
}

func NewTestManager() *Manager {
	return NewManager("riona", "test_server", prometheus.NewRegistry())
}

func NewTestManagerAndRegistry() (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewManager("riona", "test_server", reg), reg
}

func NewManager(namespace, subsystem string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterRequests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request",
		Help:      "The total number of incoming requests",
	}, []string{"method", "status"})
	counterCases := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cases",
		Help:      "Case operations by kind",
	}, []string{"op"})
	counterPredictions := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "predictions",
		Help:      "Forecasts produced, by horizon and model family",
	}, []string{"horizon", "model"})
	counterFollowups := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "followups",
		Help:      "Follow-up measurements saved, by horizon",
	}, []string{"horizon"})
	counterTrainings := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "trainings",
		Help:      "Calibration training attempts, by horizon and outcome",
	}, []string{"horizon", "status"})

	gaugeRequests := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "current_requests",
		Help:      "Current number of requests served",
	})

	histReqDuration := factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Buckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01,
				0.05, 0.1, 0.5, 1, 5, 10,
			},
			Name: "request_duration_seconds",
			Help: "Total duration of requests in seconds",
		},
	)
	histTrainingDuration := factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 60},
			Name:      "training_duration_seconds",
			Help:      "Duration of a calibration training run in seconds",
		},
	)

	return &Manager{
		CounterRequests:      counterRequests,
		CounterCases:         counterCases,
		CounterPredictions:   counterPredictions,
		CounterFollowups:     counterFollowups,
		CounterTrainings:     counterTrainings,
		GaugeRequests:        gaugeRequests,
		HistRequestDuration:  histReqDuration,
		HistTrainingDuration: histTrainingDuration,
	}
}

// Case operation labels.
const (
	OpRegister = "register"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpSimulate = "simulate"
)

// CaseOp counts a case operation.
func (m *Manager) CaseOp(op string) {
	if m == nil {
		return
	}
	m.CounterCases.WithLabelValues(op).Inc()
}

// Prediction counts one forecast. tag is the stored model tag; every
// calibrated version is folded into the "calibrated" label.
func (m *Manager) Prediction(horizonWeeks int, tag string) {
	if m == nil {
		return
	}
	model := "rule"
	if tag != domain.RuleModelTag {
		model = "calibrated"
	}
	m.CounterPredictions.WithLabelValues(strconv.Itoa(horizonWeeks), model).Inc()
}

// Followup counts a saved follow-up.
func (m *Manager) Followup(horizonWeeks int) {
	if m == nil {
		return
	}
	m.CounterFollowups.WithLabelValues(strconv.Itoa(horizonWeeks)).Inc()
}

// Training records a training attempt and its duration.
func (m *Manager) Training(horizonWeeks int, status string, seconds float64) {
	if m == nil {
		return
	}
	m.CounterTrainings.WithLabelValues(strconv.Itoa(horizonWeeks), status).Inc()
	m.HistTrainingDuration.Observe(seconds)
}
