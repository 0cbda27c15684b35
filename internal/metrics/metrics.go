// Package metrics owns the Prometheus collectors for the device pairing server.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"devicelink/internal/model"
)

const namespace = "devicelink"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// which keeps tests free of registry plumbing.
type Metrics struct {
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pairingOps      *prometheus.CounterVec
	tokenOps        *prometheus.CounterVec
	sweepDeleted    *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Collectors already registered under the same name are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),

		pairingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_operations_total",
			Help:      "Pairing registry operations by outcome",
		}, []string{"op", "outcome"}),

		tokenOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_operations_total",
			Help:      "Device token operations by outcome",
		}, []string{"op", "outcome"}),

		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Rows expired or deleted by the sweeper",
		}, []string{"kind"}),

		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_published_total",
			Help:      "Device lifecycle events handed to the event stream",
		}, []string{"type", "outcome"}),
	}

	m.requestTotal = register(reg, m.requestTotal)
	m.requestDuration = register(reg, m.requestDuration)
	m.pairingOps = register(reg, m.pairingOps)
	m.tokenOps = register(reg, m.tokenOps)
	m.sweepDeleted = register(reg, m.sweepDeleted)
	m.eventsPublished = register(reg, m.eventsPublished)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}

func (m *Metrics) PairingOp(op string, err error) {
	if m == nil {
		return
	}
	m.pairingOps.WithLabelValues(op, Outcome(err)).Inc()
}

// PairingPending counts an exchange poll that found the registration still pending.
func (m *Metrics) PairingPending() {
	if m == nil {
		return
	}
	m.pairingOps.WithLabelValues("exchange", "pending").Inc()
}

func (m *Metrics) TokenOp(op string, err error) {
	if m == nil {
		return
	}
	m.tokenOps.WithLabelValues(op, Outcome(err)).Inc()
}

func (m *Metrics) Swept(res model.SweepResult) {
	if m == nil {
		return
	}
	m.sweepDeleted.WithLabelValues("registration_expired").Add(float64(res.RegistrationsExpired))
	m.sweepDeleted.WithLabelValues("registration_deleted").Add(float64(res.RegistrationsDeleted))
	m.sweepDeleted.WithLabelValues("token_deleted").Add(float64(res.TokensDeleted))
}

func (m *Metrics) EventPublished(eventType string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, outcome).Inc()
}

// Outcome maps an operation result onto a bounded label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrTransient):
		return "transient"
	case errors.Is(err, model.ErrRevoked):
		return "revoked"
	case errors.Is(err, model.ErrExpired):
		return "expired"
	case errors.Is(err, model.ErrMismatch):
		return "mismatch"
	case errors.Is(err, model.ErrAlreadyLinked):
		return "already_linked"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrRetriesExhausted):
		return "exhausted"
	case errors.Is(err, model.ErrInvalidToken):
		return "invalid"
	default:
		return "error"
	}
}
