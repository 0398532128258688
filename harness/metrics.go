package harness

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks harness activity with Prometheus.
//
// All metrics use the multilock_ prefix. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// RequestsTotal counts requests sent by command
	RequestsTotal *prometheus.CounterVec

	// ResponsesTotal counts responses received by command and status
	ResponsesTotal *prometheus.CounterVec

	// ResponseDuration tracks the time from send to the awaited reply
	ResponseDuration *prometheus.HistogramVec

	// ExpectationsTotal counts resolved expectations by result
	ExpectationsTotal *prometheus.CounterVec

	// PendingExpectations tracks the pending list length
	PendingExpectations prometheus.Gauge

	// AlarmsFired counts LOCKW requests canceled by a local ALARM deadline
	AlarmsFired prometheus.Counter

	// ClientsActive tracks connected clients
	ClientsActive prometheus.Gauge
}

// NewMetrics creates harness metrics and registers them with reg.
// Panics if registration fails.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multilock_requests_total",
				Help: "Total requests sent by command",
			},
			[]string{"command"},
		),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multilock_responses_total",
				Help: "Total responses received by command and status",
			},
			[]string{"command", "status"},
		),
		ResponseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "multilock_response_duration_seconds",
				Help:    "Time from request to awaited reply in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		ExpectationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "multilock_expectations_total",
				Help: "Total resolved expectations by result",
			},
			[]string{"result"}, // "pass", "fail", "unresolved"
		),
		PendingExpectations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "multilock_pending_expectations",
				Help: "Current number of pending expectations",
			},
		),
		AlarmsFired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "multilock_alarms_fired_total",
				Help: "Total blocking locks canceled by an ALARM deadline",
			},
		),
		ClientsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "multilock_clients_active",
				Help: "Current number of connected clients",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.ResponsesTotal,
		m.ResponseDuration,
		m.ExpectationsTotal,
		m.PendingExpectations,
		m.AlarmsFired,
		m.ClientsActive,
	)

	return m
}

// RecordRequest counts a sent request.
func (m *Metrics) RecordRequest(command string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(command).Inc()
}

// RecordResponse counts a received response.
func (m *Metrics) RecordResponse(command, status string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(command, status).Inc()
}

// ObserveResponse records how long a reply took.
func (m *Metrics) ObserveResponse(command string, seconds float64) {
	if m == nil {
		return
	}
	m.ResponseDuration.WithLabelValues(command).Observe(seconds)
}

// RecordExpectation counts a resolved expectation.
//
// Parameters:
//   - result: "pass", "fail" or "unresolved"
func (m *Metrics) RecordExpectation(result string) {
	if m == nil {
		return
	}
	m.ExpectationsTotal.WithLabelValues(result).Inc()
}

// SetPending updates the pending expectations gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingExpectations.Set(float64(n))
}

// RecordAlarm counts a LOCKW canceled by ALARM.
func (m *Metrics) RecordAlarm() {
	if m == nil {
		return
	}
	m.AlarmsFired.Inc()
}

// ClientConnected increments the active client gauge.
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ClientsActive.Inc()
}

// ClientClosed decrements the active client gauge.
func (m *Metrics) ClientClosed() {
	if m == nil {
		return
	}
	m.ClientsActive.Dec()
}
