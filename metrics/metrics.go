package metrics

import (
	"github.com/opd-ai/obexd/notify"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks OBEX Prometheus metrics. All methods are safe on a nil
// receiver so callers never need to check whether metrics are enabled.
type Metrics struct {
	// RequestsTotal counts decoded requests by profile and opcode
	RequestsTotal *prometheus.CounterVec

	// ResponsesTotal counts responses by profile and response code
	ResponsesTotal *prometheus.CounterVec

	// TransfersTotal counts finished objects by profile, direction and result
	TransfersTotal *prometheus.CounterVec

	// TransferBytes counts object bytes moved by profile and direction
	TransferBytes *prometheus.CounterVec

	// ActiveSessions tracks connected sessions per profile
	ActiveSessions *prometheus.GaugeVec
}

// New creates OBEX metrics with the obexd_ prefix and registers them with
// reg. Collectors that are already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obexd_requests_total",
				Help: "Total OBEX requests by profile and opcode",
			},
			[]string{"profile", "opcode"},
		),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obexd_responses_total",
				Help: "Total OBEX responses by profile and code",
			},
			[]string{"profile", "code"},
		),
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obexd_transfers_total",
				Help: "Total finished transfers by profile, direction and result",
			},
			[]string{"profile", "direction", "result"}, // "success", "failed"
		),
		TransferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obexd_transfer_bytes_total",
				Help: "Object bytes moved by profile and direction",
			},
			[]string{"profile", "direction"},
		),
		ActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "obexd_active_sessions",
				Help: "Currently connected OBEX sessions",
			},
			[]string{"profile"},
		),
	}

	m.RequestsTotal = registerOrReuse(reg, m.RequestsTotal).(*prometheus.CounterVec)
	m.ResponsesTotal = registerOrReuse(reg, m.ResponsesTotal).(*prometheus.CounterVec)
	m.TransfersTotal = registerOrReuse(reg, m.TransfersTotal).(*prometheus.CounterVec)
	m.TransferBytes = registerOrReuse(reg, m.TransferBytes).(*prometheus.CounterVec)
	m.ActiveSessions = registerOrReuse(reg, m.ActiveSessions).(*prometheus.GaugeVec)
	return m
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// RecordRequest counts one request.
func (m *Metrics) RecordRequest(profile, opcode string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(profile, opcode).Inc()
}

// RecordResponse counts one response.
func (m *Metrics) RecordResponse(profile, code string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(profile, code).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(profile string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(profile).Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(profile string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(profile).Dec()
}

// Notify records transfer completions. It lets Metrics sit in a
// notify.Multi next to the user-facing notifier.
func (m *Metrics) Notify(ev notify.Event) {
	if m == nil || ev.Kind != notify.KindTransferComplete {
		return
	}
	result := "failed"
	if ev.Success {
		result = "success"
	}
	direction := ev.Direction.String()
	m.TransfersTotal.WithLabelValues(ev.Profile, direction, result).Inc()
	m.TransferBytes.WithLabelValues(ev.Profile, direction).Add(float64(ev.Transferred))
}
