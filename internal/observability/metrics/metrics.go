package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters/histograms for the chat session engine.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	ingestTotal      *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	ackLatency       prometheus.Histogram
	reconnectTotal   *prometheus.CounterVec
	rateLimitTotal   *prometheus.CounterVec
	uploadPhaseTotal *prometheus.CounterVec
	transitionTotal  *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "conversation",
			Name:      "ingest_total",
			Help:      "Messages entering the conversation by reconciliation outcome",
		}, []string{"action"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "dispatch_total",
			Help:      "Outbound messages by acknowledgement result",
		}, []string{"result"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "ack_latency_seconds",
			Help:      "Time between emitting a message and its acknowledgement",
			Buckets:   prometheus.DefBuckets,
		}),
		reconnectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by outcome",
		}, []string{"outcome"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "feedback",
			Name:      "rate_limit_decisions_total",
			Help:      "Rating limiter decisions",
		}, []string{"decision"}),
		uploadPhaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "upload",
			Name:      "phase_total",
			Help:      "Upload phase outcomes",
		}, []string{"phase", "outcome"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ingestTotal, m.dispatchTotal, m.ackLatency, m.reconnectTotal,
		m.rateLimitTotal, m.uploadPhaseTotal, m.transitionTotal)
	return m
}

func (m *EngineMetrics) ObserveIngest(action string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(action).Inc()
}

func (m *EngineMetrics) ObserveDispatch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(result).Inc()
	if seconds >= 0 {
		m.ackLatency.Observe(seconds)
	}
}

func (m *EngineMetrics) ObserveReconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnectTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimit satisfies ratelimit.Observer.
func (m *EngineMetrics) ObserveRateLimit(decision string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.WithLabelValues(decision).Inc()
}

// ObserveUploadPhase satisfies upload.Observer.
func (m *EngineMetrics) ObserveUploadPhase(phase, outcome string) {
	if m == nil {
		return
	}
	m.uploadPhaseTotal.WithLabelValues(phase, outcome).Inc()
}

func (m *EngineMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to).Inc()
}
