package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func counterValue(f *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range f.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
			}
		}
		if match {
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func TestEngineMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)
	m.ObserveIngest("promoted")
	m.ObserveIngest("promoted")
	m.ObserveIngest("appended")
	m.ObserveDispatch("accepted", 0.2)
	m.ObserveReconnect("failed")
	m.ObserveRateLimit("soft_limited")
	m.ObserveUploadPhase("transfer", "error")
	m.ObserveTransition("queued", "active")

	families := gather(t, reg)
	ingest := families["chat_conversation_ingest_total"]
	if ingest == nil {
		t.Fatalf("ingest counter not registered")
	}
	if got := counterValue(ingest, map[string]string{"action": "promoted"}); got != 2 {
		t.Fatalf("expected 2 promoted, got %v", got)
	}
	if got := counterValue(families["chat_upload_phase_total"], map[string]string{"phase": "transfer", "outcome": "error"}); got != 1 {
		t.Fatalf("expected 1 transfer error, got %v", got)
	}
	if h := families["chat_session_ack_latency_seconds"]; h == nil || h.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one ack latency sample")
	}
}

func TestEngineMetricsNilSafe(t *testing.T) {
	var m *EngineMetrics
	m.ObserveIngest("merged")
	m.ObserveDispatch("failed", 0.1)
	m.ObserveReconnect("ok")
	m.ObserveRateLimit("allowed")
	m.ObserveUploadPhase("solicit", "success")
	m.ObserveTransition("a", "b")
}
