package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, int) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue(), len(mf.GetMetric())
			}
		}
		return 0, len(mf.GetMetric())
	}
	return 0, 0
}

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveInbound("processed")
	m.ObserveInbound("duplicate")
	m.ObserveOutbound("reply", nil)
	m.ObserveOutbound("reply", errors.New("boom"))
	m.ObserveTransition("new", "awaiting_device")
	m.ObserveTransition("new", "new")
	m.ObserveNotification("trial_request", nil)
	m.ObserveFollowUp("trial_18h", nil)
	m.ObserveHandleLatency(0.2)

	if got, _ := counterValue(t, reg, "salespipe_messaging_outbound_total", map[string]string{"kind": "reply", "status": "failed"}); got != 1 {
		t.Errorf("expected one failed reply, got %v", got)
	}
	if _, series := counterValue(t, reg, "salespipe_funnel_transitions_total", nil); series != 1 {
		t.Errorf("expected self transitions to be ignored, got %d series", series)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveInbound("processed")
	m.ObserveOutbound("reply", nil)
	m.ObserveTransition("a", "b")
	m.ObserveNotification("escalation", nil)
	m.ObserveFollowUp("ghoster_4h", nil)
	m.ObserveHandleLatency(1)
}
