package ptl

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelNIType: "match_phys",
		labelNID:    "1",
		labelPID:    "1",
	}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.DispatcherCQError("cq_read_error", errors.New("boom"), base)
	metrics.PacketDropped("malformed", base)
	metrics.EventPosted("put", base)
	metrics.EventPosted("ack", base)
	metrics.ConnStateChanged("connected", base)

	txAttrs := map[string]string{
		labelNIType: "match_phys",
		labelNID:    "1",
		labelPID:    "1",
		labelStatus: "ok",
	}
	metrics.TransactionCompleted("initiator", txAttrs)
	metrics.TransactionCompleted("target", txAttrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"portals_dispatcher_started_total":     1,
		"portals_dispatcher_stopped_total":     1,
		"portals_dispatcher_cq_errors_total":   1,
		"portals_packets_dropped_total":        1,
		"portals_events_posted_total":          2,
		"portals_conn_state_transitions_total": 1,
		"portals_transactions_completed_total": 2,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := findLabeledValue(mfs, "portals_transactions_completed_total", labelSide, "target"); got != 1 {
		t.Fatalf("unexpected target transactions: %v", got)
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelNIType: "match_phys", labelNID: "1", labelPID: "1"}
	first.DispatcherStarted(attrs)
	second.DispatcherStarted(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "portals_dispatcher_started_total"); got != 2 {
		t.Fatalf("expected shared counter, got %v", got)
	}
}

func TestPrometheusMetricsFromInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	cfg := matchingConfig()
	cfg.Metrics = metrics
	ini, tgt := newPair(t, cfg, matchingConfig())

	teq := newEQ(t, tgt)
	target(t, tgt, teq, 0, MESpec{Start: make([]byte, 8), Options: MEOpPut, MatchID: anyID, UID: AnyUID})
	ieq := newEQ(t, ini)
	md := bindMD(t, ini, MDSpec{Start: make([]byte, 8), EQ: ieq})
	if err := ini.Put(PutRequest{MD: md, Length: 8, Ack: AckFull, Target: Phys(2, 1)}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	expectEvent(t, ini, ieq, EventSend)
	expectEvent(t, ini, ieq, EventAck)

	eventually(t, "initiator transaction metric", func() bool {
		mfs, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather metrics: %v", err)
		}
		return findLabeledValue(mfs, "portals_transactions_completed_total", labelSide, "initiator") == 1
	})
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findLabeledValue(mfs, "portals_events_posted_total", labelEvent, "ack"); got != 1 {
		t.Fatalf("unexpected ack events: %v", got)
	}
	if got := findLabeledValue(mfs, "portals_conn_state_transitions_total", labelState, "connected"); got != 1 {
		t.Fatalf("unexpected connected transitions: %v", got)
	}
	if got := findCounterValue(mfs, "portals_dispatcher_started_total"); got != 1 {
		t.Fatalf("unexpected dispatcher starts: %v", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func findLabeledValue(mfs []*dto.MetricFamily, name, label, value string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					sum += m.GetCounter().GetValue()
				}
			}
		}
		return sum
	}
	return 0
}
