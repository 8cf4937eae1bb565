package ptl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/portals4-go/fabric"
)

const eventTimeout = 5 * time.Second

// anyID matches every initiator.
var anyID = ProcessID{NID: AnyNID, PID: AnyPID, Rank: AnyRank}

func newTestNI(t *testing.T, f *fabric.Fabric, id ProcessID, cfg Config) *NI {
	t.Helper()
	ni, err := NIInit(f, id, cfg)
	if err != nil {
		t.Fatalf("NIInit(%s) failed: %v", id, err)
	}
	t.Cleanup(func() {
		if err := ni.NIFini(); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("NIFini(%s) failed: %v", id, err)
		}
	})
	return ni
}

func newFabric(t *testing.T) *fabric.Fabric {
	t.Helper()
	f := fabric.New("")
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// newPair opens an initiator at 1/1 and a target at 2/1 on a fresh fabric.
func newPair(t *testing.T, icfg, tcfg Config) (*NI, *NI) {
	t.Helper()
	f := newFabric(t)
	ini := newTestNI(t, f, Phys(1, 1), icfg)
	tgt := newTestNI(t, f, Phys(2, 1), tcfg)
	return ini, tgt
}

func matchingConfig() Config { return Config{Options: NIMatching} }

func newEQ(t *testing.T, ni *NI) *EQ {
	t.Helper()
	eq, err := ni.EQAlloc(64)
	if err != nil {
		t.Fatalf("EQAlloc failed: %v", err)
	}
	return eq
}

func newCT(t *testing.T, ni *NI) *CT {
	t.Helper()
	ct, err := ni.CTAlloc()
	if err != nil {
		t.Fatalf("CTAlloc failed: %v", err)
	}
	return ct
}

func bindMD(t *testing.T, ni *NI, spec MDSpec) *MD {
	t.Helper()
	md, err := ni.MDBind(spec)
	if err != nil {
		t.Fatalf("MDBind failed: %v", err)
	}
	return md
}

// target allocates portal index 0 with eq and appends one entry over buf.
func target(t *testing.T, ni *NI, eq *EQ, ptOpts PTOptions, spec MESpec) *ME {
	t.Helper()
	if _, err := ni.PTAlloc(ptOpts, eq, 0); err != nil {
		t.Fatalf("PTAlloc failed: %v", err)
	}
	me, err := ni.MEAppend(0, spec, PriorityList, "entry")
	if err != nil {
		t.Fatalf("MEAppend failed: %v", err)
	}
	expectEvent(t, ni, eq, EventLink)
	return me
}

func waitEvent(t *testing.T, ni *NI, eq *EQ) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	evt, err := ni.EQWait(ctx, eq)
	if err != nil {
		t.Fatalf("EQWait failed: %v", err)
	}
	return evt
}

func expectEvent(t *testing.T, ni *NI, eq *EQ, kind EventKind) Event {
	t.Helper()
	evt := waitEvent(t, ni, eq)
	if evt.Kind != kind {
		t.Fatalf("expected %s event, got %s (ni_fail %s)", kind, evt.Kind, evt.NIFail)
	}
	return evt
}

func expectNoEvent(t *testing.T, ni *NI, eq *EQ, wait time.Duration) {
	t.Helper()
	_, evt, err := ni.EQPoll(context.Background(), []*EQ{eq}, wait)
	if !errors.Is(err, ErrEQEmpty) {
		t.Fatalf("expected no event, got %s (%v)", evt.Kind, err)
	}
}

func waitCT(t *testing.T, ni *NI, ct *CT, threshold uint64) CTEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	val, err := ni.CTWait(ctx, ct, threshold)
	if err != nil {
		t.Fatalf("CTWait(%d) failed: %v (at %+v)", threshold, err, val)
	}
	return val
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "portals.ni.dispatch" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(toAttributes(attrs)...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

func toAttributes(attrs []TraceAttribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		switch v := attr.Value.(type) {
		case string:
			out = append(out, attribute.String(attr.Key, v))
		case int:
			out = append(out, attribute.Int(attr.Key, v))
		case uint32:
			out = append(out, attribute.Int64(attr.Key, int64(v)))
		case bool:
			out = append(out, attribute.Bool(attr.Key, v))
		default:
			out = append(out, attribute.String(attr.Key, fmt.Sprint(v)))
		}
	}
	return out
}

// metricRecorder is a MetricHook that counts calls.
type metricRecorder struct {
	mu           sync.Mutex
	started      int
	stopped      int
	cqErrors     map[string]int
	dropped      map[string]int
	events       map[string]int
	states       map[string]int
	transactions map[string]int
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{
		cqErrors:     make(map[string]int),
		dropped:      make(map[string]int),
		events:       make(map[string]int),
		states:       make(map[string]int),
		transactions: make(map[string]int),
	}
}

func (m *metricRecorder) DispatcherStarted(_ map[string]string) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherStopped(_ map[string]string) {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherCQError(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.cqErrors[kind]++
	m.mu.Unlock()
}

func (m *metricRecorder) PacketDropped(reason string, _ map[string]string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *metricRecorder) EventPosted(kind string, _ map[string]string) {
	m.mu.Lock()
	m.events[kind]++
	m.mu.Unlock()
}

func (m *metricRecorder) ConnStateChanged(state string, _ map[string]string) {
	m.mu.Lock()
	m.states[state]++
	m.mu.Unlock()
}

func (m *metricRecorder) TransactionCompleted(side string, attrs map[string]string) {
	m.mu.Lock()
	m.transactions[side+"/"+attrs[labelStatus]]++
	m.mu.Unlock()
}

func (m *metricRecorder) transactionCount(side, status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactions[side+"/"+status]
}

func (m *metricRecorder) eventCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[kind]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
