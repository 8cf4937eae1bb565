package ptl

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	dispatcherCQError metric.Int64Counter
	packetsDropped    metric.Int64Counter
	eventsPosted      metric.Int64Counter
	connStates        metric.Int64Counter
	transactions      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/portals4-go/ptl"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.dispatcherStarted, "portals.dispatcher.started"},
		{&o.dispatcherStopped, "portals.dispatcher.stopped"},
		{&o.dispatcherCQError, "portals.dispatcher.cq_errors"},
		{&o.packetsDropped, "portals.packets.dropped"},
		{&o.eventsPosted, "portals.events.posted"},
		{&o.connStates, "portals.conn.state_transitions"},
		{&o.transactions, "portals.transactions.completed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// DispatcherStarted records that the progress loop has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that the progress loop has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherCQError counts completion errors observed by the progress loop.
func (o *OTelMetrics) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	o.dispatcherCQError.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelKind, kind)...))
}

// PacketDropped counts received packets that never reached a transaction.
func (o *OTelMetrics) PacketDropped(reason string, attrs map[string]string) {
	o.packetsDropped.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelReason, reason)...))
}

// EventPosted counts full events by kind.
func (o *OTelMetrics) EventPosted(kind string, attrs map[string]string) {
	o.eventsPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelEvent, kind)...))
}

// ConnStateChanged counts connection state transitions by new state.
func (o *OTelMetrics) ConnStateChanged(state string, attrs map[string]string) {
	o.connStates.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWith(attrs, labelState, state)...))
}

// TransactionCompleted counts finished transactions by side and status.
func (o *OTelMetrics) TransactionCompleted(side string, attrs map[string]string) {
	kvs := otelAttrsWith(attrs, labelSide, side)
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	o.transactions.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelNIType, attrs[labelNIType]),
	}
	if v := attrs[labelNID]; v != "" {
		kvs = append(kvs, attribute.String(labelNID, v))
	}
	if v := attrs[labelPID]; v != "" {
		kvs = append(kvs, attribute.String(labelPID, v))
	}
	return kvs
}

func otelAttrsWith(attrs map[string]string, key, value string) []attribute.KeyValue {
	return append(otelAttrs(attrs), attribute.String(key, value))
}
