package ptl

import (
	"fmt"
	"strings"
)

// Logger provides printf style debug logging hooks for the interface.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to progress spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap progress engine activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records progress engine lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (ni *NI) logEvent(event string, fields ...logField) {
	if ni == nil {
		return
	}
	if ni.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+6)
		kv = append(kv, "event", event, "nid", ni.id.NID, "pid", ni.id.PID)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		ni.structuredLogger.Debugw("portals ni", kv...)
		return
	}
	if ni.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	ni.logger.Debugf("ni %s %s", ni.id, b.String())
}

func (ni *NI) startSpan(name string) Span {
	if ni == nil || ni.tracer == nil {
		return nil
	}
	return ni.tracer.StartSpan(name,
		TraceAttribute{Key: "component", Value: "portals-ni"},
		TraceAttribute{Key: "ni_type", Value: ni.cfg.Options.String()},
		TraceAttribute{Key: "nid", Value: ni.id.NID},
		TraceAttribute{Key: "pid", Value: ni.id.PID},
	)
}

func finishSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

// recordFailure logs, traces and counts a progress error.
func (ni *NI) recordFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	ni.logEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	ni.metricCQError(event, err, fields...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
