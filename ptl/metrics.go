package ptl

import (
	"fmt"
	"strconv"
)

// MetricHook captures progress engine telemetry.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	PacketDropped(reason string, attrs map[string]string)
	EventPosted(kind string, attrs map[string]string)
	ConnStateChanged(state string, attrs map[string]string)
	TransactionCompleted(side string, attrs map[string]string)
}

const (
	labelNIType = "ni_type"
	labelNID    = "nid"
	labelPID    = "pid"
	labelKind   = "kind"
	labelReason = "reason"
	labelEvent  = "event"
	labelState  = "state"
	labelSide   = "side"
	labelStatus = "status"
)

func (ni *NI) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelNIType] = ni.cfg.Options.String()
	attrs[labelNID] = strconv.FormatUint(uint64(ni.id.NID), 10)
	attrs[labelPID] = strconv.FormatUint(uint64(ni.id.PID), 10)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (ni *NI) metricDispatcherStarted(fields ...logField) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.DispatcherStarted(ni.metricAttrs(fields...))
}

func (ni *NI) metricDispatcherStopped(fields ...logField) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.DispatcherStopped(ni.metricAttrs(fields...))
}

func (ni *NI) metricCQError(kind string, err error, fields ...logField) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.DispatcherCQError(kind, err, ni.metricAttrs(fields...))
}

func (ni *NI) metricPacketDropped(reason string) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.PacketDropped(reason, ni.metricAttrs(logKV(labelReason, reason)))
}

func (ni *NI) metricEventPosted(kind EventKind) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.EventPosted(kind.String(), ni.metricAttrs(logKV(labelEvent, kind)))
}

func (ni *NI) metricConnState(state ConnState) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.ConnStateChanged(state.String(), ni.metricAttrs(logKV(labelState, state)))
}

func (ni *NI) metricTransaction(side string, fail NIFail) {
	if ni == nil || ni.metrics == nil {
		return
	}
	ni.metrics.TransactionCompleted(side, ni.metricAttrs(logKV(labelSide, side), logKV(labelStatus, fail)))
}
