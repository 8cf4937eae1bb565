package ptl

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	dispatcherCQError *prometheus.CounterVec
	packetsDropped    *prometheus.CounterVec
	eventsPosted      *prometheus.CounterVec
	connStates        *prometheus.CounterVec
	transactions      *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		dispatcherStarted: counter("portals_dispatcher_started_total", "Number of times the progress loop started", niLabelKeys),
		dispatcherStopped: counter("portals_dispatcher_stopped_total", "Number of times the progress loop stopped", niLabelKeys),
		dispatcherCQError: counter("portals_dispatcher_cq_errors_total", "Number of completion errors surfaced by the progress loop", kindLabelKeys),
		packetsDropped:    counter("portals_packets_dropped_total", "Number of received packets dropped before reaching a transaction", reasonLabelKeys),
		eventsPosted:      counter("portals_events_posted_total", "Number of full events posted to event queues", eventLabelKeys),
		connStates:        counter("portals_conn_state_transitions_total", "Number of connection state transitions", stateLabelKeys),
		transactions:      counter("portals_transactions_completed_total", "Number of initiator and target transactions completed", transactionLabelKeys),
	}

	for _, vec := range []**prometheus.CounterVec{
		&p.dispatcherStarted,
		&p.dispatcherStopped,
		&p.dispatcherCQError,
		&p.packetsDropped,
		&p.eventsPosted,
		&p.connStates,
		&p.transactions,
	} {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

var (
	niLabelKeys          = []string{labelNIType, labelNID, labelPID}
	kindLabelKeys        = []string{labelNIType, labelNID, labelPID, labelKind}
	reasonLabelKeys      = []string{labelNIType, labelNID, labelPID, labelReason}
	eventLabelKeys       = []string{labelNIType, labelNID, labelPID, labelEvent}
	stateLabelKeys       = []string{labelNIType, labelNID, labelPID, labelState}
	transactionLabelKeys = []string{labelNIType, labelNID, labelPID, labelSide, labelStatus}
)

// DispatcherStarted counts dispatcher launches.
func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, niLabelKeys...)).Inc()
}

// DispatcherStopped counts dispatcher exits.
func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, niLabelKeys...)).Inc()
}

// DispatcherCQError counts completion queue errors by kind.
func (p *PrometheusMetrics) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, kindLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherCQError.With(labs).Inc()
}

// PacketDropped counts discarded packets by reason.
func (p *PrometheusMetrics) PacketDropped(reason string, attrs map[string]string) {
	labs := labels(attrs, reasonLabelKeys...)
	labs[labelReason] = reason
	p.packetsDropped.With(labs).Inc()
}

// EventPosted counts full events by kind.
func (p *PrometheusMetrics) EventPosted(kind string, attrs map[string]string) {
	labs := labels(attrs, eventLabelKeys...)
	labs[labelEvent] = kind
	p.eventsPosted.With(labs).Inc()
}

// ConnStateChanged counts connection state transitions.
func (p *PrometheusMetrics) ConnStateChanged(state string, attrs map[string]string) {
	labs := labels(attrs, stateLabelKeys...)
	labs[labelState] = state
	p.connStates.With(labs).Inc()
}

// TransactionCompleted counts finished transactions by side.
func (p *PrometheusMetrics) TransactionCompleted(side string, attrs map[string]string) {
	labs := labels(attrs, transactionLabelKeys...)
	labs[labelSide] = side
	p.transactions.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
