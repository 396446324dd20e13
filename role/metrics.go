package role

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an optional set of instruments tracking the state machine:
// role transitions, broadcasts sent, acks accepted and rejected by seq,
// append latency, and quorum failures. A nil *Metrics is valid everywhere;
// every call site guards against it.
type Metrics struct {
	broadcasts     prometheus.Counter
	transitions    *prometheus.CounterVec
	acksAccepted   prometheus.Counter
	acksRejected   prometheus.Counter
	quorumFailures prometheus.Counter
	appendLatency  prometheus.Histogram
}

// NewMetrics registers and returns a Metrics bound to reg. Pass a
// prometheus.Registerer obtained from observability.Observability.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abcore",
			Subsystem: "role",
			Name:      "broadcasts_total",
			Help:      "Total number of LeaderActive messages broadcast by this node.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "abcore",
			Subsystem: "role",
			Name:      "transitions_total",
			Help:      "Total number of role-variant transitions, labeled by the destination variant.",
		}, []string{"to"}),
		acksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abcore",
			Subsystem: "role",
			Name:      "acks_accepted_total",
			Help:      "LeaderActiveAck messages counted towards the current broadcast.",
		}),
		acksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abcore",
			Subsystem: "role",
			Name:      "acks_rejected_total",
			Help:      "LeaderActiveAck messages dropped for carrying a stale seq.",
		}),
		quorumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "abcore",
			Subsystem: "role",
			Name:      "quorum_failures_total",
			Help:      "Times the leader failed to hold a quorum, stepping back to potential leader.",
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "abcore",
			Subsystem: "role",
			Name:      "append_duration_seconds",
			Help:      "Time from an append proposal's broadcast to its callback resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.broadcasts, m.transitions,
		m.acksAccepted, m.acksRejected,
		m.quorumFailures, m.appendLatency,
	)
	return m
}

func (r *Role) observeBroadcast() {
	if r.metrics == nil {
		return
	}
	r.metrics.broadcasts.Inc()
}

func (r *Role) observeTransition() {
	if r.metrics == nil {
		return
	}
	r.metrics.transitions.WithLabelValues(r.kind.String()).Inc()
}

func (r *Role) observeAckAccepted() {
	if r.metrics == nil {
		return
	}
	r.metrics.acksAccepted.Inc()
}

func (r *Role) observeAckRejected() {
	if r.metrics == nil {
		return
	}
	r.metrics.acksRejected.Inc()
}

func (r *Role) observeQuorumFailure() {
	if r.metrics == nil {
		return
	}
	r.metrics.quorumFailures.Inc()
}

// observeAppendLatency resolves the in-flight append's start stamp. It
// always clears the stamp, so an append resolved without a usable clock
// (now == 0 during teardown) just skips the observation.
func (r *Role) observeAppendLatency(now uint64) {
	start := r.appendStart
	r.appendStart = 0
	if r.metrics == nil || start == 0 || now < start {
		return
	}
	r.metrics.appendLatency.Observe(time.Duration(now - start).Seconds())
}
