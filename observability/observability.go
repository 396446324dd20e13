// Package observability defines the instrumentation seam used by node and
// role: a host hands in one Observability value carrying its tracer, meter,
// prometheus registerer and logger, and everything downstream pulls what it
// needs from that instead of taking four separate dependencies.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/unicitynetwork/ab-core/logger"
)

// Observability is the set of instrumentation dependencies a Node accepts.
// Of turns a nil Observability into NewNoop(), whose every method is safe to
// call and produces no output.
type Observability interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	PrometheusRegisterer() prometheus.Registerer
	Logger() *slog.Logger
}

type noopObservability struct {
	log *slog.Logger
}

// NewNoop returns an Observability whose tracer/meter/registerer discard
// everything, for hosts that do not care about instrumentation. Its logger
// is the shared discard logger unless overridden with WithLogger.
func NewNoop() Observability {
	return &noopObservability{log: logger.Discard()}
}

// WithLogger returns a copy of a noop Observability using the given logger for
// Logger() while still discarding metrics and traces.
func WithLogger(log *slog.Logger) Observability {
	return &noopObservability{log: logger.OrDiscard(log)}
}

func (n *noopObservability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(name, options...)
}

func (n *noopObservability) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return noopmetric.NewMeterProvider().Meter(name, opts...)
}

func (n *noopObservability) PrometheusRegisterer() prometheus.Registerer {
	return prometheus.NewRegistry()
}

func (n *noopObservability) Logger() *slog.Logger {
	return n.log
}

// Of returns obs if non-nil, otherwise a discard-everything Observability.
func Of(obs Observability) Observability {
	if obs == nil {
		return NewNoop()
	}
	return obs
}
