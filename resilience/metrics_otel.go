package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector observes a CircuitBreaker's admission decisions and
// state transitions. A CircuitBreaker with no collector configured simply
// skips these calls.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string)
	RecordRejection(name string)
	RecordStateChange(name, from, to string)
}

// OTelMetricsCollector reports circuit breaker behavior through the global
// OpenTelemetry meter provider, so whichever exporter the host process
// configures (Prometheus, OTLP, stdout) receives these series for free.
type OTelMetricsCollector struct {
	ctx        context.Context
	successes  metric.Int64Counter
	failures   metric.Int64Counter
	rejections metric.Int64Counter
	transitions metric.Int64Counter
}

// NewOTelMetricsCollector creates the breaker instruments on the named
// meter. ctx is retained only for the instrument-recording calls, which
// otel's API requires but never actually blocks on.
func NewOTelMetricsCollector(ctx context.Context) (*OTelMetricsCollector, error) {
	meter := otel.Meter("taskmesh/resilience")

	successes, err := meter.Int64Counter("circuit_breaker.success",
		metric.WithDescription("calls the circuit breaker admitted and that succeeded"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("circuit_breaker.failure",
		metric.WithDescription("calls the circuit breaker admitted and that failed"))
	if err != nil {
		return nil, err
	}
	rejections, err := meter.Int64Counter("circuit_breaker.rejected",
		metric.WithDescription("calls the circuit breaker fast-failed while open"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("circuit_breaker.state_change",
		metric.WithDescription("circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	return &OTelMetricsCollector{
		ctx:         ctx,
		successes:   successes,
		failures:    failures,
		rejections:  rejections,
		transitions: transitions,
	}, nil
}

func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.successes.Add(o.ctx, 1, metric.WithAttributes(attribute.String("circuit_breaker", name)))
}

func (o *OTelMetricsCollector) RecordFailure(name string) {
	o.failures.Add(o.ctx, 1, metric.WithAttributes(attribute.String("circuit_breaker", name)))
}

func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.rejections.Add(o.ctx, 1, metric.WithAttributes(attribute.String("circuit_breaker", name)))
}

func (o *OTelMetricsCollector) RecordStateChange(name, from, to string) {
	o.transitions.Add(o.ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker", name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}
