package client

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
	meter            metric.Meter
	allocCompleted   metric.Int64Counter
	allocFailed      metric.Int64Counter
	detachCompleted  metric.Int64Counter
	detachFailed     metric.Int64Counter
	entriesConverted metric.Int64Counter
	convertFailures  metric.Int64Counter
	deviceClosed     metric.Int64Counter
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
			name = "github.com/rocketbitz/queuepair-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	allocCompleted, err := meter.Int64Counter("queuepair.client.alloc.completed")
	if err != nil {
		return nil, err
	}
	allocFailed, err := meter.Int64Counter("queuepair.client.alloc.failed")
	if err != nil {
		return nil, err
	}
	detachCompleted, err := meter.Int64Counter("queuepair.client.detach.completed")
	if err != nil {
		return nil, err
	}
	detachFailed, err := meter.Int64Counter("queuepair.client.detach.failed")
	if err != nil {
		return nil, err
	}
	entriesConverted, err := meter.Int64Counter("queuepair.client.convert.entries_converted")
	if err != nil {
		return nil, err
	}
	convertFailures, err := meter.Int64Counter("queuepair.client.convert.failures")
	if err != nil {
		return nil, err
	}
	deviceClosed, err := meter.Int64Counter("queuepair.client.device.closed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:            meter,
		allocCompleted:   allocCompleted,
		allocFailed:      allocFailed,
		detachCompleted:  detachCompleted,
		detachFailed:     detachFailed,
		entriesConverted: entriesConverted,
		convertFailures:  convertFailures,
		deviceClosed:     deviceClosed,
	}, nil
}

// AllocCompleted records a successful allocation or attach.
func (o *OTelMetrics) AllocCompleted(attrs map[string]string) {
	o.allocCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// AllocFailed records a failed allocation or attach.
func (o *OTelMetrics) AllocFailed(_ error, attrs map[string]string) {
	o.allocFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// DetachCompleted records a successful detach.
func (o *OTelMetrics) DetachCompleted(attrs map[string]string) {
	o.detachCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// DetachFailed records a failed detach.
func (o *OTelMetrics) DetachFailed(_ error, attrs map[string]string) {
	o.detachFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

// EntriesConverted counts queue pairs converted to local form.
func (o *OTelMetrics) EntriesConverted(n int, attrs map[string]string) {
	o.entriesConverted.Add(context.Background(), int64(n), metric.WithAttributes(otelAttrs(attrs)...))
}

// ConvertFailures counts queue pairs that failed hibernation conversion.
func (o *OTelMetrics) ConvertFailures(n int, attrs map[string]string) {
	o.convertFailures.Add(context.Background(), int64(n), metric.WithAttributes(otelAttrs(attrs)...))
}

// DeviceClosed records the device teardown.
func (o *OTelMetrics) DeviceClosed(attrs map[string]string) {
	o.deviceClosed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelContext, attrs[labelContext]),
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
