// Package client wraps the qp registry with an instrumented device
// surface: pluggable logging, tracing, and metric hooks around the queue
// pair operations, plus in-process defaults for the collaborators.
package client

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rocketbitz/queuepair-go/host"
	"github.com/rocketbitz/queuepair-go/memqueue"
	"github.com/rocketbitz/queuepair-go/qp"
)

// ErrClosed indicates the device has already been closed.
var ErrClosed = errors.New("queuepair client: closed")

// Config controls Open behaviour for the high-level Device.
type Config struct {
	// ContextID is the id of the local context. Required; it may not be
	// the hypervisor context or the invalid sentinel.
	ContextID qp.ID
	// Transport reaches the peer context. Defaults to an in-process
	// host.Broker acting as the hypervisor context.
	Transport qp.Transport
	// Queues provides queue memory. Defaults to a memqueue.Allocator.
	Queues qp.QueueAllocator
	// PageSets builds page descriptors. Defaults to the allocator serving
	// Queues when it also builds page sets.
	PageSets qp.PageSetBuilder
	// Events receives local attach/detach notifications. Optional.
	Events qp.EventSink

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Logger provides printf-style debug logging hooks for the device.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to device spans
// or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap device activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records operation lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures device telemetry events.
type MetricHook interface {
	AllocCompleted(attrs map[string]string)
	AllocFailed(err error, attrs map[string]string)
	DetachCompleted(attrs map[string]string)
	DetachFailed(err error, attrs map[string]string)
	EntriesConverted(n int, attrs map[string]string)
	ConvertFailures(n int, attrs map[string]string)
	DeviceClosed(attrs map[string]string)
}

// Stats contains counters for device operations.
type Stats struct {
	AllocCompleted   uint64
	AllocFailed      uint64
	DetachCompleted  uint64
	DetachFailed     uint64
	EntriesConverted uint64
	ConvertFailures  uint64
}

type deviceStats struct {
	allocCompleted   atomic.Uint64
	allocFailed      atomic.Uint64
	detachCompleted  atomic.Uint64
	detachFailed     atomic.Uint64
	entriesConverted atomic.Uint64
	convertFailures  atomic.Uint64
}

// Pair is the caller's view of an allocated or attached queue pair.
type Pair struct {
	Handle   qp.Handle
	ProduceQ qp.Queue
	ConsumeQ qp.Queue
}

// Device owns a qp.Registry and its collaborators and instruments every
// operation.
type Device struct {
	cfg      Config
	registry *qp.Registry
	closed   atomic.Bool

	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	stats      deviceStats
}

// Open validates the configuration, fills in defaulted collaborators, and
// returns a ready Device.
func Open(cfg Config) (*Device, error) {
	if cfg.ContextID == qp.InvalidID || cfg.ContextID == qp.HypervisorContext {
		return nil, fmt.Errorf("queuepair client: context id required")
	}
	if cfg.Transport == nil {
		cfg.Transport = host.New(qp.HypervisorContext)
	}
	if cfg.Queues == nil {
		cfg.Queues = memqueue.NewAllocator()
	}
	if cfg.PageSets == nil {
		builder, ok := cfg.Queues.(qp.PageSetBuilder)
		if !ok {
			return nil, fmt.Errorf("queuepair client: page set builder required")
		}
		cfg.PageSets = builder
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	registry, err := qp.Open(qp.Config{
		ContextID:        cfg.ContextID,
		Transport:        cfg.Transport,
		Queues:           cfg.Queues,
		PageSets:         cfg.PageSets,
		Events:           cfg.Events,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
	})
	if err != nil {
		return nil, err
	}

	return &Device{
		cfg:        cfg,
		registry:   registry,
		logger:     cfg.Logger,
		structured: structured,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
	}, nil
}

// Registry exposes the underlying qp.Registry for callers that need the
// low-level surface.
func (d *Device) Registry() *qp.Registry {
	return d.registry
}

// Alloc creates a queue pair or attaches to an existing local one. See
// qp.Registry.Alloc for the protocol.
func (d *Device) Alloc(handle qp.Handle, produceSize, consumeSize uint64, peer qp.ID, flags qp.Flag) (Pair, error) {
	if d.closed.Load() {
		return Pair{}, ErrClosed
	}

	h, produceQ, consumeQ, err := d.registry.Alloc(handle, produceSize, consumeSize, peer, flags)
	if err != nil {
		d.stats.allocFailed.Add(1)
		d.logEvent("alloc_failed",
			logKV("handle", handle),
			logKV("error", err))
		d.metricAllocFailed(err, logKV(labelOperation, "alloc"))
		return Pair{}, err
	}

	d.stats.allocCompleted.Add(1)
	d.logEvent("alloc_completed",
		logKV("handle", h),
		logKV("produce_size", produceSize),
		logKV("consume_size", consumeSize),
		logKV(labelLocal, flags&qp.FlagLocal != 0))
	d.metricAllocCompleted(
		logKV(labelOperation, "alloc"),
		logKV(labelStatus, "ok"))
	return Pair{Handle: h, ProduceQ: produceQ, ConsumeQ: consumeQ}, nil
}

// Attach attaches to an existing queue pair; it fails when no matching
// pair exists.
func (d *Device) Attach(handle qp.Handle, produceSize, consumeSize uint64, peer qp.ID, flags qp.Flag) (Pair, error) {
	return d.Alloc(handle, produceSize, consumeSize, peer, flags|qp.FlagAttachOnly)
}

// Detach releases one reference to the queue pair named by handle.
func (d *Device) Detach(handle qp.Handle) error {
	if d.closed.Load() {
		return ErrClosed
	}

	if err := d.registry.Detach(handle); err != nil {
		d.stats.detachFailed.Add(1)
		d.logEvent("detach_failed",
			logKV("handle", handle),
			logKV("error", err))
		d.metricDetachFailed(err, logKV(labelOperation, "detach"))
		return err
	}

	d.stats.detachCompleted.Add(1)
	d.logEvent("detach_completed", logKV("handle", handle))
	d.metricDetachCompleted(
		logKV(labelOperation, "detach"),
		logKV(labelStatus, "ok"))
	return nil
}

// Convert runs the hibernation transition and reports how many entries
// were converted and how many failed.
func (d *Device) Convert(toLocal, deviceReset bool) (converted, failed int) {
	if d.closed.Load() {
		return 0, 0
	}

	span := d.startSpan("queuepair-client-convert",
		TraceAttribute{Key: "to_local", Value: toLocal},
		TraceAttribute{Key: "device_reset", Value: deviceReset})

	converted, failed = d.registry.Convert(toLocal, deviceReset)

	d.stats.entriesConverted.Add(uint64(converted))
	d.stats.convertFailures.Add(uint64(failed))
	d.logEvent("convert_completed",
		logKV("to_local", toLocal),
		logKV("converted", converted),
		logKV("failed", failed))
	if converted > 0 {
		d.metricEntriesConverted(converted)
	}
	if failed > 0 {
		d.metricConvertFailures(failed)
		if span != nil {
			span.AddEvent("convert_failures", TraceAttribute{Key: "count", Value: failed})
		}
	}
	if span != nil {
		span.End(nil)
	}
	return converted, failed
}

// Sync blocks until no queue pair operation is in flight.
func (d *Device) Sync() {
	d.registry.Sync()
}

// Stats returns a snapshot of the device's operation counters.
func (d *Device) Stats() Stats {
	return Stats{
		AllocCompleted:   d.stats.allocCompleted.Load(),
		AllocFailed:      d.stats.allocFailed.Load(),
		DetachCompleted:  d.stats.detachCompleted.Load(),
		DetachFailed:     d.stats.detachFailed.Load(),
		EntriesConverted: d.stats.entriesConverted.Load(),
		ConvertFailures:  d.stats.convertFailures.Load(),
	}
}

// Close tears down the registry. It is safe to call multiple times.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.registry.Close()
	d.logEvent("device_closed")
	if d.metrics != nil {
		d.metrics.DeviceClosed(d.metricAttrs())
	}
	return err
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (d *Device) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelContext] = fmt.Sprintf("%x", uint32(d.cfg.ContextID))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (d *Device) logEvent(event string, fields ...logField) {
	if d == nil {
		return
	}
	if d.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		d.structured.Debugw("queuepair client", kv...)
		return
	}
	if d.logger == nil {
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
	d.logger.Debugf("client %s", b.String())
}

func (d *Device) startSpan(name string, attrs ...TraceAttribute) Span {
	if d == nil || d.tracer == nil {
		return nil
	}
	attrs = append(attrs, TraceAttribute{Key: labelContext, Value: fmt.Sprintf("%x", uint32(d.cfg.ContextID))})
	return d.tracer.StartSpan(name, attrs...)
}

func (d *Device) metricAllocCompleted(fields ...logField) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.AllocCompleted(d.metricAttrs(fields...))
}

func (d *Device) metricAllocFailed(err error, fields ...logField) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.AllocFailed(err, d.metricAttrs(fields...))
}

func (d *Device) metricDetachCompleted(fields ...logField) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.DetachCompleted(d.metricAttrs(fields...))
}

func (d *Device) metricDetachFailed(err error, fields ...logField) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.DetachFailed(err, d.metricAttrs(fields...))
}

func (d *Device) metricEntriesConverted(n int) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.EntriesConverted(n, d.metricAttrs())
}

func (d *Device) metricConvertFailures(n int) {
	if d == nil || d.metrics == nil {
		return
	}
	d.metrics.ConvertFailures(n, d.metricAttrs())
}
