package client

import "github.com/prometheus/client_golang/prometheus"

// Metric label keys shared by the Prometheus and OTel hooks.
const (
	labelContext   = "context_id"
	labelOperation = "operation"
	labelStatus    = "status"
	labelLocal     = "local"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics implements MetricHook using Prometheus counters.
var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	allocCompleted   *prometheus.CounterVec
	allocFailed      *prometheus.CounterVec
	detachCompleted  *prometheus.CounterVec
	detachFailed     *prometheus.CounterVec
	entriesConverted *prometheus.CounterVec
	convertFailures  *prometheus.CounterVec
	deviceClosed     *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		allocCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_alloc_completed_total",
			Help:        "Number of successful queue pair allocations and attaches",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		allocFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_alloc_failed_total",
			Help:        "Number of failed queue pair allocations and attaches",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		detachCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_detach_completed_total",
			Help:        "Number of successful queue pair detaches",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		detachFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_detach_failed_total",
			Help:        "Number of failed queue pair detaches",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		entriesConverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_entries_converted_total",
			Help:        "Number of queue pairs converted to local form during hibernation",
			ConstLabels: opts.ConstLabels,
		}, deviceLabelKeys),
		convertFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_convert_failures_total",
			Help:        "Number of queue pairs that failed hibernation conversion",
			ConstLabels: opts.ConstLabels,
		}, deviceLabelKeys),
		deviceClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "queuepair_client_device_closed_total",
			Help:        "Number of times the device was closed",
			ConstLabels: opts.ConstLabels,
		}, deviceLabelKeys),
	}

	var err error
	if p.allocCompleted, err = registerCounterVec(reg, p.allocCompleted); err != nil {
		return nil, err
	}
	if p.allocFailed, err = registerCounterVec(reg, p.allocFailed); err != nil {
		return nil, err
	}
	if p.detachCompleted, err = registerCounterVec(reg, p.detachCompleted); err != nil {
		return nil, err
	}
	if p.detachFailed, err = registerCounterVec(reg, p.detachFailed); err != nil {
		return nil, err
	}
	if p.entriesConverted, err = registerCounterVec(reg, p.entriesConverted); err != nil {
		return nil, err
	}
	if p.convertFailures, err = registerCounterVec(reg, p.convertFailures); err != nil {
		return nil, err
	}
	if p.deviceClosed, err = registerCounterVec(reg, p.deviceClosed); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	deviceLabelKeys     = []string{labelContext}
	completionLabelKeys = []string{labelContext, labelOperation, labelStatus}
	failureLabelKeys    = []string{labelContext, labelOperation}
)

func (p *PrometheusMetrics) AllocCompleted(attrs map[string]string) {
	p.allocCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) AllocFailed(_ error, attrs map[string]string) {
	p.allocFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DetachCompleted(attrs map[string]string) {
	p.detachCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DetachFailed(_ error, attrs map[string]string) {
	p.detachFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) EntriesConverted(n int, attrs map[string]string) {
	p.entriesConverted.With(labels(attrs, deviceLabelKeys...)).Add(float64(n))
}

func (p *PrometheusMetrics) ConvertFailures(n int, attrs map[string]string) {
	p.convertFailures.With(labels(attrs, deviceLabelKeys...)).Add(float64(n))
}

func (p *PrometheusMetrics) DeviceClosed(attrs map[string]string) {
	p.deviceClosed.With(labels(attrs, deviceLabelKeys...)).Inc()
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
