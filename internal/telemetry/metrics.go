package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names for the execution plane.
const (
	MetricIntentsAcceptedTotal = "binarymm_intents_accepted_total"
	MetricIntentsRejectedTotal = "binarymm_intents_rejected_total"
	MetricOrdersSubmittedTotal = "binarymm_orders_submitted_total"
	MetricOrdersRetriedTotal   = "binarymm_orders_retried_total"
	MetricOrdersFailedTotal    = "binarymm_orders_failed_total"
	MetricCycleCompletedTotal  = "binarymm_cycle_completed_total"
	MetricCycleUnwoundTotal    = "binarymm_cycle_unwound_total"
	MetricQueueDepth           = "binarymm_coordinator_queue_depth"
	MetricExposureNotional     = "binarymm_exposure_notional"
	MetricCircuitBreakerOpen   = "binarymm_circuit_breaker_open"
	MetricSubmitLatencyMs      = "binarymm_submit_latency_ms"
)

// MetricsHolder holds every instrument initialized against the meter.
type MetricsHolder struct {
	IntentsAcceptedTotal metric.Int64Counter
	IntentsRejectedTotal metric.Int64Counter
	OrdersSubmittedTotal metric.Int64Counter
	OrdersRetriedTotal   metric.Int64Counter
	OrdersFailedTotal    metric.Int64Counter
	CycleCompletedTotal  metric.Int64Counter
	CycleUnwoundTotal    metric.Int64Counter
	QueueDepth           metric.Int64ObservableGauge
	ExposureNotional     metric.Float64ObservableGauge
	CircuitBreakerOpen   metric.Int64ObservableGauge
	SubmitLatencyMs      metric.Float64Histogram

	mu            sync.RWMutex
	queueDepthMap map[string]int64
	exposureMap   map[string]float64
	breakerMap    map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics singleton.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap: make(map[string]int64),
			exposureMap:   make(map[string]float64),
			breakerMap:    make(map[string]int64),
		}
	})
	return globalMetrics
}

// Init creates every instrument against the given meter.
func (m *MetricsHolder) Init(meter metric.Meter) error {
	var err error

	if m.IntentsAcceptedTotal, err = meter.Int64Counter(MetricIntentsAcceptedTotal,
		metric.WithDescription("Order intents accepted by the coordinator")); err != nil {
		return err
	}
	if m.IntentsRejectedTotal, err = meter.Int64Counter(MetricIntentsRejectedTotal,
		metric.WithDescription("Order intents rejected by the gate")); err != nil {
		return err
	}
	if m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal,
		metric.WithDescription("Orders submitted to the exchange")); err != nil {
		return err
	}
	if m.OrdersRetriedTotal, err = meter.Int64Counter(MetricOrdersRetriedTotal,
		metric.WithDescription("Order submission retries")); err != nil {
		return err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal,
		metric.WithDescription("Orders that failed terminally")); err != nil {
		return err
	}
	if m.CycleCompletedTotal, err = meter.Int64Counter(MetricCycleCompletedTotal,
		metric.WithDescription("Two-leg cycles reaching CycleComplete")); err != nil {
		return err
	}
	if m.CycleUnwoundTotal, err = meter.Int64Counter(MetricCycleUnwoundTotal,
		metric.WithDescription("Two-leg cycles that had to unwind Leg1")); err != nil {
		return err
	}
	if m.SubmitLatencyMs, err = meter.Float64Histogram(MetricSubmitLatencyMs,
		metric.WithDescription("Executor submit-to-ack latency"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth,
		metric.WithDescription("Coordinator queue depth per domain"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for domain, v := range m.queueDepthMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("domain", domain)))
			}
			return nil
		})); err != nil {
		return err
	}

	if m.ExposureNotional, err = meter.Float64ObservableGauge(MetricExposureNotional,
		metric.WithDescription("Outstanding exposure notional per domain"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for domain, v := range m.exposureMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("domain", domain)))
			}
			return nil
		})); err != nil {
		return err
	}

	if m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for domain, v := range m.breakerMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("domain", domain)))
			}
			return nil
		})); err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) SetQueueDepth(domain string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[domain] = depth
}

func (m *MetricsHolder) SetExposure(domain string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureMap[domain] = notional
}

func (m *MetricsHolder) SetCircuitBreakerOpen(domain string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerMap[domain] = val
}

func (m *MetricsHolder) GetQueueDepths() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.queueDepthMap))
	for k, v := range m.queueDepthMap {
		out[k] = v
	}
	return out
}
