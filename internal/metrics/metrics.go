package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_aio"

// Metrics holds the prometheus collectors for one client process
type Metrics struct {
	connectionStatus prometheus.Gauge
	connects         *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	operationsTotal  *prometheus.CounterVec
	pendingOps       *prometheus.GaugeVec
	handlerErrors    prometheus.Counter
	queueDepth       prometheus.Gauge
	relayTotal       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "Current MQTT connection status (1 = connected, 0 = disconnected)",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by status",
		}, []string{"status"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Completed publish/subscribe/unsubscribe operations by result",
		}, []string{"operation", "result"}),
		pendingOps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operations waiting for their engine callback",
		}, []string{"operation"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Topic handler failures (errors and recovered panics)",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "message_queue_depth",
			Help:      "Messages waiting in the inbound queue",
		}),
		relayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Messages forwarded to the relay sink by result",
		}, []string{"result"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.connectionStatus,
			m.connects,
			m.messagesTotal,
			m.operationsTotal,
			m.pendingOps,
			m.handlerErrors,
			m.queueDepth,
			m.relayTotal,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// SetMQTTConnectionStatus records whether the client is connected
func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

// IncConnects counts a connection attempt ("accepted", "refused", "error")
func (m *Metrics) IncConnects(result string) {
	m.connects.WithLabelValues(result).Inc()
}

// IncMessagesTotal counts inbound messages ("received", "dispatched", "dropped")
func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

// IncOperationsTotal counts a finished operation
func (m *Metrics) IncOperationsTotal(operation, result string) {
	m.operationsTotal.WithLabelValues(operation, result).Inc()
}

// SetPendingOperations records the pending slot count for one operation kind
func (m *Metrics) SetPendingOperations(operation string, n int) {
	m.pendingOps.WithLabelValues(operation).Set(float64(n))
}

// IncHandlerErrors counts a failed topic handler
func (m *Metrics) IncHandlerErrors() {
	m.handlerErrors.Inc()
}

// SetMessageQueueDepth records the inbound queue length
func (m *Metrics) SetMessageQueueDepth(depth float64) {
	m.queueDepth.Set(depth)
}

// IncRelayTotal counts a relayed message ("success", "error")
func (m *Metrics) IncRelayTotal(result string) {
	m.relayTotal.WithLabelValues(result).Inc()
}

// Source is sampled by the MetricsCollector
type Source interface {
	QueueDepth() int
}

// MetricsCollector periodically samples gauges that are not updated inline
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	sources  []Source
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector sampling every interval
func NewMetricsCollector(m *Metrics, interval time.Duration, sources ...Source) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		sources:  sources,
		stop:     make(chan struct{}),
	}
}

// Start begins periodic sampling
func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Collect samples all sources once
func (c *MetricsCollector) Collect() {
	depth := 0
	for _, s := range c.sources {
		depth += s.QueueDepth()
	}
	c.metrics.SetMessageQueueDepth(float64(depth))
}

// Stop ends sampling; safe to call more than once
func (c *MetricsCollector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
