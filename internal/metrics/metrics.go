// Package metrics exposes Prometheus instrumentation for the sync server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "flowsync").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for message handling duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures the metric set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "flowsync",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the Prometheus metrics for the sync server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeConnections prometheus.Gauge
	messagesTotal     *prometheus.CounterVec
	messageDuration   *prometheus.HistogramVec
	messagesDropped   prometheus.Counter
	broadcastsTotal   prometheus.Counter
	syncsTotal        prometheus.Counter
	storageErrors     *prometheus.CounterVec
	roomsActive       prometheus.Gauge
}

// New registers and returns the metric set.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_connections",
			Help:        "Number of active WebSocket connections",
			ConstLabels: config.ConstLabels,
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "messages_total",
			Help:        "Total inbound messages processed, by kind and status",
			ConstLabels: config.ConstLabels,
		}, []string{"kind", "status"}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "message_duration_seconds",
			Help:        "Message handling duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"kind"}),

		messagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "messages_dropped_total",
			Help:        "Inbound messages dropped because a room inbox was full",
			ConstLabels: config.ConstLabels,
		}),

		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "broadcasts_total",
			Help:        "Total messages fanned out to connections",
			ConstLabels: config.ConstLabels,
		}),

		syncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "state_syncs_total",
			Help:        "Total full-state sync sequences started",
			ConstLabels: config.ConstLabels,
		}),

		storageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "storage_errors_total",
			Help:        "Total storage faults, by operation",
			ConstLabels: config.ConstLabels,
		}, []string{"op"}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "rooms_active",
			Help:        "Number of resident room actors",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// ConnectionOpened records a new WebSocket connection.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

// ConnectionClosed records a WebSocket connection closing.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

// MessageHandled records one inbound message with its handling duration.
func (m *Metrics) MessageHandled(kind, status string, d time.Duration) {
	if m != nil {
		m.messagesTotal.WithLabelValues(kind, status).Inc()
		m.messageDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// MessageDropped records an inbound message dropped on a full inbox.
func (m *Metrics) MessageDropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

// BroadcastSent records count messages fanned out to connections.
func (m *Metrics) BroadcastSent(count int) {
	if m != nil {
		m.broadcastsTotal.Add(float64(count))
	}
}

// SyncStarted records a full-state sync sequence starting.
func (m *Metrics) SyncStarted() {
	if m != nil {
		m.syncsTotal.Inc()
	}
}

// StorageError records a storage fault for the given operation.
func (m *Metrics) StorageError(op string) {
	if m != nil {
		m.storageErrors.WithLabelValues(op).Inc()
	}
}

// RoomStarted records a room actor starting.
func (m *Metrics) RoomStarted() {
	if m != nil {
		m.roomsActive.Inc()
	}
}

// RoomStopped records a room actor stopping.
func (m *Metrics) RoomStopped() {
	if m != nil {
		m.roomsActive.Dec()
	}
}
