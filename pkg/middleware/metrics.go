package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "gsnet").
	Namespace string

	// Subsystem is the metrics subsystem (default: "rpc").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "gsnet",
		Subsystem: "rpc",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors behind the Prometheus middleware. Create one
// per registry and share it across connections.
type Metrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec
}

// NewMetrics registers the RPC collectors.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Total number of inbound RPC calls",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Inbound RPC handler duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),

		callErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_errors_total",
			Help:        "Total number of failed inbound RPC calls",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "error_type"}),
	}
}

// Middleware returns an rpc.Middleware recording into m.
func (m *Metrics) Middleware() rpc.Middleware {
	return rpc.MiddlewareFunc(func(ctx context.Context, call *rpc.Call, next func(context.Context) (*rpc.Results, error)) (*rpc.Results, error) {
		method := call.Method.String()
		start := time.Now()

		res, err := next(ctx)

		m.callDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		status := "success"
		if err != nil {
			status = "error"
			m.callErrors.WithLabelValues(method, categorizeError(err)).Inc()
		}
		m.callsTotal.WithLabelValues(method, status).Inc()
		return res, err
	})
}

// Prometheus creates metrics on the configured registry and returns their
// middleware. Use NewMetrics directly to share collectors across
// connections.
func Prometheus(opts ...MetricsOption) rpc.Middleware {
	return NewMetrics(opts...).Middleware()
}

// categorizeError returns a low-cardinality label for err.
func categorizeError(err error) string {
	var exc *rpc.Exception
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, rpc.ErrConnectionClosed), errors.Is(err, rpc.ErrReleased):
		return "disconnected"
	case errors.Is(err, rpc.ErrUnimplemented):
		return "unimplemented"
	case errors.As(err, &exc) && exc.Type == protocol.ExceptionOverloaded:
		return "overloaded"
	case protocol.IsCodecError(err):
		return "codec"
	default:
		return "failed"
	}
}
