// Package middleware provides rpc.Middleware for observability of inbound
// capability calls.
//
// This package includes:
//   - OpenTelemetry tracing: one server span per inbound call
//   - Prometheus metrics: call counts, durations and error categories
//   - Structured logging of calls with zap
//
// # OpenTelemetry Middleware
//
// The tracer comes from the global OpenTelemetry provider. Configure it in
// main() before starting the server:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	conn := rpc.NewConn(stream, &rpc.Options{
//	    Middleware: []rpc.Middleware{
//	        middleware.OpenTelemetry(middleware.WithTracerName("gsnet")),
//	    },
//	})
//
// Handlers reach the span through the standard context:
//
//	span := trace.SpanFromContext(ctx)
//	span.SetAttributes(attribute.Int("chunks.sent", n))
//
// # Prometheus Metrics
//
//   - gsnet_rpc_calls_total: calls by method and status
//   - gsnet_rpc_call_duration_seconds: handler duration by method
//   - gsnet_rpc_call_errors_total: failures by method and category
//
// Expose them with promhttp, as the admin server does at /metrics.
package middleware
