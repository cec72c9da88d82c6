package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// Default tracer name for gsnet.
const defaultTracerName = "gsnet"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "gsnet").
	TracerName string

	// TracerProvider overrides the global provider.
	TracerProvider trace.TracerProvider

	// Filter determines which calls to trace.
	// Return true to trace the call, false to skip.
	// If nil, all calls are traced.
	Filter func(call *rpc.Call) bool

	// AttributeExtractor extracts custom attributes from the call.
	AttributeExtractor func(ctx context.Context, call *rpc.Call) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithCallFilter sets a filter function for calls.
func WithCallFilter(filter func(call *rpc.Call) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ctx context.Context, call *rpc.Call) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{
		TracerName: defaultTracerName,
	}
}

// OpenTelemetry creates middleware that traces every inbound call.
//
// Each span is named "rpc Interface.method", is of kind server, and carries
// the interface and method ids. A failed call records the error and sets
// the span status. The span is in the handler's context, so outbound calls
// and database queries made by the handler become its children.
func OpenTelemetry(opts ...OTelOption) rpc.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}

	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return rpc.MiddlewareFunc(func(ctx context.Context, call *rpc.Call, next func(context.Context) (*rpc.Results, error)) (*rpc.Results, error) {
		if config.Filter != nil && !config.Filter(call) {
			return next(ctx)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "gsnet"),
			attribute.String("rpc.method", call.Method.String()),
			attribute.String("gsnet.interface_id", fmt.Sprintf("%#x", call.Method.InterfaceID)),
			attribute.Int("gsnet.method_id", int(call.Method.MethodID)),
			attribute.Int("gsnet.cap_count", call.NumCaps()),
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(ctx, call)...)
		}

		spanCtx, span := tracer.Start(ctx, "rpc "+call.Method.String(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		res, err := next(spanCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return res, err
	})
}
