package middleware

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

var (
	mEcho = rpc.Method{InterfaceID: 0x1234, MethodID: 0}
	mFail = rpc.Method{InterfaceID: 0x1234, MethodID: 1}
)

// testServer echoes strings and fails method 1.
type testServer struct{}

func (testServer) Dispatch(ctx context.Context, call *rpc.Call) (*rpc.Results, error) {
	switch call.Method.MethodID {
	case 0:
		var s string
		if err := call.Args(&s); err != nil {
			return nil, err
		}
		return rpc.Return(s), nil
	case 1:
		return nil, rpc.Failed("nope")
	}
	return nil, rpc.ErrUnimplemented
}

func (testServer) Describe(id uint16) rpc.Method {
	names := map[uint16]string{0: "echo", 1: "fail"}
	return rpc.Method{InterfaceName: "Test", MethodName: names[id]}
}

func callThrough(t *testing.T, mws ...rpc.Middleware) *rpc.Client {
	t.Helper()
	c1, c2 := net.Pipe()
	client := rpc.NewConn(c1, nil)
	server := rpc.NewConn(c2, &rpc.Options{Bootstrap: testServer{}, Middleware: mws})
	ctx, cancel := context.WithCancel(context.Background())
	go client.Serve(ctx)
	go server.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		client.Close("test done")
		server.Close("test done")
	})
	return client.Bootstrap()
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMetricsConfig(t *testing.T) {
	config := defaultMetricsConfig()
	if config.Namespace != "gsnet" {
		t.Errorf("Namespace = %q, want %q", config.Namespace, "gsnet")
	}
	if config.Subsystem != "rpc" {
		t.Errorf("Subsystem = %q, want %q", config.Subsystem, "rpc")
	}

	reg := prometheus.NewRegistry()
	for _, opt := range []MetricsOption{
		WithNamespace("game"),
		WithSubsystem("calls"),
		WithConstLabels(prometheus.Labels{"region": "eu"}),
		WithBuckets([]float64{0.1, 1}),
		WithRegistry(reg),
	} {
		opt(&config)
	}
	if config.Namespace != "game" || config.Subsystem != "calls" {
		t.Errorf("names = %s_%s, want game_calls", config.Namespace, config.Subsystem)
	}
	if config.ConstLabels["region"] != "eu" {
		t.Errorf("ConstLabels = %v", config.ConstLabels)
	}
	if len(config.Buckets) != 2 {
		t.Errorf("Buckets = %v", config.Buckets)
	}
	if config.Registry != reg {
		t.Error("Registry not applied")
	}
}

func TestPrometheusRecordsSuccessAndError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg))
	boot := callThrough(t, m.Middleware())
	ctx := testCtx(t)

	var got string
	if err := boot.Call(ctx, mEcho, "hi").Struct(ctx, &got); err != nil {
		t.Fatalf("echo error = %v", err)
	}
	if err := boot.Call(ctx, mFail, nil).Err(ctx); err == nil {
		t.Fatal("fail succeeded")
	}

	if v := testutil.ToFloat64(m.callsTotal.WithLabelValues("Test.echo", "success")); v != 1 {
		t.Errorf("echo success = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.callsTotal.WithLabelValues("Test.fail", "error")); v != 1 {
		t.Errorf("fail error = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.callErrors.WithLabelValues("Test.fail", "failed")); v != 1 {
		t.Errorf("fail errors = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(m.callDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestPrometheusSeparateRegistries(t *testing.T) {
	// Each registry gets its own collectors; no duplicate registration.
	for i := 0; i < 2; i++ {
		reg := prometheus.NewRegistry()
		Prometheus(WithRegistry(reg))
		mfs, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather error = %v", err)
		}
		// Vectors without observations export nothing yet.
		if len(mfs) != 0 {
			t.Errorf("families = %d, want 0", len(mfs))
		}
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "timeout"},
		{rpc.ErrConnectionClosed, "disconnected"},
		{rpc.ErrReleased, "disconnected"},
		{rpc.ErrUnimplemented, "unimplemented"},
		{&rpc.Exception{Type: protocol.ExceptionOverloaded, Reason: "busy"}, "overloaded"},
		{&protocol.CodecError{Err: errors.New("bad")}, "codec"},
		{errors.New("other"), "failed"},
	}
	for _, tt := range tests {
		if got := categorizeError(tt.err); got != tt.want {
			t.Errorf("categorizeError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// recordingProvider captures spans started through it.
type recordingProvider struct {
	noop.TracerProvider
	mu    sync.Mutex
	spans []*recordingSpan
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return &recordingTracer{p: p}
}

func (p *recordingProvider) ended() []*recordingSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*recordingSpan
	for _, s := range p.spans {
		if s.ended {
			out = append(out, s)
		}
	}
	return out
}

type recordingTracer struct {
	noop.Tracer
	p *recordingProvider
}

func (tr *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	s := &recordingSpan{p: tr.p, name: name, kind: cfg.SpanKind(), attrs: cfg.Attributes()}
	tr.p.mu.Lock()
	tr.p.spans = append(tr.p.spans, s)
	tr.p.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type recordingSpan struct {
	noop.Span
	p      *recordingProvider
	name   string
	kind   trace.SpanKind
	attrs  []attribute.KeyValue
	errs   []error
	status codes.Code
	ended  bool
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.p.mu.Lock()
	s.errs = append(s.errs, err)
	s.p.mu.Unlock()
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) {
	s.p.mu.Lock()
	s.status = code
	s.p.mu.Unlock()
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.p.mu.Lock()
	s.ended = true
	s.p.mu.Unlock()
}

func (s *recordingSpan) attr(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOpenTelemetryConfig(t *testing.T) {
	config := defaultOTelConfig()
	if config.TracerName != "gsnet" {
		t.Errorf("TracerName = %q, want %q", config.TracerName, "gsnet")
	}
	WithTracerName("custom")(&config)
	if config.TracerName != "custom" {
		t.Errorf("TracerName = %q, want %q", config.TracerName, "custom")
	}
	WithCallFilter(func(*rpc.Call) bool { return false })(&config)
	if config.Filter == nil {
		t.Error("Filter not applied")
	}
}

func TestOpenTelemetrySpans(t *testing.T) {
	tp := &recordingProvider{}
	var sawSpan bool
	seen := rpc.MiddlewareFunc(func(ctx context.Context, call *rpc.Call, next func(context.Context) (*rpc.Results, error)) (*rpc.Results, error) {
		_, sawSpan = trace.SpanFromContext(ctx).(*recordingSpan)
		return next(ctx)
	})
	boot := callThrough(t,
		OpenTelemetry(
			WithTracerProvider(tp),
			WithAttributeExtractor(func(context.Context, *rpc.Call) []attribute.KeyValue {
				return []attribute.KeyValue{attribute.String("test.attr", "ok")}
			}),
		),
		seen,
	)
	ctx := testCtx(t)

	if err := boot.Call(ctx, mEcho, "x").Err(ctx); err != nil {
		t.Fatalf("echo error = %v", err)
	}
	if err := boot.Call(ctx, mFail, nil).Err(ctx); err == nil {
		t.Fatal("fail succeeded")
	}
	if !sawSpan {
		t.Error("handler context carries no span")
	}

	spans := tp.ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	ok, failed := spans[0], spans[1]
	if ok.name != "rpc Test.echo" {
		t.Errorf("span name = %q, want %q", ok.name, "rpc Test.echo")
	}
	if ok.kind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", ok.kind)
	}
	if ok.status != codes.Ok {
		t.Errorf("echo status = %v, want Ok", ok.status)
	}
	if v, found := ok.attr("test.attr"); !found || v.AsString() != "ok" {
		t.Errorf("test.attr = %v (found %v)", v.AsString(), found)
	}
	if v, found := ok.attr("gsnet.interface_id"); !found || v.AsString() != "0x1234" {
		t.Errorf("gsnet.interface_id = %v", v.AsString())
	}
	if failed.status != codes.Error {
		t.Errorf("fail status = %v, want Error", failed.status)
	}
	if len(failed.errs) != 1 || !strings.Contains(failed.errs[0].Error(), "nope") {
		t.Errorf("recorded errors = %v", failed.errs)
	}
}

func TestOpenTelemetryFilterSkipsTracing(t *testing.T) {
	tp := &recordingProvider{}
	boot := callThrough(t, OpenTelemetry(
		WithTracerProvider(tp),
		WithCallFilter(func(call *rpc.Call) bool { return call.Method.MethodName != "echo" }),
	))
	ctx := testCtx(t)

	if err := boot.Call(ctx, mEcho, "x").Err(ctx); err != nil {
		t.Fatalf("echo error = %v", err)
	}
	if n := len(tp.ended()); n != 0 {
		t.Errorf("spans = %d, want 0", n)
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	boot := callThrough(t, Logging(zap.New(core)))
	ctx := testCtx(t)

	_ = boot.Call(ctx, mEcho, "x").Err(ctx)
	_ = boot.Call(ctx, mFail, nil).Err(ctx)

	if n := logs.FilterMessage("rpc call").Len(); n != 1 {
		t.Errorf("debug entries = %d, want 1", n)
	}
	failed := logs.FilterMessage("rpc call failed").All()
	if len(failed) != 1 {
		t.Fatalf("failure entries = %d, want 1", len(failed))
	}
	if got := failed[0].ContextMap()["method"]; got != "Test.fail" {
		t.Errorf("method = %v, want Test.fail", got)
	}
}

func TestMiddlewareChainOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mark := func(name string) rpc.Middleware {
		return rpc.MiddlewareFunc(func(ctx context.Context, call *rpc.Call, next func(context.Context) (*rpc.Results, error)) (*rpc.Results, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return next(ctx)
		})
	}
	boot := callThrough(t, mark("outer"), Logging(nil), mark("inner"))
	ctx := testCtx(t)
	if err := boot.Call(ctx, mEcho, "x").Err(ctx); err != nil {
		t.Fatalf("echo error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "outer,inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}
