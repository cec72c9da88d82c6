package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

var (
	mEcho     = Method{InterfaceID: 0x10, MethodID: 0, InterfaceName: "Test", MethodName: "echo"}
	mMake     = Method{InterfaceID: 0x10, MethodID: 1, InterfaceName: "Test", MethodName: "make"}
	mFail     = Method{InterfaceID: 0x10, MethodID: 2, InterfaceName: "Test", MethodName: "fail"}
	mBlock    = Method{InterfaceID: 0x10, MethodID: 3, InterfaceName: "Test", MethodName: "block"}
	mPanic    = Method{InterfaceID: 0x10, MethodID: 4, InterfaceName: "Test", MethodName: "panic"}
	mCallback = Method{InterfaceID: 0x10, MethodID: 5, InterfaceName: "Test", MethodName: "callback"}
	mAdd      = Method{InterfaceID: 0x20, MethodID: 0, InterfaceName: "Counter", MethodName: "add"}
)

// counter records the order of add calls.
type counter struct {
	mu    sync.Mutex
	seen  []int
	total int

	shutOnce sync.Once
	shut     chan struct{}
}

func newCounter() *counter { return &counter{shut: make(chan struct{})} }

func (c *counter) Dispatch(ctx context.Context, call *Call) (*Results, error) {
	if call.Method.MethodID != mAdd.MethodID {
		return nil, ErrUnimplemented
	}
	var n int
	if err := call.Args(&n); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
	c.total += n
	return Return(c.total), nil
}

func (c *counter) Shutdown() { c.shutOnce.Do(func() { close(c.shut) }) }

func (c *counter) order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.seen...)
}

type testBoot struct {
	gate     chan struct{} // make waits on it
	made     *counter
	blocked  chan struct{}
	canceled chan struct{}
}

func newTestBoot() *testBoot {
	return &testBoot{
		gate:     make(chan struct{}),
		made:     newCounter(),
		blocked:  make(chan struct{}, 1),
		canceled: make(chan struct{}, 1),
	}
}

func (b *testBoot) Describe(id uint16) Method {
	for _, m := range []Method{mEcho, mMake, mFail, mBlock, mPanic, mCallback} {
		if m.MethodID == id {
			return m
		}
	}
	return Method{}
}

func (b *testBoot) Dispatch(ctx context.Context, call *Call) (*Results, error) {
	switch call.Method.MethodID {
	case mEcho.MethodID:
		var s string
		if err := call.Args(&s); err != nil {
			return nil, err
		}
		return Return(s), nil
	case mMake.MethodID:
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Return(nil, b.made), nil
	case mFail.MethodID:
		return nil, Failed("no luck")
	case mBlock.MethodID:
		b.blocked <- struct{}{}
		<-ctx.Done()
		b.canceled <- struct{}{}
		return nil, ctx.Err()
	case mPanic.MethodID:
		panic("boom")
	case mCallback.MethodID:
		cb, err := call.Cap(0)
		if err != nil {
			return nil, err
		}
		var total int
		if err := cb.Call(ctx, mAdd, 5).Struct(ctx, &total); err != nil {
			return nil, err
		}
		return Return(total), nil
	}
	return nil, ErrUnimplemented
}

// connPair returns a client conn and a server conn exporting boot.
func connPair(t *testing.T, boot Server) (client, server *Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	client = NewConn(c1, nil)
	server = NewConn(c2, &Options{Bootstrap: boot})
	ctx, cancel := context.WithCancel(context.Background())
	go client.Serve(ctx)
	go server.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		client.Close("test done")
		server.Close("test done")
	})
	return client, server
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBootstrapCall(t *testing.T) {
	client, _ := connPair(t, newTestBoot())
	ctx := testCtx(t)

	var got string
	if err := client.Bootstrap().Call(ctx, mEcho, "hello").Struct(ctx, &got); err != nil {
		t.Fatalf("echo error = %v", err)
	}
	if got != "hello" {
		t.Errorf("echo = %q, want %q", got, "hello")
	}
}

func TestUnimplementedBootstrap(t *testing.T) {
	client, _ := connPair(t, nil)
	ctx := testCtx(t)

	err := client.Bootstrap().Call(ctx, mEcho, "x").Err(ctx)
	if !errors.Is(err, ErrUnimplemented) {
		t.Errorf("call error = %v, want ErrUnimplemented", err)
	}
}

func TestRemoteException(t *testing.T) {
	client, _ := connPair(t, newTestBoot())
	ctx := testCtx(t)

	err := client.Bootstrap().Call(ctx, mFail, nil).Err(ctx)
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatalf("call error = %v, want *Exception", err)
	}
	if exc.Type != protocol.ExceptionFailed || exc.Reason != "no luck" {
		t.Errorf("exception = %+v", exc)
	}
}

func TestPipelinedCallsRunInFormationOrder(t *testing.T) {
	boot := newTestBoot()
	client, _ := connPair(t, boot)
	ctx := testCtx(t)

	made := client.Bootstrap().Call(ctx, mMake, nil)
	obj := made.Cap(0)

	answers := make([]*Answer, 0, 5)
	for i := 1; i <= 5; i++ {
		answers = append(answers, obj.Call(ctx, mAdd, i))
	}
	select {
	case <-made.Done():
		t.Fatal("make resolved before the gate opened")
	default:
	}
	close(boot.gate)

	want := []int{1, 3, 6, 10, 15}
	for i, a := range answers {
		var total int
		if err := a.Struct(ctx, &total); err != nil {
			t.Fatalf("add %d error = %v", i+1, err)
		}
		if total != want[i] {
			t.Errorf("add %d total = %d, want %d", i+1, total, want[i])
		}
	}
	if diff := deep.Equal(boot.made.order(), []int{1, 2, 3, 4, 5}); diff != nil {
		t.Errorf("call order mismatch: %v", diff)
	}

	// After resolution the same client is addressed by handle.
	var total int
	if err := obj.Call(ctx, mAdd, 100).Struct(ctx, &total); err != nil || total != 115 {
		t.Errorf("post-resolution add = %d, %v, want 115", total, err)
	}
}

func TestPipelineOnFailedAnswer(t *testing.T) {
	client, _ := connPair(t, newTestBoot())
	ctx := testCtx(t)

	failed := client.Bootstrap().Call(ctx, mFail, nil)
	err := failed.Cap(0).Call(ctx, mAdd, 1).Err(ctx)
	var exc *Exception
	if !errors.As(err, &exc) || exc.Reason != "no luck" {
		t.Errorf("pipelined call error = %v, want the answer's exception", err)
	}
}

func TestPipelineMissingCapability(t *testing.T) {
	client, _ := connPair(t, newTestBoot())
	ctx := testCtx(t)

	echo := client.Bootstrap().Call(ctx, mEcho, "no caps")
	err := echo.Cap(2).Call(ctx, mAdd, 1).Err(ctx)
	if err == nil || !strings.Contains(err.Error(), "no capability") {
		t.Errorf("call on missing cap error = %v", err)
	}
}

func TestCancelSendsFinish(t *testing.T) {
	boot := newTestBoot()
	client, _ := connPair(t, boot)
	ctx := testCtx(t)

	callCtx, cancel := context.WithCancel(ctx)
	ans := client.Bootstrap().Call(callCtx, mBlock, nil)
	select {
	case <-boot.blocked:
	case <-ctx.Done():
		t.Fatal("handler never started")
	}
	cancel()

	if err := ans.Err(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("answer error = %v, want context.Canceled", err)
	}
	select {
	case <-boot.canceled:
	case <-ctx.Done():
		t.Fatal("handler context was not canceled")
	}

	// The connection is still usable.
	var got string
	if err := client.Bootstrap().Call(ctx, mEcho, "still here").Struct(ctx, &got); err != nil || got != "still here" {
		t.Errorf("echo after cancel = %q, %v", got, err)
	}
}

func TestCloseFailsOutstandingQuestions(t *testing.T) {
	boot := newTestBoot()
	client, server := connPair(t, boot)
	ctx := testCtx(t)

	pending := client.Bootstrap().Call(ctx, mBlock, nil)
	<-boot.blocked
	made := client.Bootstrap().Call(ctx, mMake, nil)

	client.Close("bye")

	for name, a := range map[string]*Answer{"block": pending, "make": made} {
		if err := a.Err(ctx); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("%s error = %v, want ErrConnectionClosed", name, err)
		}
	}
	if err := made.Cap(0).Call(ctx, mAdd, 1).Err(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("pipelined call after close error = %v, want ErrConnectionClosed", err)
	}
	if err := client.Bootstrap().Call(ctx, mEcho, "x").Err(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("call after close error = %v, want ErrConnectionClosed", err)
	}

	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server conn did not close")
	}
	select {
	case <-boot.canceled:
	case <-ctx.Done():
		t.Fatal("server handler was not canceled by close")
	}
	if got := server.CloseReason(); got == "" {
		t.Error("server CloseReason() is empty")
	}
}

func TestReleaseInvalidatesCapability(t *testing.T) {
	boot := newTestBoot()
	close(boot.gate)
	client, _ := connPair(t, boot)
	ctx := testCtx(t)

	made := client.Bootstrap().Call(ctx, mMake, nil)
	if err := made.Err(ctx); err != nil {
		t.Fatalf("make error = %v", err)
	}
	obj := made.Cap(0)
	other := made.Cap(0)
	if err := obj.Call(ctx, mAdd, 1).Err(ctx); err != nil {
		t.Fatalf("add error = %v", err)
	}

	obj.Release()
	select {
	case <-boot.made.shut:
	case <-ctx.Done():
		t.Fatal("released capability was not shut down")
	}
	if err := obj.Call(ctx, mAdd, 1).Err(ctx); !errors.Is(err, ErrReleased) {
		t.Errorf("call on released client error = %v, want ErrReleased", err)
	}
	if err := other.Call(ctx, mAdd, 1).Err(ctx); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("call through stale handle error = %v, want disconnected", err)
	}
}

func TestCapabilityInParams(t *testing.T) {
	client, _ := connPair(t, newTestBoot())
	ctx := testCtx(t)

	cb := newCounter()
	var total int
	if err := client.Bootstrap().Call(ctx, mCallback, nil, cb).Struct(ctx, &total); err != nil {
		t.Fatalf("callback error = %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if diff := deep.Equal(cb.order(), []int{5}); diff != nil {
		t.Errorf("callback calls mismatch: %v", diff)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	client, _ := connPair(t, newTestBoot())
	ctx := testCtx(t)

	err := client.Bootstrap().Call(ctx, mPanic, nil).Err(ctx)
	var exc *Exception
	if !errors.As(err, &exc) || exc.Type != protocol.ExceptionFailed {
		t.Errorf("panic call error = %v, want failed exception", err)
	}
	if err := client.Bootstrap().Call(ctx, mEcho, "ok").Err(ctx); err != nil {
		t.Errorf("echo after panic error = %v", err)
	}
}

func TestMiddlewareSeesNamedMethod(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	mw := MiddlewareFunc(func(ctx context.Context, call *Call, next func(context.Context) (*Results, error)) (*Results, error) {
		mu.Lock()
		seen = append(seen, call.Method.String())
		mu.Unlock()
		return next(ctx)
	})

	c1, c2 := net.Pipe()
	client := NewConn(c1, nil)
	server := NewConn(c2, &Options{Bootstrap: newTestBoot(), Middleware: []Middleware{mw}})
	go client.Serve(context.Background())
	go server.Serve(context.Background())
	defer client.Close("")
	ctx := testCtx(t)

	if err := client.Bootstrap().Call(ctx, mEcho, "x").Err(ctx); err != nil {
		t.Fatalf("echo error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "Test.echo" {
		t.Errorf("middleware saw %v, want [Test.echo]", seen)
	}
}

func TestServeRejectsMalformedMessage(t *testing.T) {
	c1, c2 := net.Pipe()
	server := NewConn(c2, nil)
	errc := make(chan error, 1)
	go func() { errc <- server.Serve(context.Background()) }()

	go func() {
		w := protocol.NewWriter(c1, nil)
		w.WriteMessage(&protocol.RPCMessage{}) // no body
		// Drain whatever the server writes back so it is not blocked.
		buf := make([]byte, 512)
		for {
			if _, err := c1.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("Serve() error = %v, want ErrProtocol", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	<-server.Done()
}

func TestHandleTable(t *testing.T) {
	var tbl HandleTable[string]

	a, err := tbl.Add("a")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if a != protocol.BootstrapHandle {
		t.Errorf("first handle = %v, want %v", a, protocol.BootstrapHandle)
	}
	b, _ := tbl.Add("b")

	if v, err := tbl.Remove(a); err != nil || v != "a" {
		t.Fatalf("Remove() = %q, %v", v, err)
	}
	if _, err := tbl.Get(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(removed) error = %v, want ErrStaleHandle", err)
	}

	c, _ := tbl.Add("c")
	if c.Index != a.Index || c.Generation != a.Generation+1 {
		t.Errorf("reused handle = %v, want slot %d generation %d", c, a.Index, a.Generation+1)
	}
	if _, err := tbl.Get(a); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(stale) error = %v, want ErrStaleHandle", err)
	}
	if v, err := tbl.Get(c); err != nil || v != "c" {
		t.Errorf("Get(c) = %q, %v", v, err)
	}
	if _, err := tbl.Get(Handle{Index: 99, Generation: 1}); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Get(out of range) error = %v, want ErrStaleHandle", err)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tbl.Len())
	}

	live := tbl.Close()
	if len(live) != 2 {
		t.Errorf("Close() returned %d values, want 2", len(live))
	}
	if _, err := tbl.Get(b); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Get() after Close error = %v, want ErrConnectionClosed", err)
	}
	if _, err := tbl.Add("d"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Add() after Close error = %v, want ErrConnectionClosed", err)
	}
}

func TestExceptionMatchesSentinels(t *testing.T) {
	tests := []struct {
		err    error
		target error
		want   bool
	}{
		{&Exception{Type: protocol.ExceptionDisconnected}, ErrConnectionClosed, true},
		{&Exception{Type: protocol.ExceptionUnimplemented}, ErrUnimplemented, true},
		{&Exception{Type: protocol.ExceptionFailed}, ErrConnectionClosed, false},
	}
	for _, tc := range tests {
		if got := errors.Is(tc.err, tc.target); got != tc.want {
			t.Errorf("errors.Is(%v, %v) = %v, want %v", tc.err, tc.target, got, tc.want)
		}
	}

	if exc := toException(ErrStaleHandle); exc.Type != protocol.ExceptionDisconnected {
		t.Errorf("toException(ErrStaleHandle).Type = %v, want disconnected", exc.Type)
	}
}
