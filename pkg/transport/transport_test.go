package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// exerciseStreams opens a stream from the client and echoes on the server.
func exerciseStreams(t *testing.T, client, server Session) {
	t.Helper()
	ctx := testContext(t)

	cs, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := cs.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ss, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream() error = %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(ss, buf); err != nil {
		t.Fatalf("server ReadFull() error = %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("server read %q, want %q", buf, "hello")
	}
	if _, err := ss.Write([]byte("world")); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	if _, err := io.ReadFull(cs, buf); err != nil {
		t.Fatalf("client ReadFull() error = %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("client read %q, want %q", buf, "world")
	}
	cs.Close()
	ss.Close()
}

// exerciseDatagrams sends datagrams until one arrives; the transport may drop some.
func exerciseDatagrams(t *testing.T, from, to Session) {
	t.Helper()
	ctx := testContext(t)
	payload := []byte("position-update")

	got := make(chan []byte, 1)
	go func() {
		b, err := to.ReceiveDatagram(ctx)
		if err == nil {
			got <- b
		}
	}()

	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := from.SendDatagram(payload); err != nil {
			t.Fatalf("SendDatagram() error = %v", err)
		}
		select {
		case b := <-got:
			if !bytes.Equal(b, payload) {
				t.Errorf("ReceiveDatagram() = %q, want %q", b, payload)
			}
			return
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("no datagram received")
		}
	}
}

func exerciseClose(t *testing.T, client, server Session) {
	t.Helper()
	if err := client.Close("test done"); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server session not done after client Close")
	}
	if _, err := server.AcceptStream(testContext(t)); err == nil {
		t.Error("AcceptStream() on closed session succeeded")
	}
}

func TestPipe(t *testing.T) {
	client, server, err := Pipe(nil)
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	if !client.Peer().Local || client.Peer() != server.Peer() {
		t.Errorf("Peer() = %v / %v, want matching local addresses", client.Peer(), server.Peer())
	}
	if !strings.HasPrefix(client.Peer().String(), "local:") {
		t.Errorf("Peer().String() = %q", client.Peer().String())
	}

	exerciseStreams(t, client, server)
	exerciseDatagrams(t, client, server)
	exerciseDatagrams(t, server, client)
	exerciseClose(t, client, server)
}

func TestPipeManyStreams(t *testing.T) {
	client, server, err := Pipe(nil)
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	defer client.Close("")
	ctx := testContext(t)

	const n = 16
	for i := 0; i < n; i++ {
		st, err := client.OpenStream(ctx)
		if err != nil {
			t.Fatalf("OpenStream(%d) error = %v", i, err)
		}
		st.Write([]byte{byte(i)})
	}
	ids := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		st, err := server.AcceptStream(ctx)
		if err != nil {
			t.Fatalf("AcceptStream(%d) error = %v", i, err)
		}
		var b [1]byte
		if _, err := io.ReadFull(st, b[:]); err != nil {
			t.Fatalf("ReadFull() error = %v", err)
		}
		if int(b[0]) != i {
			t.Errorf("stream %d carried %d", i, b[0])
		}
		ids[st.ID()] = true
	}
	if len(ids) != n {
		t.Errorf("%d distinct stream ids, want %d", len(ids), n)
	}
}

func TestMuxDatagramTooLarge(t *testing.T) {
	client, _, err := Pipe(nil)
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	defer client.Close("")
	if err := client.SendDatagram(make([]byte, maxLaneDatagram+1)); !errors.Is(err, ErrDatagramTooLarge) {
		t.Errorf("SendDatagram() error = %v, want ErrDatagramTooLarge", err)
	}
}

func TestAcceptStreamHonoursContext(t *testing.T) {
	client, server, err := Pipe(nil)
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	defer client.Close("")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := server.AcceptStream(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AcceptStream() error = %v, want DeadlineExceeded", err)
	}
}

func TestTCPMux(t *testing.T) {
	ln, err := ListenMux("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("ListenMux() error = %v", err)
	}
	defer ln.Close()
	ctx := testContext(t)

	accepted := make(chan Session, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	client, err := Dial(ctx, "tcp://"+ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	var server Session
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no session accepted")
	}

	exerciseStreams(t, client, server)
	exerciseDatagrams(t, server, client)
	exerciseClose(t, client, server)

	ln.Close()
	if _, err := ln.Accept(ctx); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept() after Close error = %v, want ErrListenerClosed", err)
	}
}

func TestWebSocket(t *testing.T) {
	wsl := NewWebSocketListener(nil, nil)
	defer wsl.Close()
	srv := httptest.NewServer(wsl)
	defer srv.Close()
	ctx := testContext(t)

	accepted := make(chan Session, 1)
	go func() {
		s, err := wsl.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	client, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	var server Session
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no session accepted")
	}

	exerciseStreams(t, client, server)
	exerciseDatagrams(t, client, server)
	exerciseClose(t, client, server)
}

func TestQUIC(t *testing.T) {
	tlsConf, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig() error = %v", err)
	}
	ln, err := ListenQUIC("127.0.0.1:0", tlsConf, nil)
	if err != nil {
		t.Fatalf("ListenQUIC() error = %v", err)
	}
	defer ln.Close()
	ctx := testContext(t)

	accepted := make(chan Session, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()

	client, err := Dial(ctx, ln.Addr().String(), &DialOptions{TLS: ClientTLSConfig(true)})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	var server Session
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no session accepted")
	}

	exerciseStreams(t, client, server)
	exerciseDatagrams(t, client, server)
	exerciseClose(t, client, server)
}

func TestDialUnsupportedScheme(t *testing.T) {
	_, err := Dial(context.Background(), "gopher://example.com", nil)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("Dial() error = %v, want ErrUnsupportedScheme", err)
	}
}

func TestPeerAddressString(t *testing.T) {
	tests := []struct {
		addr PeerAddress
		want string
	}{
		{PeerAddress{Local: true, LocalID: 7}, "local:7"},
		{PeerAddress{}, "unknown"},
	}
	for _, tc := range tests {
		if got := tc.addr.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
