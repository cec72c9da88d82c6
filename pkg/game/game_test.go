package game

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/rpc"
)

type fakeGame struct {
	mu      sync.Mutex
	clients []AuthenticatedClientConnection
	bundle  protocol.RegistryIDMappingBundle
}

func (g *fakeGame) GetServerMetadata(context.Context) (*protocol.ServerMetadata, error) {
	return &protocol.ServerMetadata{
		ServerVersion: protocol.ServerVersion{Major: 1, Minor: 2, Patch: 3},
		Title:         "Test",
		PlayerCount:   1,
		PlayerLimit:   4,
	}, nil
}

func (g *fakeGame) Ping(_ context.Context, input int32) (int32, error) {
	return input, nil
}

func (g *fakeGame) Authenticate(_ context.Context, username string, client AuthenticatedClientConnection) (AuthenticatedServerConnection, error) {
	if username == "bad name" {
		return nil, protocol.NewAuthenticationError(protocol.AuthInvalidUsername, "bad username %q", username)
	}
	g.mu.Lock()
	g.clients = append(g.clients, client)
	g.mu.Unlock()
	return &fakeConn{game: g, client: client}, nil
}

type fakeConn struct {
	game   *fakeGame
	client AuthenticatedClientConnection
}

func (c *fakeConn) BootstrapGameData(context.Context) (*protocol.GameBootstrapData, error) {
	return &protocol.GameBootstrapData{UniverseID: protocol.UniverseID, BlockRegistry: c.game.bundle}, nil
}

func (c *fakeConn) SendChatMessage(ctx context.Context, text string) error {
	return c.client.AddChatMessage(ctx, 7, "echo: "+text)
}

type recordingHandler struct {
	mu          sync.Mutex
	chat        []string
	termination *protocol.ConnectionTermination
	got         chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{got: make(chan struct{}, 16)}
}

func (h *recordingHandler) TerminateConnection(_ context.Context, reason protocol.ConnectionTermination) error {
	h.mu.Lock()
	h.termination = &reason
	h.mu.Unlock()
	h.got <- struct{}{}
	return nil
}

func (h *recordingHandler) AddChatMessage(_ context.Context, tick uint64, text string) error {
	h.mu.Lock()
	h.chat = append(h.chat, text)
	h.mu.Unlock()
	h.got <- struct{}{}
	return nil
}

func pair(t *testing.T, g GameServer) GameServerClient {
	t.Helper()
	c1, c2 := net.Pipe()
	client := rpc.NewConn(c1, nil)
	server := rpc.NewConn(c2, &rpc.Options{Bootstrap: NewGameServerServer(g)})
	ctx, cancel := context.WithCancel(context.Background())
	go client.Serve(ctx)
	go server.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		client.Close("test done")
		server.Close("test done")
	})
	return NewGameServerClient(client.Bootstrap())
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testBundle() protocol.RegistryIDMappingBundle {
	return protocol.RegistryIDMappingBundle{
		Namespaces: []string{"gs", "gs"},
		Keys:       []string{"air", "stone"},
		IDs:        []uint32{1, 2},
	}
}

func TestGetServerMetadata(t *testing.T) {
	boot := pair(t, &fakeGame{})
	ctx := testCtx(t)

	md, err := boot.GetServerMetadata(ctx)
	if err != nil {
		t.Fatalf("GetServerMetadata error = %v", err)
	}
	want, _ := (&fakeGame{}).GetServerMetadata(ctx)
	if diff := deep.Equal(md, want); diff != nil {
		t.Error(diff)
	}
}

func TestPing(t *testing.T) {
	boot := pair(t, &fakeGame{})
	ctx := testCtx(t)

	for _, v := range []int32{0, 1, -1, 42, math.MinInt32, math.MaxInt32} {
		got, err := boot.Ping(ctx, v)
		if err != nil {
			t.Fatalf("Ping(%d) error = %v", v, err)
		}
		if got != v {
			t.Errorf("Ping(%d) = %d, want %d", v, got, v)
		}
	}
}

func TestAuthenticatePipelinedBootstrap(t *testing.T) {
	g := &fakeGame{bundle: testBundle()}
	boot := pair(t, g)
	ctx := testCtx(t)

	auth := boot.Authenticate(ctx, "alice", newRecordingHandler())
	// Issued before the authenticate answer is awaited.
	data, err := auth.Connection().BootstrapGameData(ctx)
	if err != nil {
		t.Fatalf("BootstrapGameData error = %v", err)
	}
	if data.UniverseID != protocol.UniverseID {
		t.Errorf("UniverseID = %v, want %v", data.UniverseID, protocol.UniverseID)
	}
	if diff := deep.Equal(data.BlockRegistry, testBundle()); diff != nil {
		t.Error(diff)
	}

	conn, err := auth.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait error = %v", err)
	}
	if !conn.IsValid() {
		t.Error("connection stub is empty")
	}
}

func TestAuthenticateRejected(t *testing.T) {
	boot := pair(t, &fakeGame{})
	ctx := testCtx(t)

	auth := boot.Authenticate(ctx, "bad name", newRecordingHandler())
	_, err := auth.Wait(ctx)
	kind, ok := protocol.AuthErrorKindOf(err)
	if !ok {
		t.Fatalf("Wait error = %v, want AuthenticationError", err)
	}
	if kind != protocol.AuthInvalidUsername {
		t.Errorf("kind = %v, want %v", kind, protocol.AuthInvalidUsername)
	}

	// The pipelined connection has nothing to resolve to.
	_, err = auth.Connection().BootstrapGameData(ctx)
	if !errors.Is(err, rpc.ErrNoCapability) {
		t.Errorf("BootstrapGameData error = %v, want %v", err, rpc.ErrNoCapability)
	}

	// The connection stays usable for a retry.
	if _, err := boot.Authenticate(ctx, "alice", newRecordingHandler()).Wait(ctx); err != nil {
		t.Errorf("retry error = %v", err)
	}
}

func TestMalformedBundleRejected(t *testing.T) {
	g := &fakeGame{bundle: protocol.RegistryIDMappingBundle{
		Namespaces: []string{"gs", "gs"},
		Keys:       []string{"air"},
		IDs:        []uint32{1, 2},
	}}
	boot := pair(t, g)
	ctx := testCtx(t)

	_, err := boot.Authenticate(ctx, "alice", newRecordingHandler()).Connection().BootstrapGameData(ctx)
	if !errors.Is(err, protocol.ErrMismatchedArrayLengths) {
		t.Errorf("BootstrapGameData error = %v, want %v", err, protocol.ErrMismatchedArrayLengths)
	}
}

func TestChatRoundTrip(t *testing.T) {
	g := &fakeGame{bundle: testBundle()}
	boot := pair(t, g)
	ctx := testCtx(t)
	h := newRecordingHandler()

	conn, err := boot.Authenticate(ctx, "alice", h).Wait(ctx)
	if err != nil {
		t.Fatalf("Wait error = %v", err)
	}
	if err := conn.SendChatMessage(ctx, "hi"); err != nil {
		t.Fatalf("SendChatMessage error = %v", err)
	}
	select {
	case <-h.got:
	case <-ctx.Done():
		t.Fatal("chat message never delivered")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if diff := deep.Equal(h.chat, []string{"echo: hi"}); diff != nil {
		t.Error(diff)
	}
}

func TestTerminateConnection(t *testing.T) {
	g := &fakeGame{bundle: testBundle()}
	boot := pair(t, g)
	ctx := testCtx(t)
	h := newRecordingHandler()

	if _, err := boot.Authenticate(ctx, "alice", h).Wait(ctx); err != nil {
		t.Fatalf("Wait error = %v", err)
	}
	g.mu.Lock()
	client := g.clients[0]
	g.mu.Unlock()

	reason := protocol.ConnectionTermination{Kind: protocol.TerminationKick, Message: "bye"}
	if err := client.TerminateConnection(ctx, reason); err != nil {
		t.Fatalf("TerminateConnection error = %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if diff := deep.Equal(h.termination, &reason); diff != nil {
		t.Error(diff)
	}
}

func TestWrongInterfaceUnimplemented(t *testing.T) {
	boot := pair(t, &fakeGame{})
	ctx := testCtx(t)

	err := boot.Client().Call(ctx, MethodSendChatMessage, sendChatMessageParams{Text: "x"}).Err(ctx)
	if !errors.Is(err, rpc.ErrUnimplemented) {
		t.Errorf("error = %v, want %v", err, rpc.ErrUnimplemented)
	}
}

func TestDescribe(t *testing.T) {
	d := NewGameServerServer(&fakeGame{}).(rpc.Describer)
	if got := d.Describe(MethodPing.MethodID).String(); got != "GameServer.ping" {
		t.Errorf("Describe(ping) = %q, want %q", got, "GameServer.ping")
	}
	if got := d.Describe(99).MethodName; got != "" {
		t.Errorf("Describe(99).MethodName = %q, want empty", got)
	}
}
