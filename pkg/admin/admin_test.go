package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/geosia-dev/gsnet/pkg/client"
	"github.com/geosia-dev/gsnet/pkg/server"
)

func newTestAdmin(t *testing.T) (*server.Server, *Admin) {
	t.Helper()
	srv, err := server.New(&server.Config{Title: "Admin Test", PlayerLimit: 8})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	a, err := New(srv, &Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return srv, a
}

func loginLocal(t *testing.T, ctx context.Context, srv *server.Server, username string) *client.Client {
	t.Helper()
	session, err := srv.ConnectLocal(ctx)
	if err != nil {
		t.Fatalf("ConnectLocal() error = %v", err)
	}
	c, err := client.New(ctx, session, nil)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if _, err := c.Login(ctx, username); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return c
}

func do(t *testing.T, a *Admin, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestReadEndpoints(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, a := newTestAdmin(t)
	loginLocal(t, ctx, srv, "alice")

	rec := do(t, a, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", rec.Code)
	}
	if diff := deep.Equal(decode[Health](t, rec), Health{Status: "ok", Players: 1}); diff != nil {
		t.Errorf("health diff: %v", diff)
	}

	rec = do(t, a, http.MethodGet, "/metadata", "")
	want := Metadata{
		Version:     server.Version.String(),
		Title:       "Admin Test",
		PlayerCount: 1,
		PlayerLimit: 8,
	}
	if diff := deep.Equal(decode[Metadata](t, rec), want); diff != nil {
		t.Errorf("metadata diff: %v", diff)
	}

	rec = do(t, a, http.MethodGet, "/players", "")
	players := decode[[]server.PlayerInfo](t, rec)
	if len(players) != 1 || players[0].Username != "alice" {
		t.Errorf("GET /players = %+v, want [alice]", players)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/players/ALICE", http.StatusOK},
		{"/players/bob", http.StatusNotFound},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := do(t, a, http.MethodGet, tt.path, ""); rec.Code != tt.want {
				t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, a := newTestAdmin(t)
	loginLocal(t, ctx, srv, "alice")

	rec := do(t, a, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{
		"gsnet_server_players 1",
		`gsnet_server_auth_results_total{result="ok"} 1`,
		"gsnet_server_connections_total 1",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics missing %q", metric)
		}
	}
}

func TestModeration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, a := newTestAdmin(t)
	bob := loginLocal(t, ctx, srv, "bob")

	if rec := do(t, a, http.MethodPost, "/players/bob/kick", `{"message":"afk"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("kick status = %d, want 204 (%s)", rec.Code, rec.Body)
	}
	select {
	case <-bob.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bob still connected after kick")
	}
	if got, _ := bob.Termination(); got.Message != "afk" {
		t.Errorf("termination message = %q, want afk", got.Message)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"kick offline", "/players/bob/kick", "", http.StatusNotFound},
		{"kick bad body", "/players/bob/kick", "{", http.StatusBadRequest},
		{"ban", "/bans", `{"username":"carol","reason":"spam","duration":"1h"}`, http.StatusNoContent},
		{"ban bad duration", "/bans", `{"username":"carol","duration":"soon"}`, http.StatusBadRequest},
		{"ban bad username", "/bans", `{"username":"c"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, a, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("POST %s status = %d, want %d (%s)", tt.path, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestWebSocketTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, a := newTestAdmin(t)

	go a.Serve()
	go srv.Serve(ctx, a.WebSocket())

	c, err := client.Dial(ctx, "ws://"+a.Addr().String()+"/connect", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Login(ctx, "websocket_user"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got, err := c.Ping(ctx, 42); err != nil || got != 42 {
		t.Errorf("Ping(42) = %d, %v, want 42, nil", got, err)
	}
	if _, ok := srv.Player("websocket_user"); !ok {
		t.Error("websocket_user not online")
	}
}
