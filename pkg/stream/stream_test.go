package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

type recordingObserver struct {
	mu       sync.Mutex
	accepted []string
	rejected []string
}

func (o *recordingObserver) StreamAccepted(kind string) {
	o.mu.Lock()
	o.accepted = append(o.accepted, kind)
	o.mu.Unlock()
}

func (o *recordingObserver) StreamRejected(reason string) {
	o.mu.Lock()
	o.rejected = append(o.rejected, reason)
	o.mu.Unlock()
}

func pipe(t *testing.T) (client, server transport.Session) {
	t.Helper()
	client, server, err := transport.Pipe(nil)
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	t.Cleanup(func() { client.Close("test done") })
	return client, server
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	voice := protocol.MustRegistryName("mod", "voice")
	noop := func() Handler { return HandlerFunc(func(context.Context, *Incoming) error { return nil }) }

	if err := r.Register(voice, noop); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var collision *NameCollisionError
	if err := r.Register(voice, noop); !errors.As(err, &collision) || collision.Name != voice {
		t.Errorf("duplicate Register() error = %v, want NameCollisionError", err)
	}
	if err := r.Register(protocol.RegistryName{Namespace: "Mod", Key: "x"}, noop); !errors.Is(err, protocol.ErrInvalidRegistryName) {
		t.Errorf("Register(invalid) error = %v, want ErrInvalidRegistryName", err)
	}

	r.Freeze()
	if err := r.Register(protocol.MustRegistryName("mod", "map"), noop); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("Register() after Freeze error = %v, want ErrRegistryFrozen", err)
	}
	if _, ok := r.Lookup(voice); !ok {
		t.Error("Lookup() missed a registered name")
	}
	if names := r.Names(); len(names) != 1 || names[0] != voice {
		t.Errorf("Names() = %v", names)
	}
}

func TestDispatcherRoutes(t *testing.T) {
	client, server := pipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	voice := protocol.MustRegistryName("mod", "voice")
	got := make(chan string, 2)
	echo := func(tag string) HandlerFactory {
		return func() Handler {
			return HandlerFunc(func(ctx context.Context, in *Incoming) error {
				var msg protocol.ConnectionTermination
				if err := in.Reader.ReadMessage(&msg); err != nil {
					return err
				}
				got <- tag + ":" + msg.Message
				return nil
			})
		}
	}

	reg := NewRegistry()
	reg.MustRegister(voice, echo("voice"))
	reg.Freeze()
	obs := &recordingObserver{}
	d := &Dispatcher{
		Registry: reg,
		Standard: map[protocol.StandardStreamType]HandlerFactory{protocol.StreamChunkData: echo("chunks")},
		Observer: obs,
	}

	for _, h := range []protocol.StreamHeader{protocol.StandardHeader(protocol.StreamChunkData), protocol.CustomHeader(voice)} {
		_, w, err := Open(ctx, client, h)
		if err != nil {
			t.Fatalf("Open(%s) error = %v", h, err)
		}
		if err := w.WriteMessage(&protocol.ConnectionTermination{Message: "hi"}); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		st, err := server.AcceptStream(ctx)
		if err != nil {
			t.Fatalf("AcceptStream() error = %v", err)
		}
		if err := d.Serve(ctx, st); err != nil {
			t.Errorf("Serve(%s) error = %v", h, err)
		}
	}

	for _, want := range []string{"chunks:hi", "voice:hi"} {
		if g := <-got; g != want {
			t.Errorf("handler got %q, want %q", g, want)
		}
	}
	if len(obs.accepted) != 2 || obs.accepted[0] != "chunkData" || obs.accepted[1] != "custom" {
		t.Errorf("accepted = %v", obs.accepted)
	}
}

func TestDispatcherRejects(t *testing.T) {
	unknown := protocol.MustRegistryName("mod", "unknown")

	tests := []struct {
		name  string
		write func(st transport.Stream) error
		want  error
	}{
		{
			name: "unknown_custom",
			write: func(st transport.Stream) error {
				h := protocol.CustomHeader(unknown)
				return protocol.NewWriter(st, nil).WriteMessage(&h)
			},
			want: ErrUnknownStreamType,
		},
		{
			name: "unbound_standard",
			write: func(st transport.Stream) error {
				h := protocol.StandardHeader(protocol.StreamChunkData)
				return protocol.NewWriter(st, nil).WriteMessage(&h)
			},
			want: ErrUnknownStreamType,
		},
		{
			name: "empty_header",
			write: func(st transport.Stream) error {
				return protocol.NewWriter(st, nil).WriteMessage(&protocol.StreamHeader{})
			},
			want: ErrMalformedHeader,
		},
		{
			name: "garbage",
			write: func(st transport.Stream) error {
				_, err := st.Write([]byte{0x03, 0xFF, 0xFF, 0xFF})
				return err
			},
			want: ErrMalformedHeader,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, server := pipe(t)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			cs, err := client.OpenStream(ctx)
			if err != nil {
				t.Fatalf("OpenStream() error = %v", err)
			}
			if err := tc.write(cs); err != nil {
				t.Fatalf("write error = %v", err)
			}
			st, err := server.AcceptStream(ctx)
			if err != nil {
				t.Fatalf("AcceptStream() error = %v", err)
			}

			obs := &recordingObserver{}
			d := &Dispatcher{Registry: NewRegistry(), Observer: obs}
			if err := d.Serve(ctx, st); !errors.Is(err, tc.want) {
				t.Errorf("Serve() error = %v, want %v", err, tc.want)
			}
			if len(obs.rejected) != 1 {
				t.Errorf("rejected = %v, want one entry", obs.rejected)
			}

			select {
			case <-server.Done():
				t.Error("session closed after a stream was rejected")
			default:
			}
		})
	}
}

func TestDispatcherHeaderTimeout(t *testing.T) {
	client, server := pipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := client.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer cs.Close()

	st, err := server.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream() error = %v", err)
	}
	d := &Dispatcher{HeaderTimeout: 50 * time.Millisecond}
	if err := d.Serve(ctx, st); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("Serve() error = %v, want ErrMalformedHeader", err)
	}
}

func TestOpenRejectsInvalidHeader(t *testing.T) {
	client, _ := pipe(t)
	if _, _, err := Open(context.Background(), client, protocol.StreamHeader{}); !errors.Is(err, protocol.ErrInvalidStreamHeader) {
		t.Errorf("Open() error = %v, want ErrInvalidStreamHeader", err)
	}
}
