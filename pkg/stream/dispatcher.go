package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// DefaultHeaderTimeout bounds the wait for a stream header.
const DefaultHeaderTimeout = 10 * time.Second

// Stream classification errors. Each closes the offending stream only.
var (
	// ErrMalformedHeader is returned when the header frame cannot be decoded
	// or does not carry exactly one stream type.
	ErrMalformedHeader = errors.New("stream: malformed header")

	// ErrUnknownStreamType is returned for a type with no bound handler.
	ErrUnknownStreamType = errors.New("stream: unknown stream type")
)

// Observer is notified of stream classification outcomes.
type Observer interface {
	StreamAccepted(kind string)
	StreamRejected(reason string)
}

// Dispatcher reads the header of each auxiliary stream and runs its handler.
type Dispatcher struct {
	// Registry resolves custom stream types. It should be frozen.
	Registry *Registry

	// Standard binds standard stream types to handlers.
	Standard map[protocol.StandardStreamType]HandlerFactory

	// HeaderTimeout bounds the wait for the header.
	// Default: DefaultHeaderTimeout.
	HeaderTimeout time.Duration

	// Limits applies to every frame read from the stream.
	Limits *protocol.Limits

	// Logger receives classification failures. Nil discards them.
	Logger *zap.Logger

	// Observer is optional.
	Observer Observer
}

// Serve classifies st and runs its handler until it returns. st is closed
// when Serve returns. A non-nil error is fatal to st only.
func (d *Dispatcher) Serve(ctx context.Context, st transport.Stream) error {
	defer st.Close()

	in, factory, err := d.classify(st)
	if err != nil {
		d.reject(st, err)
		return err
	}
	kind := in.Header.String()
	if d.Observer != nil {
		label := "custom"
		if !in.Header.IsCustom() {
			label = in.Header.Standard.String()
		}
		d.Observer.StreamAccepted(label)
	}

	if err := factory().ServeStream(ctx, in); err != nil {
		return fmt.Errorf("stream: %s handler: %w", kind, err)
	}
	return nil
}

func (d *Dispatcher) classify(st transport.Stream) (*Incoming, HandlerFactory, error) {
	timeout := d.HeaderTimeout
	if timeout <= 0 {
		timeout = DefaultHeaderTimeout
	}
	if err := st.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}

	r := protocol.NewReader(st, d.Limits)
	var header protocol.StreamHeader
	if err := r.ReadMessage(&header); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	if err := header.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	if err := st.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, err
	}

	factory, ok := d.lookup(header)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStreamType, header)
	}
	return &Incoming{Header: header, Stream: st, Reader: r}, factory, nil
}

func (d *Dispatcher) lookup(header protocol.StreamHeader) (HandlerFactory, bool) {
	if header.IsCustom() {
		return d.Registry.Lookup(*header.Custom)
	}
	f, ok := d.Standard[header.Standard]
	return f, ok && f != nil
}

func (d *Dispatcher) reject(st transport.Stream, err error) {
	reason := "malformed_header"
	if errors.Is(err, ErrUnknownStreamType) {
		reason = "unknown_type"
	}
	if d.Observer != nil {
		d.Observer.StreamRejected(reason)
	}
	if d.Logger != nil {
		d.Logger.Debug("stream rejected",
			zap.Uint64("stream_id", st.ID()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// Open opens an auxiliary stream on session and writes header to it.
// The returned Writer frames further messages on the stream.
func Open(ctx context.Context, session transport.Session, header protocol.StreamHeader) (transport.Stream, *protocol.Writer, error) {
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}
	st, err := session.OpenStream(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: open %s: %w", header, err)
	}
	w := protocol.NewWriter(st, nil)
	if err := w.WriteMessage(&header); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("stream: write %s header: %w", header, err)
	}
	return st, w, nil
}
