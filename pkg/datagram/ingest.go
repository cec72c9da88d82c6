package datagram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Handler is called for every datagram the table accepted.
type Handler interface {
	HandleDatagram(ctx context.Context, d *protocol.Datagram)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *protocol.Datagram)

// HandleDatagram calls f.
func (f HandlerFunc) HandleDatagram(ctx context.Context, d *protocol.Datagram) {
	f(ctx, d)
}

// Ingester reads a session's datagrams into a Table.
type Ingester struct {
	// Table receives every decoded datagram. Required.
	Table *Table

	// Handler is optional.
	Handler Handler

	// Limits bounds decoding. Default: protocol.DefaultLimits().
	Limits *protocol.Limits

	// Logger receives decode failures at debug level. Nil discards.
	Logger *zap.Logger

	malformed atomic.Uint64
}

// Malformed returns how many datagrams failed to decode.
func (in *Ingester) Malformed() uint64 { return in.malformed.Load() }

// Run ingests until ctx ends or the session closes, then returns nil.
// Other receive errors are returned.
func (in *Ingester) Run(ctx context.Context, session transport.Session) error {
	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		raw, err := session.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrSessionClosed) {
				return nil
			}
			return fmt.Errorf("datagram: receive: %w", err)
		}
		d, err := protocol.DecodeDatagram(raw, in.Limits)
		if err == nil {
			err = d.Channel.Validate()
		}
		if err != nil {
			in.malformed.Add(1)
			logger.Debug("malformed datagram dropped",
				zap.Stringer("peer", session.Peer()),
				zap.Int("size", len(raw)),
				zap.Error(err))
			continue
		}
		if in.Table.Offer(d) && in.Handler != nil {
			in.Handler.HandleDatagram(ctx, d)
		}
	}
}

// Publisher numbers and sends datagrams. It is safe for concurrent use.
type Publisher struct {
	session transport.Session

	mu  sync.Mutex
	seq map[protocol.RegistryName]uint64
}

// NewPublisher returns a publisher sending on session.
func NewPublisher(session transport.Session) *Publisher {
	return &Publisher{session: session, seq: make(map[protocol.RegistryName]uint64)}
}

// Publish sends payload on channel with the next sequence number. Delivery
// is not guaranteed. Encoded datagrams larger than protocol.MaxDatagramSize
// are refused with transport.ErrDatagramTooLarge.
func (p *Publisher) Publish(channel protocol.RegistryName, tick uint64, payload []byte) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.seq[channel]++
	seq := p.seq[channel]
	p.mu.Unlock()

	b, err := protocol.EncodeDatagram(&protocol.Datagram{
		Channel: channel,
		Seq:     seq,
		Tick:    tick,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if len(b) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrDatagramTooLarge, len(b))
	}
	return p.session.SendDatagram(b)
}
