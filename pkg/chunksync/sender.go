package chunksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/stream"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// ErrSenderClosed is returned by Send after the sender has stopped.
var ErrSenderClosed = errors.New("chunksync: sender closed")

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Streams is the number of chunkData streams to spread positions over.
	// Default: 2
	Streams int

	// QueueSize bounds the packets waiting to be written, across all
	// streams. Send blocks while the queue of its stream is full.
	// Default: 64
	QueueSize int

	// Logger for stream failures. Default: no-op.
	Logger *zap.Logger
}

// DefaultSenderConfig returns the default sender configuration.
func DefaultSenderConfig() *SenderConfig {
	return &SenderConfig{
		Streams:   2,
		QueueSize: 64,
	}
}

func (c *SenderConfig) orDefault() SenderConfig {
	out := *DefaultSenderConfig()
	if c != nil {
		if c.Streams > 0 {
			out.Streams = c.Streams
		}
		if c.QueueSize > 0 {
			out.QueueSize = c.QueueSize
		}
		out.Logger = c.Logger
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// SenderStats counts sender outcomes.
type SenderStats struct {
	Sent    uint64
	Skipped uint64
}

// Sender streams chunk packets to one player.
type Sender struct {
	session transport.Session
	config  SenderConfig
	queues  []chan protocol.ChunkDataStreamPacket

	mu   sync.Mutex
	held map[protocol.ChunkPosition]uint64

	closed    chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	skipped atomic.Uint64
}

// NewSender returns a sender for session. Run must be called to open the
// streams and write queued packets.
func NewSender(session transport.Session, config *SenderConfig) *Sender {
	cfg := config.orDefault()
	per := cfg.QueueSize / cfg.Streams
	if per < 1 {
		per = 1
	}
	queues := make([]chan protocol.ChunkDataStreamPacket, cfg.Streams)
	for i := range queues {
		queues[i] = make(chan protocol.ChunkDataStreamPacket, per)
	}
	return &Sender{
		session: session,
		config:  cfg,
		queues:  queues,
		held:    make(map[protocol.ChunkPosition]uint64),
		closed:  make(chan struct{}),
	}
}

// Run opens the chunk streams and writes queued packets until ctx ends,
// Close is called, or a stream fails. The sender is closed when Run
// returns.
func (s *Sender) Run(ctx context.Context) error {
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	var streams []transport.Stream
	defer func() {
		for _, st := range streams {
			st.Close()
		}
	}()

	for i, q := range s.queues {
		st, w, err := stream.Open(gctx, s.session, protocol.StandardHeader(protocol.StreamChunkData))
		if err != nil {
			s.Close()
			_ = g.Wait()
			return fmt.Errorf("chunksync: open stream %d: %w", i, err)
		}
		streams = append(streams, st)
		g.Go(func() error {
			return s.writeLoop(gctx, w, q)
		})
	}
	return g.Wait()
}

func (s *Sender) writeLoop(ctx context.Context, w *protocol.Writer, q <-chan protocol.ChunkDataStreamPacket) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case pkt := <-q:
			if err := w.WriteMessage(&pkt); err != nil {
				s.config.Logger.Debug("chunk stream write failed",
					zap.Stringer("position", pkt.Position),
					zap.Error(err))
				return fmt.Errorf("chunksync: write %s: %w", pkt.Position, err)
			}
			s.sent.Add(1)
		}
	}
}

// Send queues pkt unless the player already holds that revision or a newer
// one. It blocks while the stream's queue is full. It reports whether the
// packet was queued.
func (s *Sender) Send(ctx context.Context, pkt protocol.ChunkDataStreamPacket) (bool, error) {
	select {
	case <-s.closed:
		return false, ErrSenderClosed
	default:
	}

	pos := pkt.Position
	s.mu.Lock()
	prev, hadPrev := s.held[pos]
	if hadPrev && pkt.Revision <= prev {
		s.mu.Unlock()
		s.skipped.Add(1)
		return false, nil
	}
	s.held[pos] = pkt.Revision
	s.mu.Unlock()

	q := s.queues[pos.Hash()%uint64(len(s.queues))]
	select {
	case q <- pkt:
		return true, nil
	case <-ctx.Done():
		s.restore(pos, pkt.Revision, prev, hadPrev)
		return false, ctx.Err()
	case <-s.closed:
		s.restore(pos, pkt.Revision, prev, hadPrev)
		return false, ErrSenderClosed
	}
}

// restore undoes the held revision recorded for a packet that was never
// queued, unless a newer one has been recorded since.
func (s *Sender) restore(pos protocol.ChunkPosition, rev, prev uint64, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[pos] != rev {
		return
	}
	if hadPrev {
		s.held[pos] = prev
	} else {
		delete(s.held, pos)
	}
}

// SendFrom queues the store's current packet for each position the player
// is missing or holds an outdated revision of. It returns the number
// queued.
func (s *Sender) SendFrom(ctx context.Context, store *Store, positions ...protocol.ChunkPosition) (int, error) {
	n := 0
	for _, pos := range positions {
		pkt, ok := store.Get(pos)
		if !ok {
			continue
		}
		queued, err := s.Send(ctx, pkt)
		if err != nil {
			return n, err
		}
		if queued {
			n++
		}
	}
	return n, nil
}

// Held returns the revision of pos the player holds, as far as the sender
// knows.
func (s *Sender) Held(pos protocol.ChunkPosition) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.held[pos]
	return rev, ok
}

// Forget marks pos as not held, for instance after the player unloaded it.
func (s *Sender) Forget(pos protocol.ChunkPosition) {
	s.mu.Lock()
	delete(s.held, pos)
	s.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{Sent: s.sent.Load(), Skipped: s.skipped.Load()}
}

// Close stops the sender. Queued packets not yet written are dropped.
func (s *Sender) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Done is closed when the sender stops.
func (s *Sender) Done() <-chan struct{} { return s.closed }
