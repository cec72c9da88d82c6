package chunksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/stream"
)

// Sink consumes chunk snapshots that passed the revision check.
type Sink interface {
	ApplyChunk(ctx context.Context, pkt *protocol.ChunkDataStreamPacket) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, pkt *protocol.ChunkDataStreamPacket) error

// ApplyChunk calls f.
func (f SinkFunc) ApplyChunk(ctx context.Context, pkt *protocol.ChunkDataStreamPacket) error {
	return f(ctx, pkt)
}

// Stats counts receiver outcomes.
type Stats struct {
	Applied uint64
	Stale   uint64
}

// Receiver applies chunkData streams to a Sink. One receiver serves every
// chunk stream of a connection so they share a tracker.
type Receiver struct {
	tracker *RevisionTracker
	sink    Sink
	logger  *zap.Logger

	applied atomic.Uint64
	stale   atomic.Uint64
}

// NewReceiver returns a receiver feeding sink. A nil logger discards.
func NewReceiver(sink Sink, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		tracker: NewRevisionTracker(),
		sink:    sink,
		logger:  logger,
	}
}

// Tracker returns the receiver's revision tracker.
func (r *Receiver) Tracker() *RevisionTracker { return r.tracker }

// Stats returns a snapshot of the counters.
func (r *Receiver) Stats() Stats {
	return Stats{Applied: r.applied.Load(), Stale: r.stale.Load()}
}

// Receive applies pkt if it is newer than what the sink has. Stale packets
// are dropped without error. Invalid chunk data is an error.
func (r *Receiver) Receive(ctx context.Context, pkt *protocol.ChunkDataStreamPacket) (bool, error) {
	if err := pkt.Data.Validate(); err != nil {
		return false, fmt.Errorf("chunk %s revision %d: %w", pkt.Position, pkt.Revision, err)
	}
	applied, err := r.tracker.Apply(pkt.Position, pkt.Revision, func() error {
		if r.sink == nil {
			return nil
		}
		return r.sink.ApplyChunk(ctx, pkt)
	})
	if err != nil {
		return false, err
	}
	if applied {
		r.applied.Add(1)
	} else {
		r.stale.Add(1)
	}
	return applied, nil
}

// HandleStream reads packets from a classified chunkData stream until it
// ends. A clean end of stream returns nil; a codec failure or invalid
// packet is returned and ends this stream only.
func (r *Receiver) HandleStream(ctx context.Context, in *stream.Incoming) error {
	stop := context.AfterFunc(ctx, func() { in.Stream.Close() })
	defer stop()

	for {
		var pkt protocol.ChunkDataStreamPacket
		if err := in.Reader.ReadMessage(&pkt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		applied, err := r.Receive(ctx, &pkt)
		if err != nil {
			return err
		}
		if !applied {
			r.logger.Debug("stale chunk dropped",
				zap.Stringer("position", pkt.Position),
				zap.Uint64("revision", pkt.Revision))
		}
	}
}

// ServeStream implements stream.Handler.
func (r *Receiver) ServeStream(ctx context.Context, in *stream.Incoming) error {
	return r.HandleStream(ctx, in)
}

// Factory returns a stream.HandlerFactory yielding r for every stream.
func (r *Receiver) Factory() stream.HandlerFactory {
	return func() stream.Handler { return r }
}
