package chunksync

import (
	"sort"
	"sync"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Store is the server's authoritative chunk table. It assigns revisions.
type Store struct {
	mu     sync.RWMutex
	chunks map[protocol.ChunkPosition]*protocol.ChunkDataStreamPacket
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{chunks: make(map[protocol.ChunkPosition]*protocol.ChunkDataStreamPacket)}
}

// Put replaces the chunk at pos and returns the packet carrying it. The
// revision is one more than the previous one for pos, starting at 1.
// data is retained and must not be modified afterwards.
func (s *Store) Put(pos protocol.ChunkPosition, tick uint64, data protocol.ChunkData) (protocol.ChunkDataStreamPacket, error) {
	if err := data.Validate(); err != nil {
		return protocol.ChunkDataStreamPacket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rev uint64 = 1
	if prev, ok := s.chunks[pos]; ok {
		rev = prev.Revision + 1
	}
	pkt := &protocol.ChunkDataStreamPacket{
		Tick:     tick,
		Revision: rev,
		Position: pos,
		Data:     data,
	}
	s.chunks[pos] = pkt
	return *pkt, nil
}

// Get returns the current packet for pos.
func (s *Store) Get(pos protocol.ChunkPosition) (protocol.ChunkDataStreamPacket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkt, ok := s.chunks[pos]
	if !ok {
		return protocol.ChunkDataStreamPacket{}, false
	}
	return *pkt, true
}

// Positions returns every stored position in x, y, z order.
func (s *Store) Positions() []protocol.ChunkPosition {
	s.mu.RLock()
	out := make([]protocol.ChunkPosition, 0, len(s.chunks))
	for pos := range s.chunks {
		out = append(out, pos)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
	return out
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
