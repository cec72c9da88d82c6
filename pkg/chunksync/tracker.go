package chunksync

import (
	"sync"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

const trackerShards = 64

// RevisionTracker records the highest revision applied per position.
// It is safe for concurrent use; positions in different shards never
// contend.
type RevisionTracker struct {
	shards [trackerShards]trackerShard
}

type trackerShard struct {
	mu   sync.Mutex
	revs map[protocol.ChunkPosition]uint64
}

// NewRevisionTracker returns an empty tracker.
func NewRevisionTracker() *RevisionTracker {
	t := &RevisionTracker{}
	for i := range t.shards {
		t.shards[i].revs = make(map[protocol.ChunkPosition]uint64)
	}
	return t
}

func (t *RevisionTracker) shard(pos protocol.ChunkPosition) *trackerShard {
	return &t.shards[pos.Hash()%trackerShards]
}

// Apply runs apply if rev is newer than the stored revision for pos, and
// records rev if apply succeeds. Check, apply and record happen under one
// lock, so concurrent callers for a position are serialized. It reports
// whether the packet was applied.
func (t *RevisionTracker) Apply(pos protocol.ChunkPosition, rev uint64, apply func() error) (bool, error) {
	s := t.shard(pos)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.revs[pos]; ok && rev <= cur {
		return false, nil
	}
	if apply != nil {
		if err := apply(); err != nil {
			return false, err
		}
	}
	s.revs[pos] = rev
	return true, nil
}

// Revision returns the stored revision for pos.
func (t *RevisionTracker) Revision(pos protocol.ChunkPosition) (uint64, bool) {
	s := t.shard(pos)
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.revs[pos]
	return rev, ok
}

// Forget drops pos, so the next packet for it is applied whatever its
// revision.
func (t *RevisionTracker) Forget(pos protocol.ChunkPosition) {
	s := t.shard(pos)
	s.mu.Lock()
	delete(s.revs, pos)
	s.mu.Unlock()
}

// Len returns the number of tracked positions.
func (t *RevisionTracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.revs)
		s.mu.Unlock()
	}
	return n
}
