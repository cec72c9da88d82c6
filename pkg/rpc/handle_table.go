package rpc

import (
	"sync"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Handle names a capability in its host's export table.
type Handle = protocol.CapHandle

// HandleTable is an arena of values addressed by index plus generation.
// Freed slots are reused with a bumped generation, so a stale handle never
// resolves to a newer value. Generations start at 1.
type HandleTable[T any] struct {
	mu     sync.Mutex
	slots  []slot[T]
	free   []uint32
	live   int
	closed bool
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Add stores v and returns its handle.
func (t *HandleTable[T]) Add(v T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Handle{}, ErrConnectionClosed
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}
	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	t.live++
	return Handle{Index: idx, Generation: s.gen}, nil
}

// Get returns the value for h.
func (t *HandleTable[T]) Get(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

// Remove frees h and returns the value it held.
func (t *HandleTable[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val = zero
	s.used = false
	t.free = append(t.free, h.Index)
	t.live--
	return v, nil
}

// Close invalidates every handle and returns the values still stored.
// Further calls fail with ErrConnectionClosed.
func (t *HandleTable[T]) Close() []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	out := make([]T, 0, t.live)
	for i := range t.slots {
		if t.slots[i].used {
			out = append(out, t.slots[i].val)
		}
	}
	t.slots = nil
	t.free = nil
	t.live = 0
	return out
}

// Len returns the number of live entries.
func (t *HandleTable[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *HandleTable[T]) lookup(h Handle) (*slot[T], error) {
	if t.closed {
		return nil, ErrConnectionClosed
	}
	if int(h.Index) >= len(t.slots) {
		return nil, ErrStaleHandle
	}
	s := &t.slots[h.Index]
	if !s.used || s.gen != h.Generation {
		return nil, ErrStaleHandle
	}
	return s, nil
}
