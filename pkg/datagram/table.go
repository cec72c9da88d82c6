package datagram

import (
	"sort"
	"sync"

	"github.com/geosia-dev/gsnet/pkg/protocol"
)

// Table keeps the latest datagram per channel.
type Table struct {
	mu      sync.RWMutex
	latest  map[protocol.RegistryName]*protocol.Datagram
	dropped uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{latest: make(map[protocol.RegistryName]*protocol.Datagram)}
}

// Offer stores d if its sequence number is higher than the stored one for
// its channel, and reports whether it did.
func (t *Table) Offer(d *protocol.Datagram) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.latest[d.Channel]; ok && d.Seq <= cur.Seq {
		t.dropped++
		return false
	}
	t.latest[d.Channel] = d
	return true
}

// Latest returns the newest datagram on channel.
func (t *Table) Latest(channel protocol.RegistryName) (*protocol.Datagram, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.latest[channel]
	return d, ok
}

// Channels returns every channel with a value, sorted by name.
func (t *Table) Channels() []protocol.RegistryName {
	t.mu.RLock()
	out := make([]protocol.RegistryName, 0, len(t.latest))
	for ch := range t.latest {
		out = append(out, ch)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Dropped returns how many offers were refused as stale.
func (t *Table) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}
