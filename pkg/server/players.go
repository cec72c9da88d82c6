package server

import (
	"sort"
	"sync"

	"github.com/geosia-dev/gsnet/pkg/auth"
	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// Player is an authenticated connection.
type Player struct {
	// Username as the player typed it.
	Username string

	// Peer is the remote address of the player's session.
	Peer transport.PeerAddress

	// Privileged players are exempt from the player limit.
	Privileged bool

	conn *Conn
}

// PlayerInfo is a snapshot of a Player for listings.
type PlayerInfo struct {
	Username   string `json:"username"`
	Peer       string `json:"peer"`
	Privileged bool   `json:"privileged"`
}

// Info returns a snapshot of p.
func (p *Player) Info() PlayerInfo {
	return PlayerInfo{Username: p.Username, Peer: p.Peer.String(), Privileged: p.Privileged}
}

// playerTable indexes players by normalized username. It implements
// auth.Roster.
type playerTable struct {
	mu      sync.RWMutex
	limit   int
	players map[string]*Player

	onChange func(n int)
}

func newPlayerTable(limit int) *playerTable {
	return &playerTable{limit: limit, players: make(map[string]*Player)}
}

var _ auth.Roster = (*playerTable)(nil)

// PlayerCount implements auth.Roster.
func (t *playerTable) PlayerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.players)
}

// Online implements auth.Roster.
func (t *playerTable) Online(username string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.players[auth.NormalizeUsername(username)]
	return ok
}

// add reserves p's slot. The duplicate and capacity checks are repeated
// here because concurrent logins may both have passed validation.
func (t *playerTable) add(p *Player) error {
	key := auth.NormalizeUsername(p.Username)

	t.mu.Lock()
	if _, dup := t.players[key]; dup {
		t.mu.Unlock()
		return protocol.NewAuthenticationError(protocol.AuthUnspecified, "%s is already online", p.Username)
	}
	if !p.Privileged && t.limit > 0 && len(t.players) >= t.limit {
		n := len(t.players)
		t.mu.Unlock()
		return protocol.NewAuthenticationError(protocol.AuthServerFull,
			"server is full (%d/%d players)", n, t.limit)
	}
	t.players[key] = p
	n := len(t.players)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(n)
	}
	return nil
}

// remove drops p if it still owns its slot.
func (t *playerTable) remove(p *Player) {
	key := auth.NormalizeUsername(p.Username)

	t.mu.Lock()
	if t.players[key] != p {
		t.mu.Unlock()
		return
	}
	delete(t.players, key)
	n := len(t.players)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(n)
	}
}

func (t *playerTable) get(username string) (*Player, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.players[auth.NormalizeUsername(username)]
	return p, ok
}

// list returns every player sorted by username.
func (t *playerTable) list() []*Player {
	t.mu.RLock()
	out := make([]*Player, 0, len(t.players))
	for _, p := range t.players {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return auth.NormalizeUsername(out[i].Username) < auth.NormalizeUsername(out[j].Username)
	})
	return out
}

// ForEach calls fn for every player until fn returns false.
func (t *playerTable) ForEach(fn func(*Player) bool) {
	for _, p := range t.list() {
		if !fn(p) {
			return
		}
	}
}
