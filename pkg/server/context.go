package server

import "context"

type playerContextKey struct{}

// WithPlayer stores p in ctx.
func WithPlayer(ctx context.Context, p *Player) context.Context {
	return context.WithValue(ctx, playerContextKey{}, p)
}

// PlayerFromContext returns the player stored by WithPlayer. Datagram and
// custom stream handlers receive a context carrying the player they serve.
func PlayerFromContext(ctx context.Context) (*Player, bool) {
	if ctx == nil {
		return nil, false
	}
	p, ok := ctx.Value(playerContextKey{}).(*Player)
	return p, ok && p != nil
}
