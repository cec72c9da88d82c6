package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/geosia-dev/gsnet/pkg/protocol"
	"github.com/geosia-dev/gsnet/pkg/transport"
)

// ErrRegistryFrozen is returned by Register after Freeze.
var ErrRegistryFrozen = errors.New("stream: registry frozen")

// NameCollisionError is returned when a custom stream type is registered twice.
type NameCollisionError struct {
	Name protocol.RegistryName
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("stream: custom stream type %s already registered", e.Name)
}

// Incoming is an auxiliary stream whose header has been read.
// Reader must be used for all further reads since it buffers input.
type Incoming struct {
	Header protocol.StreamHeader
	Stream transport.Stream
	Reader *protocol.Reader
}

// Handler serves one classified stream. The dispatcher closes the stream
// when ServeStream returns.
type Handler interface {
	ServeStream(ctx context.Context, in *Incoming) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in *Incoming) error

// ServeStream calls f.
func (f HandlerFunc) ServeStream(ctx context.Context, in *Incoming) error {
	return f(ctx, in)
}

// HandlerFactory creates the handler for one stream.
type HandlerFactory func() Handler

// Registry maps custom stream type names to handler factories.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[protocol.RegistryName]HandlerFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[protocol.RegistryName]HandlerFactory)}
}

// Register binds name to factory.
func (r *Registry) Register(name protocol.RegistryName, factory HandlerFactory) error {
	if err := name.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("stream: nil factory for %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.handlers[name]; ok {
		return &NameCollisionError{Name: name}
	}
	r.handlers[name] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name protocol.RegistryName, factory HandlerFactory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the factory registered for name.
func (r *Registry) Lookup(name protocol.RegistryName) (HandlerFactory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.handlers[name]
	return f, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []protocol.RegistryName {
	r.mu.RLock()
	names := make([]protocol.RegistryName, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	r.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool {
		return names[i].String() < names[j].String()
	})
	return names
}
