// Package channels defines the messaging platform adapter interface and a
// registry for managing adapter lifecycles.
package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/banter/pkg/models"
)

// Adapter is the interface every messaging platform adapter implements.
type Adapter interface {
	// Start begins listening for messages. It should establish the
	// connection and return once receiving is underway.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter.
	Stop(ctx context.Context) error

	// Messages returns the inbound message channel. It is closed when the
	// adapter stops.
	Messages() <-chan *models.Message

	// Type returns the platform identifier.
	Type() models.ChannelType
}

// Registry manages the set of active channel adapters.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter. Registering a duplicate type is an error.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := adapter.Type()
	if _, exists := r.adapters[t]; exists {
		return fmt.Errorf("adapter already registered for channel: %s", t)
	}
	r.adapters[t] = adapter
	return nil
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(t models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[t]
	return adapter, ok
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		result = append(result, adapter)
	}
	return result
}

// StartAll starts every registered adapter, stopping the ones already
// started if one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Adapter, 0)
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("failed to start %s adapter: %w", adapter.Type(), err)
		}
		started = append(started, adapter)
	}
	return nil
}

// StopAll stops every registered adapter, returning the first error.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
