package store

import (
	"context"
	"sync"
)

// MemoryRegistry holds subscribers in process memory.
// It implements the Registry interface.
type MemoryRegistry struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

// NewMemoryRegistry initializes an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		subscribers: make(map[string]Subscriber),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, sub Subscriber) error {
	if err := prepare(&sub); err != nil {
		return err
	}
	sub.Metadata = copyMetadata(sub.Metadata)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[sub.ID] = sub
	return nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidSubscriber
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, id)
	return nil
}

func (r *MemoryRegistry) ListAll(ctx context.Context) ([]Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		// Return copy
		sub.Metadata = copyMetadata(sub.Metadata)
		result = append(result, sub)
	}
	return result, nil
}

// Len returns the number of registered subscribers.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}
