package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidSubscriber is returned when a registry call carries no subscriber id.
var ErrInvalidSubscriber = errors.New("subscriber id is required")

// Registry is the persisted set of subscribers.
// It abstracts over Memory (single process), Redis and Postgres backends.
// Every operation touches a single key; there are no multi-key transactions.
type Registry interface {
	// Register upserts the subscriber. Registering the same id twice is not
	// an error; the last write wins on metadata.
	Register(ctx context.Context, sub Subscriber) error

	// Unregister removes the subscriber if present. Absent ids are a no-op.
	Unregister(ctx context.Context, id string) error

	// ListAll returns a snapshot of every registered subscriber in no
	// particular order. It may lag concurrent writes.
	ListAll(ctx context.Context) ([]Subscriber, error)
}

// prepare validates sub and fills RegisteredAt when unset.
func prepare(sub *Subscriber) error {
	if sub.ID == "" {
		return ErrInvalidSubscriber
	}
	if sub.RegisteredAt.IsZero() {
		sub.RegisteredAt = time.Now().UTC()
	}
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
