package store

import (
	"time"
)

// Subscriber is one registered delivery target.
type Subscriber struct {
	ID           string            `json:"id" db:"id"`
	RegisteredAt time.Time         `json:"registered_at" db:"registered_at"`
	Metadata     map[string]string `json:"metadata,omitempty" db:"metadata"` // JSONB in Postgres
}
