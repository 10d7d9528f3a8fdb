// Package idempotency caches HTTP responses by client supplied key so that a
// retried request replays the first answer instead of running again.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = time.Hour

type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Store is a TTL cache of responses. With a nil Redis client it keeps
// entries in memory.
type Store struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	cache  sync.Map
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		redis:  client,
		prefix: "fanout:idempotency:",
		ttl:    ttl,
	}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.redis != nil {
		return s.getRedis(ctx, key)
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) error {
	if s.redis != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return s.redis.Set(ctx, s.prefix+key, data, s.ttl).Err()
	}

	s.cache.Store(key, entry{
		resp:      resp,
		timestamp: time.Now(),
	})
	return nil
}

func (s *Store) getRedis(ctx context.Context, key string) (Response, bool) {
	// redis.Nil and outages both read as a miss; the request runs again.
	data, err := s.redis.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}
