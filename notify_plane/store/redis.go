package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itskum47/fanout/notify_plane/observability"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry implements Registry on a single Redis hash.
// Field = subscriber id, value = JSON encoded Subscriber.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(addr string, password string, db int, namespace string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return NewRedisRegistryFromClient(client, namespace), nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client *redis.Client, namespace string) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		key:    NamespaceKey(namespace, ResourceSubscribers),
	}
}

// Client exposes the underlying client so other Redis backed stores can share it.
func (r *RedisRegistry) Client() *redis.Client {
	return r.client
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func observe(op string, start time.Time) {
	observability.RegistryLatency.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
}

func (r *RedisRegistry) Register(ctx context.Context, sub Subscriber) error {
	defer observe("register", time.Now())

	if err := prepare(&sub); err != nil {
		return err
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscriber: %w", err)
	}
	return r.client.HSet(ctx, r.key, sub.ID, data).Err()
}

func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	defer observe("unregister", time.Now())

	if id == "" {
		return ErrInvalidSubscriber
	}
	// HDEL on a missing field returns 0, not an error.
	return r.client.HDel(ctx, r.key, id).Err()
}

func (r *RedisRegistry) ListAll(ctx context.Context) ([]Subscriber, error) {
	defer observe("list", time.Now())

	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	subs := make([]Subscriber, 0, len(fields))
	for id, raw := range fields {
		var sub Subscriber
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			// Keep the entry reachable by id so it can still be delivered to and pruned.
			sub = Subscriber{ID: id}
		}
		sub.ID = id
		subs = append(subs, sub)
	}
	return subs, nil
}
