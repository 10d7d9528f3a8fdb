// Package broadcast delivers events to every registered subscriber and prunes
// subscribers whose channel is closed.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/fanout/notify_plane/channel"
	"github.com/itskum47/fanout/notify_plane/observability"
	"github.com/itskum47/fanout/notify_plane/store"
	"github.com/itskum47/fanout/notify_plane/timeline"
)

const (
	DefaultTimeout     = 3 * time.Second
	DefaultConcurrency = 32
)

// Service owns the subscriber registry and fans events out over a channel.
// It performs no retries; callers that want them retry Broadcast or Notify.
type Service struct {
	registry    store.Registry
	channel     channel.Channel
	timeout     time.Duration
	concurrency int
	timeline    *timeline.Store
	logger      zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds each single-subscriber delivery.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithConcurrency caps the number of deliveries in flight during a broadcast.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithTimeline records every broadcast event in t.
func WithTimeline(t *timeline.Store) Option {
	return func(s *Service) { s.timeline = t }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(registry store.Registry, ch channel.Channel, opts ...Option) *Service {
	s := &Service{
		registry:    registry,
		channel:     ch,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or overwrites a subscriber.
func (s *Service) Register(ctx context.Context, sub store.Subscriber) error {
	if sub.ID == "" {
		return ErrInvalidSubscriber
	}
	if err := s.registry.Register(ctx, sub); err != nil {
		return s.registryError("register", err)
	}
	s.logger.Debug().Str("subscriber_id", sub.ID).Msg("subscriber registered")
	return nil
}

// Unregister removes a subscriber. Unknown ids are not an error.
func (s *Service) Unregister(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidSubscriber
	}
	if err := s.registry.Unregister(ctx, id); err != nil {
		return s.registryError("unregister", err)
	}
	s.logger.Debug().Str("subscriber_id", id).Msg("subscriber unregistered")
	return nil
}

// ListAll returns the current registry snapshot.
func (s *Service) ListAll(ctx context.Context) ([]store.Subscriber, error) {
	subs, err := s.registry.ListAll(ctx)
	if err != nil {
		return nil, s.registryError("list", err)
	}
	return subs, nil
}

// Broadcast delivers event once to every subscriber in the registry snapshot
// taken at call time. Per-subscriber failures end up in the report; the only
// error returned is a validation error or ErrRegistryUnavailable when the
// snapshot cannot be read.
func (s *Service) Broadcast(ctx context.Context, event Event) (DeliveryReport, error) {
	payload, err := event.Encode()
	if err != nil {
		return DeliveryReport{}, err
	}

	start := time.Now()
	subs, err := s.registry.ListAll(ctx)
	if err != nil {
		return DeliveryReport{}, s.registryError("list", err)
	}

	report := DeliveryReport{Removed: []string{}}
	var mu sync.Mutex

	// Goroutines never return an error, so the group only bounds concurrency.
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			res := s.deliver(ctx, sub.ID, payload)

			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case channel.Delivered:
				report.Delivered++
			case channel.FailedPermanently:
				report.Failed++
				if res.Removed {
					report.Removed = append(report.Removed, res.SubscriberID)
				}
			default:
				report.Failed++
				report.Transient = append(report.Transient, res.SubscriberID)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Removed)
	sort.Strings(report.Transient)

	if s.timeline != nil {
		s.timeline.Record(timeline.Entry{Type: event.Type, Data: event.Data})
	}

	observability.BroadcastDuration.Observe(time.Since(start).Seconds())
	observability.BroadcastFanout.Observe(float64(len(subs)))

	s.logger.Info().
		Str("event_type", event.Type).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Strs("removed", report.Removed).
		Dur("took", time.Since(start)).
		Msg("broadcast complete")

	return report, nil
}

// Notify delivers event to exactly one subscriber without reading the
// registry. A closed channel prunes that id and nothing else. The returned
// error is a validation error, or ErrRegistryUnavailable when pruning failed.
func (s *Service) Notify(ctx context.Context, id string, event Event) (Result, error) {
	if id == "" {
		return Result{}, ErrInvalidSubscriber
	}
	payload, err := event.Encode()
	if err != nil {
		return Result{}, err
	}

	res := s.deliver(ctx, id, payload)
	if res.Outcome == channel.FailedPermanently && !res.Removed {
		return res, s.registryError("unregister", res.Err)
	}
	return res, nil
}

// deliver runs one isolated delivery attempt bounded by the service timeout.
func (s *Service) deliver(ctx context.Context, id string, payload []byte) Result {
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.channel.Send(sendCtx, id, payload)
	cancel()

	res := Result{SubscriberID: id, Outcome: channel.Classify(err)}
	observability.Deliveries.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case channel.Delivered:
		return res

	case channel.FailedTransiently:
		res.Err = fmt.Errorf("%w: %s: %v", ErrTransientDelivery, id, err)
		s.logger.Warn().Err(err).Str("subscriber_id", id).Msg("transient delivery failure")
		return res
	}

	// Closed channel: the subscriber is gone for good, prune it inline.
	res.Err = err
	if uerr := s.registry.Unregister(ctx, id); uerr != nil {
		observability.CleanupFailures.Inc()
		res.Err = errors.Join(err, uerr)
		s.logger.Error().Err(uerr).Str("subscriber_id", id).Msg("failed to prune closed subscriber")
		return res
	}
	res.Removed = true
	observability.SubscribersRemoved.Inc()
	s.logger.Info().Str("subscriber_id", id).Msg("pruned closed subscriber")
	return res
}

func (s *Service) registryError(op string, err error) error {
	if errors.Is(err, store.ErrInvalidSubscriber) {
		return err
	}
	observability.RegistryErrors.WithLabelValues(op).Inc()
	return &RegistryError{Op: op, Err: err}
}
