package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/channel"
	"github.com/itskum47/fanout/notify_plane/config"
	"github.com/itskum47/fanout/notify_plane/idempotency"
	"github.com/itskum47/fanout/notify_plane/ingress"
	"github.com/itskum47/fanout/notify_plane/store"
	"github.com/itskum47/fanout/notify_plane/timeline"
)

const shutdownTimeout = 10 * time.Second

// runtime is the set of components built from one Config.
type runtime struct {
	registry store.Registry
	service  *broadcast.Service
	hub      *ConnectionHub
	timeline *timeline.Store
	redis    *redis.Client
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// buildRegistry opens the configured registry backend.
func buildRegistry(ctx context.Context, cfg *config.Config) (store.Registry, *redis.Client, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		r, err := store.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisNamespace)
		if err != nil {
			return nil, nil, nil, err
		}
		return r, r.Client(), func() { _ = r.Close() }, nil

	case config.BackendPostgres:
		r, err := store.NewPostgresRegistry(ctx, cfg.PostgresDSN, store.PostgresOptions{
			MaxConns:        int32(cfg.PostgresMaxConns),
			MinConns:        int32(cfg.PostgresMinConns),
			MaxConnLifetime: cfg.PostgresLifetime,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return r, nil, r.Close, nil

	default:
		return store.NewMemoryRegistry(), nil, func() {}, nil
	}
}

// buildRuntime wires the registry, delivery channel and broadcast service.
func buildRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	registry, rdb, closeRegistry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", cfg.Backend, err)
	}

	rt := &runtime{
		registry: registry,
		timeline: timeline.NewStore(cfg.TimelineCapacity),
		redis:    rdb,
		closers:  []func(){closeRegistry},
	}

	var ch channel.Channel
	switch cfg.Channel {
	case config.ChannelGateway:
		ch = channel.NewGateway(cfg.GatewayEndpoint, cfg.GatewayTimeout, channel.WithToken(cfg.GatewayToken))
	case config.ChannelLog:
		ch = channel.NewLogChannel(logger)
	default:
		rt.hub = NewConnectionHub(maxWSConnections, logger)
		rt.closers = append(rt.closers, rt.hub.Shutdown)
		ch = rt.hub
	}

	rt.service = broadcast.NewService(registry, ch,
		broadcast.WithTimeout(cfg.DeliveryTimeout),
		broadcast.WithConcurrency(cfg.DeliveryConcurrency),
		broadcast.WithTimeline(rt.timeline),
		broadcast.WithLogger(logger.With().Str("component", "broadcast").Logger()),
	)

	logger.Info().
		Str("backend", cfg.Backend).
		Str("channel", cfg.Channel).
		Dur("delivery_timeout", cfg.DeliveryTimeout).
		Int("concurrency", cfg.DeliveryConcurrency).
		Msg("notify plane runtime ready")

	return rt, nil
}

// serve runs the HTTP server and the optional NATS ingress until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	api := NewAPI(rt.service, APIOptions{
		Hub:         rt.hub,
		Timeline:    rt.timeline,
		Idempotency: idempotency.NewStore(rt.redis, cfg.IdempotencyTTL),
		RateRPS:     cfg.RateLimitRPS,
		RateBurst:   cfg.RateLimitBurst,
		APIToken:    cfg.APIToken,
		Logger:      logger,
	})

	if cfg.NATSURL != "" {
		sub, err := ingress.Connect(ctx, cfg.NATSURL, cfg.NATSSubject, rt.service, logger)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("notify plane listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down notify plane")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	return nil
}
