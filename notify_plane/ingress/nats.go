// Package ingress feeds events published on NATS into the broadcast service.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/observability"
)

const (
	DefaultSubject = "fanout.events"
	handleTimeout  = 30 * time.Second
)

// Broadcaster is the part of broadcast.Service the ingress needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, event broadcast.Event) (broadcast.DeliveryReport, error)
}

// Reply is sent back on the message's reply subject when one is set.
type Reply struct {
	Report *broadcast.DeliveryReport `json:"report,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// Handle decodes one message body as an Event and broadcasts it.
func Handle(ctx context.Context, b Broadcaster, data []byte) (broadcast.DeliveryReport, error) {
	var event broadcast.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return broadcast.DeliveryReport{}, fmt.Errorf("%w: %v", broadcast.ErrInvalidEvent, err)
	}
	return b.Broadcast(ctx, event)
}

// Subscriber consumes events from one NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	b       Broadcaster
	logger  zerolog.Logger
}

// Connect dials NATS at url and starts broadcasting every event published on
// subject. The subscription lives until Close.
func Connect(ctx context.Context, url, subject string, b Broadcaster, logger zerolog.Logger) (*Subscriber, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	logger = logger.With().Str("component", "nats_ingress").Str("subject", subject).Logger()

	nc, err := nats.Connect(url,
		nats.Name("fanout-notify-plane"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	s := &Subscriber{nc: nc, subject: subject, b: b, logger: logger}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.sub = sub

	logger.Info().Str("url", url).Msg("nats ingress connected")
	return s, nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	report, err := Handle(hctx, s.b, msg.Data)

	var reply Reply
	switch {
	case err == nil:
		observability.IngressMessages.WithLabelValues("broadcast").Inc()
		reply.Report = &report
		s.logger.Debug().Stringer("report", report).Msg("ingress broadcast")
	case broadcast.IsValidation(err):
		observability.IngressMessages.WithLabelValues("invalid").Inc()
		reply.Error = err.Error()
		s.logger.Warn().Err(err).Msg("dropping invalid ingress message")
	case errors.Is(err, broadcast.ErrRegistryUnavailable):
		observability.IngressMessages.WithLabelValues("registry_error").Inc()
		reply.Error = err.Error()
		s.logger.Error().Err(err).Msg("ingress broadcast failed")
	default:
		observability.IngressMessages.WithLabelValues("error").Inc()
		reply.Error = err.Error()
		s.logger.Error().Err(err).Msg("ingress broadcast failed")
	}

	if msg.Reply == "" {
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode ingress reply")
		return
	}
	if err := msg.Respond(body); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send ingress reply")
	}
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn().Err(err).Msg("nats unsubscribe failed")
	}
	s.nc.Close()
	return nil
}
