package channel

import (
	"context"

	"github.com/rs/zerolog"
)

// LogChannel writes every delivery to the log instead of a transport.
// Useful for dry runs; it never fails.
type LogChannel struct {
	logger zerolog.Logger
}

func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{
		logger: logger.With().Str("channel", "log").Logger(),
	}
}

func (c *LogChannel) Send(ctx context.Context, subscriberID string, payload []byte) error {
	c.logger.Info().
		Str("subscriber_id", subscriberID).
		RawJSON("payload", payload).
		Msg("deliver")
	return nil
}
