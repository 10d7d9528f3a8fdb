// Package channel defines the outbound delivery path to a single subscriber
// and the transports that implement it.
package channel

import (
	"context"
	"errors"
)

// ErrClosed reports that the subscriber's transport is permanently gone.
// The subscriber will never be reachable at that id again.
var ErrClosed = errors.New("channel closed")

// Channel delivers an encoded payload to one subscriber.
//
// Send returns nil when the payload was delivered, an error wrapping ErrClosed
// when the subscriber is gone, and any other error for a temporary failure.
type Channel interface {
	Send(ctx context.Context, subscriberID string, payload []byte) error
}

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	Delivered         Outcome = "delivered"
	FailedPermanently Outcome = "failed_permanently"
	FailedTransiently Outcome = "failed_transiently"
)

// Classify maps a Send error onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, ErrClosed):
		return FailedPermanently
	default:
		return FailedTransiently
	}
}

// Func adapts a plain function to the Channel interface.
type Func func(ctx context.Context, subscriberID string, payload []byte) error

func (f Func) Send(ctx context.Context, subscriberID string, payload []byte) error {
	return f(ctx, subscriberID, payload)
}
