package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/itskum47/fanout/notify_plane/channel"
)

// Event types produced by the notify plane itself.
const (
	EventNewItem  = "new-item"
	EventItemList = "item-list"
	EventError    = "error"
	EventPong     = "pong"
)

// Event is a transient notification. Data is owned by the producer and is
// passed through unmodified.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals data into an Event of the given type.
func NewEvent(eventType string, data any) (Event, error) {
	if data == nil {
		return Event{Type: eventType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

// Encode validates the event and returns its wire form.
func (e Event) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return nil, fmt.Errorf("%w: data is not valid JSON", ErrInvalidEvent)
	}
	return json.Marshal(e)
}

// DeliveryReport summarizes one broadcast.
type DeliveryReport struct {
	Delivered int `json:"delivered"`
	// Failed counts both permanent and transient failures.
	Failed int `json:"failed"`
	// Removed lists subscribers pruned from the registry, sorted.
	Removed []string `json:"removed"`
	// Transient lists subscribers that failed but were kept, sorted.
	Transient []string `json:"transient,omitempty"`
}

// Total is the number of subscribers the broadcast attempted.
func (r DeliveryReport) Total() int {
	return r.Delivered + r.Failed
}

func (r DeliveryReport) String() string {
	return fmt.Sprintf("broadcast: %d delivered, %d failed, %d removed (total: %d)",
		r.Delivered, r.Failed, len(r.Removed), r.Total())
}

// Result is the outcome of delivering to one subscriber.
type Result struct {
	SubscriberID string          `json:"subscriber_id"`
	Outcome      channel.Outcome `json:"outcome"`
	// Removed is set when the subscriber was pruned from the registry.
	Removed bool `json:"removed"`
	// Err wraps ErrChannelClosed or ErrTransientDelivery when delivery failed.
	Err error `json:"-"`
}
