package broadcast

import (
	"errors"
	"fmt"

	"github.com/itskum47/fanout/notify_plane/channel"
	"github.com/itskum47/fanout/notify_plane/store"
)

var (
	// ErrInvalidSubscriber rejects registry calls without a subscriber id.
	ErrInvalidSubscriber = store.ErrInvalidSubscriber

	// ErrInvalidEvent rejects events without a type or with undecodable data.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrChannelClosed marks a subscriber that is permanently gone.
	ErrChannelClosed = channel.ErrClosed

	// ErrTransientDelivery marks a delivery that failed but may succeed later.
	ErrTransientDelivery = errors.New("transient delivery failure")

	// ErrRegistryUnavailable is returned when the backing store cannot be read or written.
	ErrRegistryUnavailable = errors.New("registry unavailable")
)

// RegistryError represents a failed registry operation.
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRegistryUnavailable) hold for every RegistryError.
func (e *RegistryError) Is(target error) bool {
	return target == ErrRegistryUnavailable
}

// IsValidation reports whether err was caused by malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSubscriber) || errors.Is(err, ErrInvalidEvent)
}
