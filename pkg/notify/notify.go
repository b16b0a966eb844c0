// Package notify delivers presence transition notifications.
//
// The watcher treats delivery as fire-and-forget: a Notifier runs its
// own bounded retry and reports the final outcome, and the caller only
// logs failures. Notifiers must tolerate concurrent calls.
package notify

import (
	"context"
	"time"
)

// Kind classifies a presence transition.
type Kind uint8

const (
	// KindOnline means the entity appeared after being offline.
	KindOnline Kind = iota
	// KindOffline means the entity disappeared.
	KindOffline
	// KindLocation means the entity moved between locations while online.
	KindLocation
)

// String returns the name of the transition kind.
func (k Kind) String() string {
	switch k {
	case KindOnline:
		return "ONLINE"
	case KindOffline:
		return "OFFLINE"
	case KindLocation:
		return "LOCATION"
	default:
		return "UNKNOWN"
	}
}

// Transition describes one presence change to announce. Previous and
// Current are location tokens; nil means offline.
type Transition struct {
	Kind        Kind
	UserID      string
	DisplayName string
	Previous    *string
	Current     *string

	// WorldName resolves the current location token to a human-readable
	// world name, when the feed supplied one.
	WorldName string

	// At is the observation time. The zero value means now.
	At time.Time
}

// Notifier delivers a transition to an outbound channel.
type Notifier interface {
	NotifyTransition(ctx context.Context, t Transition) error
}

// NopNotifier discards all transitions. Useful for dry runs and tests.
type NopNotifier struct{}

var _ Notifier = (*NopNotifier)(nil)

// NotifyTransition does nothing.
func (NopNotifier) NotifyTransition(context.Context, Transition) error {
	return nil
}

// Name returns "nop".
func (NopNotifier) Name() string { return "nop" }
