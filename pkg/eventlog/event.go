package eventlog

import (
	"time"
)

// Event represents a watcher journal event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the feed session the event belongs to (UUID).
	// Empty for events recorded outside an established session.
	SessionID string `cbor:"2,keyasint,omitempty"`

	// Category classifies the event type.
	Category Category `cbor:"3,keyasint"`

	// UserID is the VRChat user the event concerns
	// (presence and notification events).
	UserID string `cbor:"4,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Connection   *ConnectionEvent   `cbor:"10,keyasint,omitempty"` // Feed lifecycle
	Presence     *PresenceEvent     `cbor:"11,keyasint,omitempty"` // State transitions
	Notification *NotificationEvent `cbor:"12,keyasint,omitempty"` // Delivery outcomes
	Error        *ErrorEventData    `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryConnection indicates a feed lifecycle event.
	CategoryConnection Category = 0
	// CategoryPresence indicates a friend state transition.
	CategoryPresence Category = 1
	// CategoryNotification indicates a notification delivery outcome.
	CategoryNotification Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryConnection:
		return "CONNECTION"
	case CategoryPresence:
		return "PRESENCE"
	case CategoryNotification:
		return "NOTIFICATION"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ConnectionEvent captures feed lifecycle events.
type ConnectionEvent struct {
	// Phase of the feed lifecycle.
	Phase ConnectionPhase `cbor:"1,keyasint"`

	// Attempt is the retry attempt number (reconnecting only).
	Attempt int `cbor:"2,keyasint,omitempty"`

	// Delay until the retry fires (reconnecting only).
	// Stored as nanoseconds.
	Delay *time.Duration `cbor:"3,keyasint,omitempty"`

	// FailureKind classifies the failure that triggered the retry
	// ("TRANSIENT" or "AUTH", reconnecting only).
	FailureKind string `cbor:"4,keyasint,omitempty"`

	// Reason for the phase change (if available).
	Reason string `cbor:"5,keyasint,omitempty"`

	// FeedAge is the time since the last feed event (stale only).
	// Stored as nanoseconds.
	FeedAge *time.Duration `cbor:"6,keyasint,omitempty"`
}

// ConnectionPhase indicates the feed lifecycle phase.
type ConnectionPhase uint8

const (
	// PhaseConnected indicates the feed was established.
	PhaseConnected ConnectionPhase = 0
	// PhaseDisconnected indicates the feed was lost or shut down.
	PhaseDisconnected ConnectionPhase = 1
	// PhaseReconnecting indicates a retry was scheduled.
	PhaseReconnecting ConnectionPhase = 2
	// PhaseStale indicates the feed went quiet past the staleness threshold.
	PhaseStale ConnectionPhase = 3
)

// String returns the phase name.
func (p ConnectionPhase) String() string {
	switch p {
	case PhaseConnected:
		return "CONNECTED"
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseReconnecting:
		return "RECONNECTING"
	case PhaseStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// PresenceEvent captures a friend state transition.
type PresenceEvent struct {
	// DisplayName is the friend's display name at transition time.
	DisplayName string `cbor:"1,keyasint,omitempty"`

	// Previous is the state before the transition (nil means offline).
	Previous *string `cbor:"2,keyasint,omitempty"`

	// Current is the state after the transition (nil means offline).
	Current *string `cbor:"3,keyasint,omitempty"`

	// Trigger is the feed event type that caused the transition
	// (for example "friend-location"), or "reconcile" for transitions
	// detected by the startup roster poll.
	Trigger string `cbor:"4,keyasint,omitempty"`
}

// NotificationEvent captures the outcome of a notification delivery.
type NotificationEvent struct {
	// Channel the notification was sent through (for example "discord").
	Channel string `cbor:"1,keyasint"`

	// Delivered indicates whether the channel accepted the notification.
	Delivered bool `cbor:"2,keyasint"`

	// Attempts is the number of delivery attempts made.
	Attempts int `cbor:"3,keyasint,omitempty"`

	// Error is the final error message for failed deliveries.
	Error string `cbor:"4,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"2,keyasint,omitempty"`
}
