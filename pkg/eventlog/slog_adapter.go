package eventlog

import (
	"context"
	"log/slog"
)

// SlogAdapter writes journal events to an slog.Logger.
// Useful for development when you want to see journal events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("category", event.Category.String()),
	}

	// Add optional identifiers
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}

	// Add type-specific attributes
	switch {
	case event.Connection != nil:
		attrs = append(attrs, slog.String("phase", event.Connection.Phase.String()))
		if event.Connection.Attempt > 0 {
			attrs = append(attrs, slog.Int("attempt", event.Connection.Attempt))
		}
		if event.Connection.Delay != nil {
			attrs = append(attrs, slog.Duration("delay", *event.Connection.Delay))
		}
		if event.Connection.FailureKind != "" {
			attrs = append(attrs, slog.String("failure_kind", event.Connection.FailureKind))
		}
		if event.Connection.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.Connection.Reason))
		}
		if event.Connection.FeedAge != nil {
			attrs = append(attrs, slog.Duration("feed_age", *event.Connection.FeedAge))
		}
	case event.Presence != nil:
		attrs = append(attrs, slog.String("display_name", event.Presence.DisplayName))
		if event.Presence.Previous != nil {
			attrs = append(attrs, slog.String("previous", *event.Presence.Previous))
		}
		if event.Presence.Current != nil {
			attrs = append(attrs, slog.String("current", *event.Presence.Current))
		}
		if event.Presence.Trigger != "" {
			attrs = append(attrs, slog.String("trigger", event.Presence.Trigger))
		}
	case event.Notification != nil:
		attrs = append(attrs,
			slog.String("channel", event.Notification.Channel),
			slog.Bool("delivered", event.Notification.Delivered),
		)
		if event.Notification.Attempts > 0 {
			attrs = append(attrs, slog.Int("attempts", event.Notification.Attempts))
		}
		if event.Notification.Error != "" {
			attrs = append(attrs, slog.String("error", event.Notification.Error))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "journal", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
