// Package eventlog provides structured journal logging for the watcher.
//
// This package defines the Logger interface and Event types for capturing
// watcher events (feed lifecycle, presence transitions, notification
// deliveries). It is separate from operational logging (slog) - the journal
// provides a complete machine-readable trace for debugging and after-the-fact
// analysis of what the watcher saw and did.
//
// # Basic Usage
//
// Applications configure journaling by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.Journal = eventlog.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Journal, _ = eventlog.NewFileLogger("/var/log/vrchat-watch/watch.vlog")
//
//	// Both: use MultiLogger
//	cfg.Journal = eventlog.NewMultiLogger(
//	    eventlog.NewSlogAdapter(slog.Default()),
//	    eventlog.NewFileLogger("/var/log/vrchat-watch/watch.vlog"),
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Connection: feed established, lost, retry scheduled, gone stale (ConnectionEvent)
//   - Presence: friend state transitions (PresenceEvent)
//   - Notification: delivery outcomes (NotificationEvent)
//
// Errors at any layer have a dedicated event type.
//
// # File Format
//
// Journal files use CBOR encoding with .vlog extension. Reader provides
// streaming access with filtering by session, user, category, and time range.
package eventlog
