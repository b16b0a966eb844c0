// Package connection supervises the long-lived subscription to the
// remote event stream.
//
// This package handles:
//   - Exponential backoff for reconnection attempts
//   - Jitter to prevent thundering herd
//   - Connection state tracking
//   - Automatic reconnection on connection loss
//   - Staleness monitoring of the inbound event feed
//
// # Reconnection Strategy
//
// When a connection attempt fails or a live connection is lost, the
// supervisor retries with exponential backoff:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Continue at 60s until successful
//  5. Reset to 1s on successful reconnection
//
// Failures whose text looks like a credential rejection are retried on
// a fixed 30 minute cooldown instead: retrying quickly after an auth
// rejection is presumed futile until credentials change out-of-band.
//
// # Jitter
//
// To prevent thundering herd when many watchers reconnect at once, the
// delay is scaled by a uniform random factor:
//
//	actual_delay = base_delay * random(0.75, 1.25)
//
// The factor is applied after clamping, so the 60s ceiling can be
// exceeded by at most 25%.
//
// # Single-Flight
//
// At most one reconnect attempt is ever in flight. Fault signals
// arriving while a retry is already scheduled are swallowed rather
// than scheduling a second timer.
package connection
