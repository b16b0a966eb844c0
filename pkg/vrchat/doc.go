// Package vrchat talks to the VRChat API on behalf of the watcher.
//
// Three pieces:
//   - Client: REST access (credential login, paged friends roster) and
//     websocket dialing. Authentication is a cookie captured at login and
//     reusable across restarts.
//   - Pipeline: the live websocket feed. A background read loop decodes
//     inbound messages and dispatches typed events to per-kind handlers.
//   - DecodeEvent: the validation boundary. Raw feed bytes decode into
//     exactly one of the known event shapes or are rejected, before any
//     business logic sees them.
//
// # Wire Format
//
// Every pipeline message is an envelope {type, content} where content is
// itself a JSON document encoded as a string, a quirk of the upstream
// feed. The watcher consumes the friend-location, friend-online,
// friend-offline and friend-update types; everything else decodes to
// ErrUnknownEvent and is skipped.
//
// # Locations
//
// A friend's location is an opaque token. "offline" and the empty string
// normalize to "no location" (ParseLocation returns nil); "private",
// "traveling" and world:instance identifiers pass through unchanged and
// are only ever compared for equality.
package vrchat
