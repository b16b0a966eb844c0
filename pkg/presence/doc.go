// Package presence tracks the last known location of each watched
// entity and turns a stream of possibly-redundant observations into
// true transitions.
//
// The store is the single owner of the entity mapping. Updates are
// applied synchronously in arrival order, so transition detection
// cannot race between the startup reconciliation pass and live
// events. Every mutation schedules a debounced snapshot write; Flush
// forces the write at shutdown.
package presence
