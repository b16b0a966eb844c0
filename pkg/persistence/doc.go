// Package persistence provides durable snapshots of the presence store.
//
// This package handles the JSON serialization of the entity mapping
// that must survive watcher restarts. The snapshot file is owned
// exclusively by the presence store; durability is best-effort, so a
// missing file simply means an empty initial state.
package persistence
