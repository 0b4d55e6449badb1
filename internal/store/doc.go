// Package store provides the SQLite-backed Local Object Store and Request
// Queue.
//
// Two tables hold all durable state:
//   - objects: the local entity cache, one row per id, indexed by kind
//   - requests: the outbound mutation queue, keyed by an AUTOINCREMENT
//     sequence so that ids are strictly increasing and never reused
//
// # Ordering
//
// Queue order is defined solely by sequence. PeekOldest always returns the
// lowest sequence; timestamps are informational only.
//
// # Events
//
// Every Put and Remove publishes exactly one event.ObjectChanged while the
// store's write lock is held, so observers see events in the same order as
// the mutations they describe. Handlers may read the store but must not
// write to it synchronously.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - single connection: SQLite allows one writer; the pool is capped at 1
package store
