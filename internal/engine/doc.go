// Package engine assembles the offline sync engine from its parts.
//
// An Engine is an explicitly constructed service object: Open builds the
// event bus, the durable backend (SQLite or bbolt), the transport, the
// connectivity probe, the drain scheduler and the kind registry, and hands
// the same store and queue to every facade. Nothing is process-global, so
// tests open as many isolated engines as they need.
//
// ARCHITECTURE:
//
//	caller -> syncer.Facade -> Backend.Put (optimistic)
//	                        -> Backend.Enqueue (mutation)
//	                        -> drain.Scheduler.Trigger
//	Run -> connectivity.Watch -> Trigger on reconnect and while pending
//	drain cycle -> Transport.Execute -> Backend.Dequeue -> queue-drained
//
// LIFECYCLE:
//
// Close stops the scheduler first (an in-flight cycle finishes, queued
// debounce timers are dropped), then clears the bus, then closes the
// backend. Requests still queued at Close are replayed after the next Open.
package engine
