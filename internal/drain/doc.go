// Package drain replays queued requests against the server.
//
// A Scheduler owns the single-flight guarantee: at most one drain cycle runs
// at any instant, no matter how many goroutines call Trigger or DrainNow.
// Triggers are debounced by a quiet window; a trigger that arrives while a
// cycle is running is never lost, the running loop picks it up and runs
// once more before releasing the slot.
//
// A cycle executes requests strictly in sequence order and halts on the
// first failure, leaving the failed request at the head of the queue. The
// queue therefore delivers at-least-once: a request whose dequeue fails
// after a successful execution is executed again by the next cycle.
package drain
