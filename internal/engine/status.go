package engine

// Status summarizes sync state for a pending-changes indicator.
type Status string

const (
	// StatusOffline means the server is unreachable; writes are queued.
	StatusOffline Status = "offline"
	// StatusPending means the server is reachable and writes await a drain.
	StatusPending Status = "pending"
	// StatusSynced means no writes are queued.
	StatusSynced Status = "synced"
)

// HasPendingChanges reports whether any request is queued.
func (e *Engine) HasPendingChanges() bool {
	return e.backend.HasPending()
}

// Status returns the current sync state. Offline wins over pending.
func (e *Engine) Status() Status {
	if !e.probe.IsOnline() {
		return StatusOffline
	}
	if e.backend.HasPending() {
		return StatusPending
	}
	return StatusSynced
}
