package engine

import (
	"context"

	"github.com/roach88/offsync/internal/connectivity"
)

// Run watches connectivity until ctx is cancelled. It triggers a drain on
// every offline to online transition and on every poll that finds the
// server reachable with requests still queued, so a halted queue is retried
// without a new write.
//
// Returns ctx.Err() when cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine watching connectivity", "interval", e.cfg.Probe.Interval)

	connectivity.Watch(ctx, e.probe, e.cfg.Probe.Interval, func(online, changed bool) {
		if changed {
			e.logger.Info("connectivity changed", "online", online)
		}
		if online && (changed || e.backend.HasPending()) {
			e.sched.Trigger()
		}
	})

	e.logger.Info("engine stopping: context cancelled")
	return ctx.Err()
}
