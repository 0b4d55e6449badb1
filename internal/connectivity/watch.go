package connectivity

import (
	"context"
	"time"
)

// Watch polls p every interval until ctx is done, calling fn with the
// current state and whether it differs from the previous poll. The first
// poll happens immediately and counts as a change when the probe is online.
func Watch(ctx context.Context, p Probe, interval time.Duration, fn func(online, changed bool)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := false
	for {
		online := p.IsOnline()
		fn(online, online != prev)
		prev = online

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
