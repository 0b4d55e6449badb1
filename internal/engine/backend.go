package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/boltstore"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/syncer"
)

// Backend is a Local Object Store plus Request Queue. store.Store and
// boltstore.Store both implement it.
type Backend interface {
	syncer.Backend
	PeekOldest(ctx context.Context) (record.QueuedRequest, bool, error)
	Dequeue(ctx context.Context, sequence int64) (bool, error)
	ListRequests(ctx context.Context) ([]record.QueuedRequest, error)
	Count() int64
	HasPending() bool
	Close() error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*boltstore.Store)(nil)
)

func openBackend(cfg config.Config, bus *event.Bus, now func() time.Time, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		s, err := boltstore.Open(cfg.Database,
			boltstore.WithBus(bus),
			boltstore.WithClock(now),
			boltstore.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open bolt backend: %w", err)
		}
		return s, nil
	case config.BackendSQLite:
		s, err := store.Open(cfg.Database,
			store.WithBus(bus),
			store.WithClock(now),
			store.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
