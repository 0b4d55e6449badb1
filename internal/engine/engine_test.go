package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/syncer"
	"github.com/roach88/offsync/internal/testutil"
)

type harness struct {
	engine    *Engine
	transport *testutil.RecordingTransport
	online    *connectivity.Switch

	mu      sync.Mutex
	drained []event.QueueDrain
	changed []event.ObjectChange
}

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend = backend
	cfg.Database = filepath.Join(t.TempDir(), "engine.db")
	cfg.Drain.QuietWindow = time.Millisecond
	cfg.Probe.Interval = 5 * time.Millisecond
	cfg.Server.Headers = map[string]string{"organization-context": "org-1"}
	return cfg
}

func openHarness(t *testing.T, cfg config.Config, online bool, ids ...string) *harness {
	t.Helper()
	h := &harness{
		transport: testutil.NewRecordingTransport(),
		online:    connectivity.NewSwitch(online),
	}
	e, err := Open(cfg,
		WithTransport(h.transport),
		WithProbe(h.online),
		WithIDGenerator(testutil.NewFixedIDs(ids...)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	h.engine = e

	event.Subscribe(e.Bus(), event.QueueDrained, func(d event.QueueDrain) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.drained = append(h.drained, d)
	})
	event.Subscribe(e.Bus(), event.ObjectChanged, func(c event.ObjectChange) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.changed = append(h.changed, c)
	})
	return h
}

func (h *harness) drainEvents() []event.QueueDrain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.QueueDrain(nil), h.drained...)
}

func TestOfflineWritesDrainInOrderWhenOnline(t *testing.T) {
	ctx := context.Background()
	h := openHarness(t, testConfig(t, config.BackendSQLite), false, "a", "b")

	projects, err := h.engine.Project()
	require.NoError(t, err)
	_, err = projects.Create(ctx, syncer.Project{Name: "A"})
	require.NoError(t, err)
	_, err = projects.Create(ctx, syncer.Project{Name: "B"})
	require.NoError(t, err)

	assert.Equal(t, StatusOffline, h.engine.Status())
	assert.True(t, h.engine.HasPendingChanges())

	// Triggers fired by Create are no-ops while offline.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.transport.Calls())

	h.online.Set(true)
	assert.Equal(t, StatusPending, h.engine.Status())

	res, err := h.engine.Scheduler().DrainNow(ctx)
	require.NoError(t, err)
	require.Len(t, res.Published, 2)

	calls := h.transport.Calls()
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"id":"a","name":"A"}`, string(calls[0].Body))
	assert.JSONEq(t, `{"id":"b","name":"B"}`, string(calls[1].Body))
	assert.Equal(t, "org-1", calls[0].Headers["organization-context"])

	events := h.drainEvents()
	require.Len(t, events, 1)
	assert.Len(t, events[0].Published, 2)
	assert.Equal(t, StatusSynced, h.engine.Status())
}

func TestFailedHeadStaysQueued(t *testing.T) {
	ctx := context.Background()
	h := openHarness(t, testConfig(t, config.BackendSQLite), true)

	f, err := h.engine.Facade("Project")
	require.NoError(t, err)
	h.transport.FailWith("PATCH", "/api/projects/x", -1)

	_, err = f.Update(ctx, record.Entity{"id": "x", "name": "X"})
	require.NoError(t, err)

	_, err = h.engine.Scheduler().DrainNow(ctx)
	require.NoError(t, err)

	reqs, err := h.engine.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "PATCH", reqs[0].Method)
	assert.Equal(t, "/api/projects/x", reqs[0].URL)
	assert.Empty(t, h.drainEvents())
}

func TestRun_TriggersOnReconnect(t *testing.T) {
	ctx := context.Background()
	h := openHarness(t, testConfig(t, config.BackendBolt), false, "p1")

	projects, err := h.engine.Project()
	require.NoError(t, err)
	_, err = projects.Create(ctx, syncer.Project{Name: "Offline"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(runCtx) }()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.engine.HasPendingChanges())

	h.online.Set(true)
	require.Eventually(t, func() bool { return !h.engine.HasPendingChanges() }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, h.transport.Count("POST", "/api/projects/"))
}

func TestRun_RetriesHaltedQueue(t *testing.T) {
	ctx := context.Background()
	h := openHarness(t, testConfig(t, config.BackendSQLite), true)

	f, err := h.engine.Facade("Project")
	require.NoError(t, err)
	h.transport.FailWith("DELETE", "/api/projects/p1", 2)
	require.NoError(t, f.Delete(ctx, "p1"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.engine.Run(runCtx)

	require.Eventually(t, func() bool { return !h.engine.HasPendingChanges() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.transport.Count("DELETE", "/api/projects/p1"))
}

func TestBackends_SurviveReopen(t *testing.T) {
	for _, backend := range []string{config.BackendSQLite, config.BackendBolt} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)

			e1, err := Open(cfg, WithTransport(testutil.NewRecordingTransport()), WithProbe(connectivity.NewSwitch(false)))
			require.NoError(t, err)
			f, err := e1.Facade("ProjectRoom")
			require.NoError(t, err)
			_, err = f.Create(ctx, record.Entity{"id": "r1", "name": "Kitchen"})
			require.NoError(t, err)
			require.NoError(t, e1.Close())
			require.NoError(t, e1.Close(), "Close is idempotent")

			e2, err := Open(cfg, WithTransport(testutil.NewRecordingTransport()), WithProbe(connectivity.NewSwitch(false)))
			require.NoError(t, err)
			defer e2.Close()

			assert.True(t, e2.HasPendingChanges())
			f2, err := e2.Facade("ProjectRoom")
			require.NoError(t, err)
			got, ok, err := f2.Get(ctx, "r1", false)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "Kitchen", got["name"])
		})
	}
}

func TestFacade_UnknownKind(t *testing.T) {
	h := openHarness(t, testConfig(t, config.BackendSQLite), true)
	_, err := h.engine.Facade("Invoice")
	assert.True(t, record.IsValidationError(err))

	a, err := h.engine.Facade("Project")
	require.NoError(t, err)
	b, err := h.engine.Facade("Project")
	require.NoError(t, err)
	assert.Same(t, a, b, "facades are cached per kind")

	c, err := h.engine.Facade("project")
	require.NoError(t, err)
	assert.Same(t, a, c, "kind names match case-insensitively")
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "redis")
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestOpen_KindsFile(t *testing.T) {
	cfg := testConfig(t, config.BackendSQLite)
	cfg.KindsFile = filepath.Join(t.TempDir(), "missing.cue")
	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestClose_StopsEvents(t *testing.T) {
	ctx := context.Background()
	h := openHarness(t, testConfig(t, config.BackendSQLite), true, "p1")

	f, err := h.engine.Facade("Project")
	require.NoError(t, err)
	_, err = f.Create(ctx, record.Entity{"name": "X"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Close())
	assert.Zero(t, event.SubscriberCount(h.engine.Bus(), event.ObjectChanged))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.changed, 1)
	assert.Equal(t, "p1", h.changed[0].ID)
}
