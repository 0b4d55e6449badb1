package drain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// countingProbe counts cycles: every cycle polls the probe exactly once.
type countingProbe struct {
	connectivity.Probe
	polls atomic.Int32
}

func (p *countingProbe) IsOnline() bool {
	p.polls.Add(1)
	return p.Probe.IsOnline()
}

type fixture struct {
	store     *store.Store
	transport *testutil.RecordingTransport
	probe     *countingProbe
	online    *connectivity.Switch
	sched     *Scheduler

	mu      sync.Mutex
	drained []event.QueueDrain
}

func newFixture(t *testing.T, quiet time.Duration) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:     s,
		transport: testutil.NewRecordingTransport(),
		online:    connectivity.NewSwitch(true),
	}
	f.probe = &countingProbe{Probe: f.online}

	bus := event.NewBus()
	t.Cleanup(bus.Close)
	event.Subscribe(bus, event.QueueDrained, func(d event.QueueDrain) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.drained = append(f.drained, d)
	})

	f.sched = New(s, f.transport, f.probe, WithBus(bus), WithQuietWindow(quiet))
	t.Cleanup(f.sched.Close)
	return f
}

func (f *fixture) enqueue(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		_, err := f.store.Enqueue(context.Background(), record.QueuedRequest{Method: "POST", URL: u})
		require.NoError(t, err)
	}
}

func (f *fixture) events() []event.QueueDrain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.QueueDrain(nil), f.drained...)
}

func urlsOf(reqs []record.QueuedRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.URL
	}
	return out
}

func TestDrainNow_OfflineIsNoop(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.online.Set(false)
	f.enqueue(t, "/a", "/b")

	res, err := f.sched.DrainNow(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Empty(t, f.transport.Calls())
	assert.Equal(t, int64(2), f.store.Count())
	assert.Empty(t, f.events())
}

func TestDrainNow_PublishesInOrder(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a", "/b", "/c")

	res, err := f.sched.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c"}, urlsOf(res.Published))
	assert.Nil(t, res.Failed)
	assert.False(t, f.store.HasPending())

	var executed []string
	for _, c := range f.transport.Calls() {
		executed = append(executed, c.URL)
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, executed)

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"/a", "/b", "/c"}, urlsOf(events[0].Published))
}

func TestDrainNow_HaltsOnFailure(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a", "/b", "/c")
	f.transport.FailWith("POST", "/b", -1)

	res, err := f.sched.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, urlsOf(res.Published))
	require.NotNil(t, res.Failed)
	assert.Equal(t, "/b", res.Failed.URL)
	assert.Zero(t, f.transport.Count("POST", "/c"), "nothing after the failure runs")

	remaining, err := f.store.ListRequests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/b", "/c"}, urlsOf(remaining))

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, []string{"/a"}, urlsOf(events[0].Published))
}

func TestDrainNow_NonSuccessStatusHalts(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a")
	f.transport.Respond("POST", "/a", 409, `{"error":"conflict"}`)

	res, err := f.sched.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Published)
	require.NotNil(t, res.Failed)
	assert.Equal(t, int64(1), f.store.Count())
}

func TestDrainNow_FirstFailurePublishesNothing(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a", "/b")
	f.transport.FailWith("POST", "/a", 1)

	_, err := f.sched.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.events(), "no queue-drained event when nothing was published")

	// The retry resumes from the failed request.
	res, err := f.sched.DrainNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, urlsOf(res.Published))
	assert.Equal(t, 2, f.transport.Count("POST", "/a"))
}

func TestTrigger_DebouncesBurst(t *testing.T) {
	f := newFixture(t, 40*time.Millisecond)
	f.enqueue(t, "/a")

	for i := 0; i < 10; i++ {
		f.sched.Trigger()
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return !f.store.HasPending() }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), f.probe.polls.Load(), "burst coalesces into one cycle")
	assert.Equal(t, 1, f.transport.Count("POST", "/a"))
}

func TestTrigger_DuringCycleRunsOnceMore(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a")
	entered, release := f.transport.Block()

	f.sched.Trigger()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never started")
	}

	// Pile triggers onto the running cycle.
	f.enqueue(t, "/b")
	for i := 0; i < 5; i++ {
		f.sched.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	release()

	require.Eventually(t, func() bool { return f.probe.polls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), f.probe.polls.Load(), "exactly one re-run")
	assert.False(t, f.store.HasPending())
	assert.Equal(t, 1, f.transport.Count("POST", "/a"))
	assert.Equal(t, 1, f.transport.Count("POST", "/b"))
}

func TestConcurrentTriggers_ExecuteEachRequestOnce(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	var urls []string
	for i := 0; i < 20; i++ {
		urls = append(urls, fmt.Sprintf("/r/%02d", i))
	}
	f.enqueue(t, urls...)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.sched.Trigger()
		}()
		go func() {
			defer wg.Done()
			_, err := f.sched.DrainNow(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return !f.store.HasPending() }, 2*time.Second, 5*time.Millisecond)
	f.sched.Close()

	for _, u := range urls {
		assert.Equal(t, 1, f.transport.Count("POST", u), "request %s", u)
	}
	assert.Equal(t, 1, f.transport.MaxInFlight(), "cycles never overlap")

	var published []string
	for _, e := range f.events() {
		published = append(published, urlsOf(e.Published)...)
	}
	assert.Equal(t, urls, published, "events report every request once, in order")
}

func TestDrainNow_HonorsContextWhileWaiting(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a")
	entered, release := f.transport.Block()
	defer release()

	go f.sched.DrainNow(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.sched.DrainNow(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_WaitsForInFlightCycle(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.enqueue(t, "/a")
	entered, release := f.transport.Block()

	f.sched.Trigger()
	<-entered

	closed := make(chan struct{})
	go func() {
		f.sched.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a cycle was running")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.False(t, f.store.HasPending(), "the in-flight cycle completed")

	f.sched.Trigger()
	_, err := f.sched.DrainNow(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_CancelsPendingTimer(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.enqueue(t, "/a")

	f.sched.Trigger()
	f.sched.Close()

	assert.Zero(t, f.probe.polls.Load())
	assert.True(t, f.store.HasPending())
}

type brokenQueue struct{}

func (brokenQueue) PeekOldest(context.Context) (record.QueuedRequest, bool, error) {
	return record.QueuedRequest{}, false, record.NewStorageError("peek oldest", errors.New("disk gone"))
}

func (brokenQueue) Dequeue(context.Context, int64) (bool, error) { return false, nil }

func TestDrainNow_StorageErrorHalts(t *testing.T) {
	sched := New(brokenQueue{}, testutil.NewRecordingTransport(), connectivity.NewSwitch(true))
	defer sched.Close()

	_, err := sched.DrainNow(context.Background())
	assert.True(t, record.IsStorageError(err))
}
