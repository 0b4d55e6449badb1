package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
)

// fixedNow is the time stamped on every write by createTestStore.
var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp dir with a fixed clock.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStoreWithBus creates a store wired to a fresh bus and returns
// a pointer to the recorded ObjectChanged events.
func createTestStoreWithBus(t *testing.T) (*Store, *[]event.ObjectChange) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	var changes []event.ObjectChange
	event.Subscribe(bus, event.ObjectChanged, func(c event.ObjectChange) {
		changes = append(changes, c)
	})
	return createTestStore(t, WithBus(bus)), &changes
}

// createTestObject creates a project object with the given JSON payload.
func createTestObject(id, payload string) record.StoredObject {
	return record.StoredObject{
		ID:      id,
		Kind:    "Project",
		Payload: json.RawMessage(payload),
	}
}

// createTestRequest creates a request with minimal required fields.
func createTestRequest(method, url string) record.QueuedRequest {
	return record.QueuedRequest{Method: method, URL: url}
}
