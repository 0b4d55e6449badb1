package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
)

func TestBus_PublishInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var got []string

	Subscribe(b, ObjectChanged, func(c ObjectChange) { got = append(got, "first:"+c.ID) })
	Subscribe(b, ObjectChanged, func(c ObjectChange) { got = append(got, "second:"+c.ID) })

	Publish(b, ObjectChanged, ObjectChange{ID: "p1"})

	assert.Equal(t, []string{"first:p1", "second:p1"}, got)
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := NewBus()
	objectEvents, drainEvents := 0, 0

	Subscribe(b, ObjectChanged, func(ObjectChange) { objectEvents++ })
	Subscribe(b, QueueDrained, func(QueueDrain) { drainEvents++ })

	Publish(b, QueueDrained, QueueDrain{Published: []record.QueuedRequest{{Sequence: 1}}})

	assert.Equal(t, 0, objectEvents)
	assert.Equal(t, 1, drainEvents)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	calls := 0
	unsub := Subscribe(b, ObjectChanged, func(ObjectChange) { calls++ })

	Publish(b, ObjectChanged, ObjectChange{ID: "a"})
	unsub()
	unsub() // second call is a no-op
	Publish(b, ObjectChanged, ObjectChange{ID: "b"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, SubscriberCount(b, ObjectChanged))
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := NewBus()
	var after []string

	Subscribe(b, ObjectChanged, func(ObjectChange) { panic("boom") })
	Subscribe(b, ObjectChanged, func(c ObjectChange) { after = append(after, c.ID) })

	require.NotPanics(t, func() {
		Publish(b, ObjectChanged, ObjectChange{ID: "p1"})
	})
	assert.Equal(t, []string{"p1"}, after)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	b := NewBus()
	calls := 0
	var unsub func()
	unsub = Subscribe(b, ObjectChanged, func(ObjectChange) {
		calls++
		unsub()
	})
	Subscribe(b, ObjectChanged, func(ObjectChange) { calls++ })

	Publish(b, ObjectChanged, ObjectChange{ID: "a"})
	Publish(b, ObjectChanged, ObjectChange{ID: "b"})

	assert.Equal(t, 3, calls)
}

func TestBus_Close(t *testing.T) {
	b := NewBus()
	calls := 0
	Subscribe(b, ObjectChanged, func(ObjectChange) { calls++ })

	b.Close()
	Publish(b, ObjectChanged, ObjectChange{ID: "a"})
	Subscribe(b, ObjectChanged, func(ObjectChange) { calls++ })
	Publish(b, ObjectChanged, ObjectChange{ID: "b"})

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, SubscriberCount(b, ObjectChanged))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	Subscribe(b, ObjectChanged, func(ObjectChange) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Publish(b, ObjectChanged, ObjectChange{ID: "x"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}

func TestTopic_Name(t *testing.T) {
	assert.Equal(t, "object-changed", ObjectChanged.Name())
	assert.Equal(t, "queue-drained", QueueDrained.Name())
}
