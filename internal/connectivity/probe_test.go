package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitch(t *testing.T) {
	s := NewSwitch(false)
	assert.False(t, s.IsOnline())

	assert.True(t, s.Set(true), "offline to online is a change")
	assert.True(t, s.IsOnline())
	assert.False(t, s.Set(true), "same state is not a change")
}

func TestHTTPProbe_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"not found still reachable", http.StatusNotFound, true},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewHTTPProbe(srv.URL, WithTTL(0))
			assert.Equal(t, tt.want, p.IsOnline())
		})
	}
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewHTTPProbe(url, WithTTL(0))
	assert.False(t, p.IsOnline())
}

func TestHTTPProbe_CachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewHTTPProbe(srv.URL, WithTTL(time.Minute))
	p.now = func() time.Time { return now }

	require.True(t, p.IsOnline())
	require.True(t, p.IsOnline())
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Minute)
	require.True(t, p.IsOnline())
	assert.Equal(t, int32(2), hits.Load())
}

func TestWatch_ReportsTransitions(t *testing.T) {
	s := NewSwitch(false)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu    sync.Mutex
		polls []bool
		flips int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, s, 5*time.Millisecond, func(online, changed bool) {
			mu.Lock()
			defer mu.Unlock()
			polls = append(polls, online)
			if changed {
				flips++
				if online {
					cancel()
				}
			}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	s.Set(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe the transition")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, polls[0], "first poll sees the offline state")
	assert.True(t, polls[len(polls)-1])
	assert.Equal(t, 1, flips, "only the offline to online poll is a change")
}
