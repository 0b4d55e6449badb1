package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/record"
)

func TestResponse_OK(t *testing.T) {
	assert.True(t, Response{Status: 200}.OK())
	assert.True(t, Response{Status: 204}.OK())
	assert.False(t, Response{Status: 302}.OK())
	assert.False(t, Response{Status: 404}.OK())
	assert.False(t, Response{}.OK())
}

func TestExecute_SendsRequest(t *testing.T) {
	var (
		gotMethod, gotPath, gotBody string
		gotHeader                   http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotHeader = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"p1"}`))
	}))
	defer srv.Close()

	h := New(Config{
		BaseURL: srv.URL + "/",
		Headers: map[string]string{"organization-context": "org-1", "X-Trace": "default"},
	})

	resp, err := h.Execute(context.Background(), "POST", "/api/projects/",
		json.RawMessage(`{"name":"X"}`), map[string]string{"X-Trace": "override"})
	require.NoError(t, err)

	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"id":"p1"}`, string(resp.Body))

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/api/projects/", gotPath)
	assert.Equal(t, `{"name":"X"}`, gotBody)
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "org-1", gotHeader.Get("organization-context"))
	assert.Equal(t, "override", gotHeader.Get("X-Trace"), "per-request headers win")
}

func TestExecute_NonSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	h := New(Config{BaseURL: srv.URL})
	resp, err := h.Execute(context.Background(), "PATCH", "/api/projects/p1", nil, nil)
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Nil(t, resp.Body, "non-JSON bodies are dropped")
}

func TestExecute_NetworkErrorIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	h := New(Config{BaseURL: base, Timeout: time.Second})
	_, err := h.Execute(context.Background(), "DELETE", "/api/projects/p1", nil, nil)
	require.Error(t, err)
	assert.True(t, record.IsTransportError(err))
}

func TestExecute_BreakerOpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := New(Config{BaseURL: srv.URL, MaxFailures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := h.Execute(ctx, "GET", "/api/projects/", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	}

	_, err := h.Execute(ctx, "GET", "/api/projects/", nil, nil)
	assert.True(t, record.IsTransportError(err), "open breaker rejects without calling the server")
	assert.Equal(t, int32(2), hits.Load())
}

func TestExecute_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	h := New(Config{BaseURL: srv.URL, RateLimit: 0.001, RateBurst: 1})

	_, err := h.Execute(context.Background(), "GET", "/a", nil, nil)
	require.NoError(t, err, "burst allows the first request")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Execute(ctx, "GET", "/a", nil, nil)
	assert.True(t, record.IsTransportError(err))
}

func TestResolve(t *testing.T) {
	h := New(Config{BaseURL: "http://api.example.com/"})
	assert.Equal(t, "http://api.example.com/api/projects/", h.resolve("/api/projects/"))
	assert.Equal(t, "http://api.example.com/api/projects/", h.resolve("api/projects/"))
	assert.Equal(t, "https://other.example.com/x", h.resolve("https://other.example.com/x"))
}
