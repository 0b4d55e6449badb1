// Package connectivity answers "is the server reachable right now?".
//
// The drain scheduler polls a Probe at the start of every cycle. Probes must
// be cheap and non-blocking from the caller's perspective; HTTPProbe caches
// its answer for a short TTL so repeated polls do not hit the network.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Probe reports current network reachability.
type Probe interface {
	IsOnline() bool
}

// Switch is a Probe whose state is set explicitly. It backs the
// probe.offline config flag and test scenarios.
//
// Thread-safety: safe for concurrent use.
type Switch struct {
	online atomic.Bool
}

// NewSwitch returns a Switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.online.Store(online)
	return s
}

// IsOnline implements Probe.
func (s *Switch) IsOnline() bool { return s.online.Load() }

// Set changes the state and reports whether it differed.
func (s *Switch) Set(online bool) bool {
	return s.online.Swap(online) != online
}

// HTTPProbe considers the server online when a HEAD request to URL returns
// any response below 500 within Timeout.
type HTTPProbe struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	last      bool
}

// HTTPProbeOption configures an HTTPProbe.
type HTTPProbeOption func(*HTTPProbe)

// WithTTL sets how long a probe result is reused. Zero disables caching.
func WithTTL(ttl time.Duration) HTTPProbeOption {
	return func(p *HTTPProbe) { p.ttl = ttl }
}

// WithHTTPClient replaces the probe's HTTP client.
func WithHTTPClient(c *http.Client) HTTPProbeOption {
	return func(p *HTTPProbe) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the probe logger.
func WithLogger(l *slog.Logger) HTTPProbeOption {
	return func(p *HTTPProbe) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewHTTPProbe creates a probe against url.
func NewHTTPProbe(url string, opts ...HTTPProbeOption) *HTTPProbe {
	p := &HTTPProbe{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Second},
		ttl:    time.Second,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsOnline implements Probe. Concurrent callers share one in-flight check.
func (p *HTTPProbe) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ttl > 0 && !p.checkedAt.IsZero() && p.now().Sub(p.checkedAt) < p.ttl {
		return p.last
	}

	online := p.check()
	if online != p.last {
		p.logger.Debug("connectivity changed", "url", p.url, "online", online)
	}
	p.last = online
	p.checkedAt = p.now()
	return online
}

func (p *HTTPProbe) check() bool {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
