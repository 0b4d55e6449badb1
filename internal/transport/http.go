// Package transport executes queued request descriptors against the server.
//
// HTTP wraps net/http with a token-bucket rate limiter (golang.org/x/time/rate)
// and a circuit breaker (sony/gobreaker) so a failing server is not hammered
// by every drain trigger. A non-2xx response is returned as a Response with
// a nil error; callers decide success with Response.OK.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/roach88/offsync/internal/record"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Response is the outcome of one executed request.
type Response struct {
	Status int
	Body   json.RawMessage
}

// OK reports whether the status is 2xx.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Config holds HTTP transport settings.
type Config struct {
	// BaseURL is prefixed to relative request URLs.
	BaseURL string

	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration

	// Headers are sent with every request. Per-request headers win.
	Headers map[string]string

	// RateLimit is the sustained requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// MaxFailures consecutive failures open the breaker. Zero means 5.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// HTTP is a Transport backed by net/http.
//
// Thread-safety: safe for concurrent use.
type HTTP struct {
	base    string
	client  *http.Client
	headers map[string]string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Option configures HTTP.
type Option func(*HTTP)

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClient replaces the underlying HTTP client. The configured timeout is
// not applied to a replaced client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// errServerStatus marks 5xx responses so the breaker counts them.
var errServerStatus = errors.New("server error status")

// New creates an HTTP transport.
func New(cfg Config, opts ...Option) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	h := &HTTP{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		headers: cfg.Headers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "offsync-http",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Info("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return h
}

// Execute performs one request. Relative URLs are resolved against the
// configured base URL.
func (h *HTTP) Execute(ctx context.Context, method, url string, body json.RawMessage, headers map[string]string) (Response, error) {
	op := method + " " + url

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Response{}, record.NewTransportError(op, fmt.Errorf("rate limit: %w", err))
		}
	}

	out, err := h.breaker.Execute(func() (interface{}, error) {
		resp, err := h.do(ctx, method, h.resolve(url), body, headers)
		if err != nil {
			return nil, err
		}
		if resp.Status >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})

	if errors.Is(err, errServerStatus) {
		resp := out.(Response)
		h.logger.Debug("request failed", "op", op, "status", resp.Status)
		return resp, nil
	}
	if err != nil {
		return Response{}, record.NewTransportError(op, err)
	}

	resp := out.(Response)
	h.logger.Debug("request executed", "op", op, "status", resp.Status)
	return resp, nil
}

func (h *HTTP) resolve(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return h.base + url
}

func (h *HTTP) do(ctx context.Context, method, url string, body json.RawMessage, headers map[string]string) (Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	out := Response{Status: resp.StatusCode}
	if len(bytes.TrimSpace(data)) > 0 && json.Valid(data) {
		out.Body = data
	}
	return out, nil
}
