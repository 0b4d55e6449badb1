package drain

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/transport"
)

// DefaultQuietWindow is the debounce window applied to Trigger.
const DefaultQuietWindow = 200 * time.Millisecond

// ErrClosed is returned by DrainNow after Close.
var ErrClosed = errors.New("drain scheduler closed")

// Queue is the part of the Request Queue a drain needs.
type Queue interface {
	PeekOldest(ctx context.Context) (record.QueuedRequest, bool, error)
	Dequeue(ctx context.Context, sequence int64) (bool, error)
}

// Transport executes one request descriptor.
type Transport interface {
	Execute(ctx context.Context, method, url string, body json.RawMessage, headers map[string]string) (transport.Response, error)
}

// Result summarizes one drain cycle.
type Result struct {
	// Published lists the requests executed and dequeued, in order.
	Published []record.QueuedRequest

	// Failed is the request that halted the cycle, if any.
	Failed *record.QueuedRequest

	// Offline is set when the cycle was skipped because the probe
	// reported no connectivity.
	Offline bool
}

// Scheduler debounces drain triggers and runs cycles one at a time.
//
// Thread-safety: Trigger, DrainNow and Close are safe for concurrent use.
type Scheduler struct {
	queue     Queue
	transport Transport
	probe     connectivity.Probe
	bus       *event.Bus
	logger    *slog.Logger
	quiet     time.Duration

	// sem is the single-flight slot (buffered, size 1).
	sem     chan struct{}
	pending atomic.Bool

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus sets the bus that receives QueueDrained events.
func WithBus(b *event.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithQuietWindow overrides DefaultQuietWindow. Zero fires on the next tick.
func WithQuietWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.quiet = d
		}
	}
}

// New creates a Scheduler.
func New(q Queue, t Transport, p connectivity.Probe, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:     q,
		transport: t,
		probe:     p,
		logger:    slog.Default(),
		quiet:     DefaultQuietWindow,
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a drain. The attempt fires once no further trigger has
// arrived for the quiet window. Trigger never blocks and is a no-op after
// Close.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	// A stopped timer has not fired, so its wg slot is still reserved.
	if s.timer != nil && s.timer.Stop() {
		s.timer.Reset(s.quiet)
		return
	}
	s.wg.Add(1)
	s.timer = time.AfterFunc(s.quiet, func() {
		defer s.wg.Done()
		s.run()
	})
}

// run marks a drain as wanted and, if the slot is free, drains until no
// trigger remains. If the slot is taken the holder sees the flag.
func (s *Scheduler) run() {
	s.pending.Store(true)
	for s.pending.Load() {
		select {
		case s.sem <- struct{}{}:
		default:
			return
		}
		for s.pending.Swap(false) {
			s.cycle(context.Background())
		}
		<-s.sem
		// A trigger may have set the flag after the inner loop's last check
		// but before the release; loop to re-acquire rather than drop it.
	}
}

// DrainNow runs one cycle synchronously, waiting for the single-flight
// slot. ctx bounds the wait and is passed to the queue and transport.
func (s *Scheduler) DrainNow(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Result{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	res, err := s.cycle(ctx)
	<-s.sem

	// Background runs that found the slot taken left the flag set.
	if s.pending.Load() {
		s.spawn()
	}
	return res, err
}

func (s *Scheduler) spawn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Close stops the debounce timer, rejects further triggers and waits for
// the in-flight cycle to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// cycle drains the queue head-first until it is empty or a request fails.
func (s *Scheduler) cycle(ctx context.Context) (Result, error) {
	var res Result
	if !s.probe.IsOnline() {
		s.logger.Debug("drain skipped: offline")
		res.Offline = true
		return res, nil
	}

	var cycleErr error
	for {
		req, ok, err := s.queue.PeekOldest(ctx)
		if err != nil {
			s.logger.Error("drain halted: peek failed", "error", err)
			cycleErr = err
			break
		}
		if !ok {
			break
		}

		resp, err := s.transport.Execute(ctx, req.Method, req.URL, req.Body, req.Headers)
		if err != nil || !resp.OK() {
			failed := req
			res.Failed = &failed
			s.logger.Warn("drain halted",
				"sequence", req.Sequence,
				"method", req.Method,
				"url", req.URL,
				"status", resp.Status,
				"error", err,
			)
			break
		}

		if _, err := s.queue.Dequeue(ctx, req.Sequence); err != nil {
			s.logger.Error("drain halted: dequeue failed",
				"sequence", req.Sequence,
				"error", err,
			)
			cycleErr = err
			break
		}
		s.logger.Debug("request published", "sequence", req.Sequence, "method", req.Method, "url", req.URL)
		res.Published = append(res.Published, req)
	}

	if len(res.Published) > 0 {
		s.logger.Info("queue drained", "published", len(res.Published))
		if s.bus != nil {
			published := make([]record.QueuedRequest, len(res.Published))
			for i, r := range res.Published {
				published[i] = r.Clone()
			}
			event.Publish(s.bus, event.QueueDrained, event.QueueDrain{Published: published})
		}
	}
	return res, cycleErr
}
