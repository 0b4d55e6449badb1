package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/offsync/internal/transport"
)

// ErrScriptedFailure is returned by RecordingTransport for failures
// scripted with FailWith.
var ErrScriptedFailure = errors.New("scripted transport failure")

// Call is one request seen by RecordingTransport.
type Call struct {
	Method  string
	URL     string
	Body    json.RawMessage
	Headers map[string]string
}

// Key returns "METHOD URL".
func (c Call) Key() string { return c.Method + " " + c.URL }

type scripted struct {
	resp  transport.Response
	err   error
	times int // remaining uses; -1 is unlimited
}

// RecordingTransport is a scriptable Transport that records every call.
//
// Unscripted requests succeed with 200 and no body. Responses and failures
// are keyed by "METHOD URL". A gate installed with Block holds every call
// until released, which lets tests pile triggers onto an in-flight cycle.
//
// Thread-safety: safe for concurrent use.
type RecordingTransport struct {
	mu      sync.Mutex
	calls   []Call
	counts  map[string]int
	scripts map[string]*scripted
	gate    chan struct{}
	entered chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// NewRecordingTransport creates an empty recording transport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{
		counts:  make(map[string]int),
		scripts: make(map[string]*scripted),
	}
}

// Respond scripts a response for every future call to method url.
func (t *RecordingTransport) Respond(method, url string, status int, body string) {
	var raw json.RawMessage
	if body != "" {
		raw = json.RawMessage(body)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[method+" "+url] = &scripted{
		resp:  transport.Response{Status: status, Body: raw},
		times: -1,
	}
}

// FailWith makes the next times calls to method url fail with
// ErrScriptedFailure. times < 0 fails forever.
func (t *RecordingTransport) FailWith(method, url string, times int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[method+" "+url] = &scripted{err: ErrScriptedFailure, times: times}
}

// Clear removes every scripted response and failure.
func (t *RecordingTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts = make(map[string]*scripted)
}

// Block holds every subsequent call until the returned release function is
// called. Entered receives once per call that reaches the gate.
func (t *RecordingTransport) Block() (entered <-chan struct{}, release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	gate := make(chan struct{})
	t.gate = gate
	t.entered = make(chan struct{}, 64)
	var once sync.Once
	return t.entered, func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gate == gate {
				t.gate = nil
			}
			t.mu.Unlock()
			close(gate)
		})
	}
}

// Execute implements the drain and facade transport contract.
func (t *RecordingTransport) Execute(ctx context.Context, method, url string, body json.RawMessage, headers map[string]string) (transport.Response, error) {
	n := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		peak := t.maxInFlight.Load()
		if n <= peak || t.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	call := Call{Method: method, URL: url, Body: append(json.RawMessage(nil), body...), Headers: copyHeaders(headers)}

	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.counts[call.Key()]++
	gate, entered := t.gate, t.entered
	t.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return transport.Response{}, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.scripts[call.Key()]
	if !ok {
		return transport.Response{Status: 200}, nil
	}
	if s.times == 0 {
		delete(t.scripts, call.Key())
		return transport.Response{Status: 200}, nil
	}
	if s.times > 0 {
		s.times--
	}
	if s.err != nil {
		return transport.Response{}, fmt.Errorf("%s: %w", call.Key(), s.err)
	}
	return s.resp, nil
}

// Calls returns every recorded call in arrival order.
func (t *RecordingTransport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Count returns how many times method url was executed.
func (t *RecordingTransport) Count(method, url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[method+" "+url]
}

// MaxInFlight returns the highest number of concurrent Execute calls seen.
func (t *RecordingTransport) MaxInFlight() int {
	return int(t.maxInFlight.Load())
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
