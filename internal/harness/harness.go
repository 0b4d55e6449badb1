package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/connectivity"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/event"
	"github.com/roach88/offsync/internal/kinds"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/testutil"
	"github.com/roach88/offsync/internal/transport"
)

// epoch is the first instant of every run's stepping clock.
var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness is the scenario execution engine.
type Harness struct {
	eng      *engine.Engine
	server   *testutil.RecordingTransport
	probe    *connectivity.Switch
	recorder *recorder
	logger   *slog.Logger
}

// recorder assigns sequence numbers to trace events. Events arrive from
// the step goroutine and, through bus handlers, from drain goroutines.
type recorder struct {
	mu     sync.Mutex
	seq    int64
	events []TraceEvent
}

func (r *recorder) add(ev TraceEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	r.events = append(r.events, ev)
	return len(r.events) - 1
}

func (r *recorder) markError(idx int, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[idx].Error = code
}

func (r *recorder) trace() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}

// tracingTransport records every request the engine sends.
type tracingTransport struct {
	inner    *testutil.RecordingTransport
	recorder *recorder
}

func (t *tracingTransport) Execute(ctx context.Context, method, url string, body json.RawMessage, headers map[string]string) (transport.Response, error) {
	resp, err := t.inner.Execute(ctx, method, url, body, headers)
	ev := TraceEvent{
		Type:    EventRequestSent,
		Request: method + " " + url,
		Body:    append(json.RawMessage(nil), body...),
	}
	if err != nil {
		ev.Failed = true
	} else {
		ev.Status = resp.Status
	}
	t.recorder.add(ev)
	return resp, err
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database for isolation. Errors are
// returned only when the run itself cannot proceed; failed expectations
// and assertions are reported in the Result.
//
// Execution flow:
// 1. Open an engine on a temporary database with scripted collaborators
// 2. Execute steps, checking each step's expectation
// 3. Evaluate assertions against the final state
// 4. Return result with pass/fail, trace, and errors
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "offsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := open(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.eng.Close()

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	actx := &AssertionContext{Engine: h.eng, Server: h.server, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	result.Trace = h.recorder.trace()
	return result, nil
}

func open(scenario *Scenario, dir string) (*Harness, error) {
	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "scenario.db")
	cfg.Backend = config.BackendSQLite
	if scenario.Backend != "" {
		cfg.Backend = scenario.Backend
	}
	cfg.Drain.QuietWindow = time.Hour

	h := &Harness{
		server:   testutil.NewRecordingTransport(),
		probe:    connectivity.NewSwitch(!scenario.Offline),
		recorder: &recorder{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	opts := []engine.Option{
		engine.WithLogger(h.logger),
		engine.WithTransport(&tracingTransport{inner: h.server, recorder: h.recorder}),
		engine.WithProbe(h.probe),
		engine.WithIDGenerator(testutil.NewFixedIDs(scenario.IDs...)),
		engine.WithClock(testutil.NewSteppingClock(epoch, time.Second).Now),
	}
	if scenario.Kinds != "" {
		reg, err := kinds.Load(scenario.Kinds)
		if err != nil {
			return nil, fmt.Errorf("failed to load kinds: %w", err)
		}
		opts = append(opts, engine.WithRegistry(reg))
	}

	eng, err := engine.Open(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	h.eng = eng

	event.Subscribe(eng.Bus(), event.ObjectChanged, func(c event.ObjectChange) {
		if c.Object == nil {
			h.recorder.add(TraceEvent{Type: EventObjectRemoved, ID: c.ID})
			return
		}
		h.recorder.add(TraceEvent{
			Type:   EventObjectChanged,
			ID:     c.ID,
			Kind:   c.Object.Kind,
			Origin: string(c.Object.Origin),
			Body:   append(json.RawMessage(nil), c.Object.Payload...),
		})
	})
	event.Subscribe(eng.Bus(), event.QueueDrained, func(d event.QueueDrain) {
		seqs := make([]int64, len(d.Published))
		for i, req := range d.Published {
			seqs[i] = req.Sequence
		}
		h.recorder.add(TraceEvent{Type: EventQueueDrained, Sequences: seqs})
	})

	return h, nil
}

// executeStep runs one step and checks its expectation.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	ev := TraceEvent{Type: EventStep, Op: step.Op, Kind: step.Kind, ID: step.ID}
	if step.Method != "" {
		ev.Request = step.Method + " " + step.URL
	}
	idx := h.recorder.add(ev)

	outcome, err := h.apply(ctx, step)
	if err != nil {
		code := string(record.CodeOf(err))
		if code == "" {
			code = "ERROR"
		}
		h.recorder.markError(idx, code)
		if step.Expect == nil || step.Expect.Error != code {
			result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, step.Op, err))
		}
		h.logger.Debug("step failed", "step", i, "op", step.Op, "error", err)
		return
	}

	for _, msg := range outcome.check(step.Expect) {
		result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Op, msg))
	}
	h.logger.Debug("step completed", "step", i, "op", step.Op)
}

// stepOutcome holds what a step observed, for comparison with StepExpect.
type stepOutcome struct {
	count *int
	found *bool
	cycle *cycleOutcome
}

type cycleOutcome struct {
	published int
	haltedAt  *int64
	offline   bool
}

func (o stepOutcome) check(want *StepExpect) []string {
	if want == nil {
		return nil
	}
	var msgs []string
	if want.Error != "" {
		msgs = append(msgs, fmt.Sprintf("expected error %s, got none", want.Error))
	}
	if want.Count != nil && (o.count == nil || *o.count != *want.Count) {
		msgs = append(msgs, fmt.Sprintf("expected count %d, got %s", *want.Count, formatInt(o.count)))
	}
	if want.Found != nil && (o.found == nil || *o.found != *want.Found) {
		msgs = append(msgs, fmt.Sprintf("expected found=%t", *want.Found))
	}
	if o.cycle == nil {
		if want.Published != nil || want.HaltedAt != nil || want.Offline != nil {
			msgs = append(msgs, "drain expectations on a step that does not drain")
		}
		return msgs
	}
	if want.Published != nil && *want.Published != o.cycle.published {
		msgs = append(msgs, fmt.Sprintf("expected %d published, got %d", *want.Published, o.cycle.published))
	}
	if want.HaltedAt != nil && (o.cycle.haltedAt == nil || *o.cycle.haltedAt != *want.HaltedAt) {
		msgs = append(msgs, fmt.Sprintf("expected halt at #%d, got %s", *want.HaltedAt, formatInt64(o.cycle.haltedAt)))
	}
	if want.Offline != nil && *want.Offline != o.cycle.offline {
		msgs = append(msgs, fmt.Sprintf("expected offline=%t", *want.Offline))
	}
	return msgs
}

func (h *Harness) apply(ctx context.Context, step Step) (stepOutcome, error) {
	switch step.Op {
	case OpOnline:
		h.probe.Set(true)
		return stepOutcome{}, nil
	case OpOffline:
		h.probe.Set(false)
		return stepOutcome{}, nil
	case OpRespond:
		body, err := encodeBody(step.Body)
		if err != nil {
			return stepOutcome{}, err
		}
		h.server.Respond(step.Method, step.URL, step.Status, body)
		return stepOutcome{}, nil
	case OpFail:
		h.server.FailWith(step.Method, step.URL, step.Times)
		return stepOutcome{}, nil
	case OpDrain:
		res, err := h.eng.Scheduler().DrainNow(ctx)
		if err != nil {
			return stepOutcome{}, err
		}
		c := &cycleOutcome{published: len(res.Published), offline: res.Offline}
		if res.Failed != nil {
			seq := res.Failed.Sequence
			c.haltedAt = &seq
		}
		return stepOutcome{cycle: c}, nil
	}

	f, err := h.eng.Facade(step.Kind)
	if err != nil {
		return stepOutcome{}, err
	}

	switch step.Op {
	case OpCreate:
		_, err = f.Create(ctx, record.Entity(step.Entity))
	case OpUpdate:
		_, err = f.Update(ctx, record.Entity(step.Entity))
	case OpSet:
		err = f.UpdateSub(ctx, step.ID, step.Field, step.Value)
	case OpDelete:
		err = f.Delete(ctx, step.ID)
	case OpList:
		var entities []record.Entity
		entities, err = f.List(ctx, step.Sync)
		n := len(entities)
		return stepOutcome{count: &n}, err
	case OpGet:
		var ok bool
		_, ok, err = f.Get(ctx, step.ID, step.Sync)
		return stepOutcome{found: &ok}, err
	default:
		err = fmt.Errorf("unknown op %q", step.Op)
	}
	return stepOutcome{}, err
}

// encodeBody turns a YAML body into the JSON text the server returns.
func encodeBody(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := record.EncodeValue(v)
	if err != nil {
		return "", fmt.Errorf("encode response body: %w", err)
	}
	return string(data), nil
}

func formatInt(p *int) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprint(*p)
}

func formatInt64(p *int64) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprint(*p)
}
