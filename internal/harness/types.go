package harness

import "encoding/json"

// Trace event types.
const (
	EventStep          = "step"
	EventObjectChanged = "object_changed"
	EventObjectRemoved = "object_removed"
	EventRequestSent   = "request_sent"
	EventQueueDrained  = "queue_drained"
)

// TraceEvent is one observable effect recorded while a scenario runs.
// Seq orders events within a run; it starts at 1.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Step events.
	Op    string `json:"op,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`

	// Object events.
	ID     string `json:"id,omitempty"`
	Origin string `json:"origin,omitempty"`

	// Request events: Request is "METHOD url". Failed marks a transport
	// error; otherwise Status is the response status.
	Request string `json:"request,omitempty"`
	Status  int    `json:"status,omitempty"`
	Failed  bool   `json:"failed,omitempty"`

	// Body is the request body or the stored object payload.
	Body json.RawMessage `json:"body,omitempty"`

	// Sequences lists drained request sequences in order.
	Sequences []int64 `json:"sequences,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists recorded events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation or assertion.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
