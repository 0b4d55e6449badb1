package harness

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nRequests sent:\n")
		for _, ev := range e.Trace {
			if ev.Type == EventRequestSent {
				fmt.Fprintf(&buf, "  [%d] %s failed=%t status=%d\n", ev.Seq, ev.Request, ev.Failed, ev.Status)
			}
		}
	}

	return buf.String()
}

// AssertionContext provides access to final state for assertions.
type AssertionContext struct {
	Engine *engine.Engine
	Server *testutil.RecordingTransport
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertQueueLength:
			err = assertQueueLength(actx, assertion)
		case AssertQueueOrder:
			err = assertQueueOrder(actx, assertion)
		case AssertSentCount:
			err = assertSentCount(actx.Server.Calls(), assertion, result.Trace)
		case AssertSentOrder:
			err = assertSentOrder(actx.Server.Calls(), assertion, result.Trace)
		case AssertObject:
			err = assertObject(actx, assertion)
		case AssertObjectAbsent:
			err = assertObjectAbsent(actx, assertion)
		case AssertStatus:
			if got := string(actx.Engine.Status()); got != assertion.Status {
				err = &AssertionError{Type: AssertStatus, Expected: assertion.Status, Actual: got}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func queueKeys(actx *AssertionContext) ([]string, error) {
	reqs, err := actx.Engine.PendingRequests(actx.Ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(reqs))
	for i, req := range reqs {
		keys[i] = req.Method + " " + req.URL
	}
	return keys, nil
}

func assertQueueLength(actx *AssertionContext, a Assertion) error {
	keys, err := queueKeys(actx)
	if err != nil {
		return err
	}
	if len(keys) != a.Count {
		return &AssertionError{
			Type:     AssertQueueLength,
			Expected: fmt.Sprintf("%d queued request(s)", a.Count),
			Actual:   fmt.Sprintf("%d queued: %v", len(keys), keys),
		}
	}
	return nil
}

func assertQueueOrder(actx *AssertionContext, a Assertion) error {
	keys, err := queueKeys(actx)
	if err != nil {
		return err
	}
	if !slices.Equal(keys, a.Requests) && (len(keys) != 0 || len(a.Requests) != 0) {
		return &AssertionError{
			Type:     AssertQueueOrder,
			Expected: fmt.Sprintf("%v", a.Requests),
			Actual:   fmt.Sprintf("%v", keys),
		}
	}
	return nil
}

// assertSentCount counts every attempt, including failed ones.
func assertSentCount(calls []testutil.Call, a Assertion, trace []TraceEvent) error {
	count := 0
	for _, c := range calls {
		if c.Key() == a.Request {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertSentCount,
			Expected: fmt.Sprintf("%s sent %d time(s)", a.Request, a.Count),
			Actual:   fmt.Sprintf("sent %d time(s)", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertSentOrder checks that requests were first sent in the given order.
// Other requests may appear in between.
func assertSentOrder(calls []testutil.Call, a Assertion, trace []TraceEvent) error {
	positions := make(map[string]int)
	for i, c := range calls {
		if _, seen := positions[c.Key()]; !seen {
			positions[c.Key()] = i + 1
		}
	}

	for _, req := range a.Requests {
		if positions[req] == 0 {
			return &AssertionError{
				Type:     AssertSentOrder,
				Expected: fmt.Sprintf("all requests sent: %v", a.Requests),
				Actual:   fmt.Sprintf("never sent: %s", req),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Requests); i++ {
		prev, curr := a.Requests[i-1], a.Requests[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertSentOrder,
				Expected: fmt.Sprintf("requests in order: %v", a.Requests),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertObject(actx *AssertionContext, a Assertion) error {
	obj, ok, err := actx.Engine.Object(actx.Ctx, a.ID)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{Type: AssertObject, Expected: "object " + a.ID + " cached", Actual: "not found"}
	}
	if a.Kind != "" && obj.Kind != a.Kind {
		return &AssertionError{Type: AssertObject, Expected: "kind " + a.Kind, Actual: "kind " + obj.Kind}
	}
	if a.Origin != "" && string(obj.Origin) != a.Origin {
		return &AssertionError{Type: AssertObject, Expected: "origin " + a.Origin, Actual: "origin " + string(obj.Origin)}
	}

	entity, err := obj.Entity()
	if err != nil {
		return err
	}
	if field, ok := matchFields(entity, a.Expect); !ok {
		return &AssertionError{
			Type:     AssertObject,
			Expected: fmt.Sprintf("%s = %v", field, a.Expect[field]),
			Actual:   string(obj.Payload),
		}
	}
	return nil
}

func assertObjectAbsent(actx *AssertionContext, a Assertion) error {
	obj, ok, err := actx.Engine.Object(actx.Ctx, a.ID)
	if err != nil {
		return err
	}
	if ok {
		return &AssertionError{
			Type:     AssertObjectAbsent,
			Expected: "object " + a.ID + " absent",
			Actual:   string(obj.Payload),
		}
	}
	return nil
}

// matchFields checks that actual holds every expected field (subset
// match). Values compare by canonical JSON, so YAML integers match
// decoded JSON numbers. It returns the first mismatching field.
func matchFields(actual record.Entity, expected map[string]any) (string, bool) {
	for _, key := range sortedKeys(expected) {
		actualVal, exists := actual[key]
		if !exists || !valuesEqual(actualVal, expected[key]) {
			return key, false
		}
	}
	return "", true
}

// valuesEqual compares two decoded values by their canonical encoding.
func valuesEqual(actual, expected any) bool {
	a, err := record.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	e, err := record.MarshalCanonical(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(a, e)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
