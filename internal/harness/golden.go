package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/offsync/internal/record"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization. Zero-valued event fields are left out.
func (s *TraceSnapshot) toCanonicalMap() (map[string]any, error) {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
		}
		setString(m, "op", ev.Op)
		setString(m, "kind", ev.Kind)
		setString(m, "error", ev.Error)
		setString(m, "id", ev.ID)
		setString(m, "origin", ev.Origin)
		setString(m, "request", ev.Request)
		if ev.Status != 0 {
			m["status"] = ev.Status
		}
		if ev.Failed {
			m["failed"] = true
		}
		if len(ev.Body) > 0 {
			body, err := decodeBody(ev.Body)
			if err != nil {
				return nil, fmt.Errorf("trace[%d] body: %w", i, err)
			}
			m["body"] = body
		}
		if len(ev.Sequences) > 0 {
			m["sequences"] = ev.Sequences
		}
		traceList[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}, nil
}

func setString(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func decodeBody(data json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *TraceSnapshot) marshal() ([]byte, error) {
	m, err := s.toCanonicalMap()
	if err != nil {
		return nil, err
	}
	return record.MarshalCanonical(m)
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the run result so callers can check Pass separately; a trace
// mismatch fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
	}
	traceJSON, err := snapshot.marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
