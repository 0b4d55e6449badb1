package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/config"
)

// Scenario drives one engine through a sequence of steps and checks the
// final queue, cache and server traffic.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Kinds is an optional CUE file declaring entity kinds, relative to the
	// scenario file. The built-in kinds are used when empty.
	Kinds string `yaml:"kinds,omitempty"`

	// Backend selects the store: "sqlite" (default) or "bolt".
	Backend string `yaml:"backend,omitempty"`

	// Offline starts the run with the server unreachable.
	Offline bool `yaml:"offline,omitempty"`

	// IDs are handed out, in order, to creates that carry no id.
	IDs []string `yaml:"ids,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step operations.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpSet     = "set"
	OpDelete  = "delete"
	OpList    = "list"
	OpGet     = "get"
	OpDrain   = "drain"
	OpOnline  = "online"
	OpOffline = "offline"
	OpRespond = "respond"
	OpFail    = "fail"
)

// Step is one scenario action. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Facade operations.
	Kind   string         `yaml:"kind,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Field  string         `yaml:"field,omitempty"`
	Entity map[string]any `yaml:"entity,omitempty"`
	Value  any            `yaml:"value,omitempty"`
	Sync   bool           `yaml:"sync,omitempty"`

	// Server scripting (respond, fail).
	Method string `yaml:"method,omitempty"`
	URL    string `yaml:"url,omitempty"`
	Status int    `yaml:"status,omitempty"`
	Body   any    `yaml:"body,omitempty"`
	Times  int    `yaml:"times,omitempty"`

	// Expect checks the step outcome. Without it the step must succeed.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect specifies the expected outcome of a step.
type StepExpect struct {
	// Error is the expected error code (VALIDATION, HYDRATION, ...).
	Error string `yaml:"error,omitempty"`

	// Count is the number of entities a list returns.
	Count *int `yaml:"count,omitempty"`

	// Found says whether a get finds the entity.
	Found *bool `yaml:"found,omitempty"`

	// Published, HaltedAt and Offline describe a drain cycle.
	Published *int   `yaml:"published,omitempty"`
	HaltedAt  *int64 `yaml:"halted_at,omitempty"`
	Offline   *bool  `yaml:"offline,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "queue_length": exactly Count requests remain queued
	// - "queue_order": the queue holds exactly Requests, in order
	// - "sent_count": Request was sent exactly Count times
	// - "sent_order": Requests were first sent in this order
	// - "object": object ID is cached and matches Expect (subset)
	// - "object_absent": object ID is not cached
	// - "status": the engine reports Status
	Type string `yaml:"type"`

	Count    int            `yaml:"count,omitempty"`
	Request  string         `yaml:"request,omitempty"`
	Requests []string       `yaml:"requests,omitempty"`
	ID       string         `yaml:"id,omitempty"`
	Kind     string         `yaml:"kind,omitempty"`
	Origin   string         `yaml:"origin,omitempty"`
	Expect   map[string]any `yaml:"expect,omitempty"`
	Status   string         `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueLength  = "queue_length"
	AssertQueueOrder   = "queue_order"
	AssertSentCount    = "sent_count"
	AssertSentOrder    = "sent_order"
	AssertObject       = "object"
	AssertObjectAbsent = "object_absent"
	AssertStatus       = "status"
)

// LoadScenario reads and parses a scenario YAML file. A relative Kinds
// path is resolved against the scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving a relative Kinds path
// against baseDir. Unknown fields are rejected.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Kinds != "" && !filepath.IsAbs(scenario.Kinds) && baseDir != "" {
		scenario.Kinds = filepath.Join(baseDir, scenario.Kinds)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	switch s.Backend {
	case "", config.BackendSQLite, config.BackendBolt:
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	if s.Kinds != "" {
		if _, err := os.Stat(s.Kinds); os.IsNotExist(err) {
			return fmt.Errorf("kinds file not found: %s", s.Kinds)
		}
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, what, s.Op)
		}
		return nil
	}

	switch s.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpCreate, OpList:
		return need(s.Kind != "", "kind")
	case OpUpdate:
		if err := need(s.Kind != "", "kind"); err != nil {
			return err
		}
		return need(s.Entity != nil, "entity")
	case OpSet:
		if err := need(s.Kind != "" && s.ID != "", "kind and id"); err != nil {
			return err
		}
		return need(s.Field != "", "field")
	case OpDelete, OpGet:
		return need(s.Kind != "" && s.ID != "", "kind and id")
	case OpRespond:
		if err := need(s.Method != "" && s.URL != "", "method and url"); err != nil {
			return err
		}
		return need(s.Status > 0, "status")
	case OpFail:
		if err := need(s.Method != "" && s.URL != "", "method and url"); err != nil {
			return err
		}
		return need(s.Times != 0, "times (use -1 to fail forever)")
	case OpDrain, OpOnline, OpOffline:
		return nil
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertQueueLength:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for queue_length", index)
		}
	case AssertQueueOrder:
	case AssertSentCount:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for sent_count", index)
		}
	case AssertSentOrder:
		if len(a.Requests) == 0 {
			return fmt.Errorf("assertions[%d]: requests list is required for sent_order", index)
		}
	case AssertObject:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for object", index)
		}
	case AssertObjectAbsent:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for object_absent", index)
		}
	case AssertStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for status", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
