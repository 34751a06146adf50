package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a model, remote seed
// data, a flow of data-context operations, and assertions over the
// resulting backend trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Models lists CUE model files, relative to the scenario file.
	Models []string `yaml:"models,omitempty"`

	// Model is an inline CUE model, unified with Models.
	Model string `yaml:"model,omitempty"`

	// Buffered holds remote commits until a save step.
	Buffered bool `yaml:"buffered,omitempty"`

	// AutoLazy refreshes relations of attached entities.
	AutoLazy bool `yaml:"auto_lazy,omitempty"`

	// Seed is the remote data per set name.
	Seed map[string][]map[string]any `yaml:"seed,omitempty"`

	// Actions maps "<set>.<action>" to the value the backend returns.
	Actions map[string]any `yaml:"actions,omitempty"`

	// Setup runs before the flow. Any error aborts the scenario.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the steps under test.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one data-context operation.
type Step struct {
	// Op is one of the Op* constants.
	Op  string `yaml:"op"`
	Set string `yaml:"set,omitempty"`
	Key any    `yaml:"key,omitempty"`
	// Data is the payload of add/attach/update and the action parameters.
	Data map[string]any `yaml:"data,omitempty"`
	// Query is an OData query string for query steps.
	Query string `yaml:"query,omitempty"`
	// Local evaluates a query step against local data only.
	Local bool `yaml:"local,omitempty"`
	// Detached fetches a query step remotely without merging the
	// results into the set.
	Detached bool `yaml:"detached,omitempty"`
	// Name is the action name.
	Name string `yaml:"name,omitempty"`
	// Fail injects an error into the next backend call of this op
	// ("post", "put", ...) on the step's set.
	Fail string `yaml:"fail,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect validates the outcome of a step.
type Expect struct {
	// Error is a substring of the expected error. Empty means success.
	Error string `yaml:"error,omitempty"`
	// Count is the query count.
	Count *int `yaml:"count,omitempty"`
	// Keys are the entity keys returned, in order.
	Keys []any `yaml:"keys,omitempty"`
	// State is the state of the step's entity after the step.
	State string `yaml:"state,omitempty"`
	// Result is the action return value.
	Result any `yaml:"result,omitempty"`
}

// Step operations.
const (
	OpAdd     = "add"
	OpAttach  = "attach"
	OpUpdate  = "update"
	OpRemove  = "remove"
	OpLoad    = "load"
	OpQuery   = "query"
	OpRefresh = "refresh"
	OpSave    = "save"
	OpFlush   = "flush"
	OpAction  = "action"
	OpReset   = "reset"
)

var validOps = map[string]bool{
	OpAdd: true, OpAttach: true, OpUpdate: true, OpRemove: true, OpLoad: true,
	OpQuery: true, OpRefresh: true, OpSave: true, OpFlush: true, OpAction: true,
	OpReset: true,
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a backend call with matching args exists
	// - "trace_order": backend calls appear in order
	// - "trace_count": a backend call appears exactly N times
	// - "final_state": a set's entities hold the expected values
	Type string `yaml:"type"`

	// Action is the "<op> <controller>" call (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args are the expected call arguments (trace_contains).
	// Subset match - only specified fields are validated.
	Args map[string]any `yaml:"args,omitempty"`

	// Set is the set name (final_state).
	Set string `yaml:"set,omitempty"`

	// Source is "local" (default) or "remote" (final_state).
	Source string `yaml:"source,omitempty"`

	// Where selects entities; all fields must match (final_state).
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state). "$state"
	// matches the local entity state.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (trace_count) or of
	// matching entities (final_state, when set).
	Count *int `yaml:"count,omitempty"`

	// Actions is the expected call order (trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Model paths are
// resolved relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving model paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range scenario.Models {
		if !filepath.IsAbs(p) && basePath != "" {
			scenario.Models[i] = filepath.Join(basePath, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Models) == 0 && s.Model == "" {
		return fmt.Errorf("models or model is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, p := range s.Models {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("model file not found: %s", p)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step); err != nil {
			return err
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), step); err != nil {
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

func validateStep(where string, step Step) error {
	if !validOps[step.Op] {
		return fmt.Errorf("%s: unknown op %q", where, step.Op)
	}
	switch step.Op {
	case OpSave, OpFlush, OpReset:
		return nil
	}
	if step.Set == "" {
		return fmt.Errorf("%s: set is required for %s", where, step.Op)
	}
	switch step.Op {
	case OpUpdate, OpRemove, OpLoad:
		if step.Key == nil {
			return fmt.Errorf("%s: key is required for %s", where, step.Op)
		}
	case OpAdd, OpAttach:
		if step.Data == nil {
			return fmt.Errorf("%s: data is required for %s", where, step.Op)
		}
	case OpAction:
		if step.Name == "" {
			return fmt.Errorf("%s: name is required for action", where)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Set == "" {
			return fmt.Errorf("assertions[%d]: set is required for final_state", index)
		}
		if len(a.Expect) == 0 && a.Count == nil {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_state", index)
		}
		if a.Source != "" && a.Source != "local" && a.Source != "remote" {
			return fmt.Errorf("assertions[%d]: source must be local or remote", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
