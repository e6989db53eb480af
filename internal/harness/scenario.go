package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loyalty/internal/config"
	"github.com/roach88/loyalty/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario seeds profiles and balances, runs events through the engine
// step by step and asserts on the resulting trace and final store state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also prefixes run IDs and
	// names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Now is the clock's starting instant. Defaults to 2024-01-01T00:00:00Z.
	Now time.Time `yaml:"now,omitempty"`

	// Markets overrides the built-in market table when non-empty.
	Markets map[string]config.Market `yaml:"markets,omitempty"`

	// StrictFacts rejects events whose rules reference missing facts.
	StrictFacts bool `yaml:"strict_facts,omitempty"`

	// Rules are inline rule documents, in the same shape as a rules file.
	Rules []map[string]any `yaml:"rules,omitempty"`

	// RuleFiles lists rule files (.yaml, .json, .cue) to load after Rules.
	// Relative paths resolve against the scenario file's directory.
	RuleFiles []string `yaml:"rule_files,omitempty"`

	// Profiles are stored before the first step.
	Profiles []ir.Profile `yaml:"profiles,omitempty"`

	// Balances are stored before the first step.
	Balances []SeedBalance `yaml:"balances,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SeedBalance is a starting balance for one consumer.
type SeedBalance struct {
	ConsumerID string `yaml:"consumer_id"`
	Total      int64  `yaml:"total"`
	Available  int64  `yaml:"available"`
	Used       int64  `yaml:"used"`
}

// Step is either an event to process or an expiration query.
type Step struct {
	// At moves the clock before the step runs.
	At *time.Time `yaml:"at,omitempty"`

	// Advance moves the clock forward before the step runs, after At.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Event is decoded like an HTTP or Kafka payload, so flat amount
	// fields are accepted.
	Event map[string]any `yaml:"event,omitempty"`

	// Expiration queries the next expiry for a consumer.
	Expiration *ExpirationQuery `yaml:"expiration,omitempty"`

	// Expect is checked against the step's outcome. Only set fields are checked.
	Expect *Expect `yaml:"expect,omitempty"`
}

// ExpirationQuery names the consumer and market to look up.
type ExpirationQuery struct {
	ConsumerID string `yaml:"consumer_id"`
	Market     string `yaml:"market"`
}

// Expect is a subset match on a step's outcome.
type Expect struct {
	Points         *int64         `yaml:"points,omitempty"`
	Rules          []string       `yaml:"rules,omitempty"`
	Outcome        string         `yaml:"outcome,omitempty"`
	ErrorContains  string         `yaml:"error_contains,omitempty"`
	NoErrors       bool           `yaml:"no_errors,omitempty"`
	Balance        *BalanceExpect `yaml:"balance,omitempty"`
	NextExpiration *time.Time     `yaml:"next_expiration,omitempty"`
	NoExpiration   bool           `yaml:"no_expiration,omitempty"`
}

// BalanceExpect checks the balance after a step.
type BalanceExpect struct {
	Total            *int64 `yaml:"total,omitempty"`
	Available        *int64 `yaml:"available,omitempty"`
	Used             *int64 `yaml:"used,omitempty"`
	TransactionCount *int64 `yaml:"transaction_count,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": rule fired (optionally for a given event)
	// - "trace_order": rules fired in this order
	// - "trace_count": rule fired exactly Count times
	// - "final_state": query a store table and verify expected values
	Type string `yaml:"type"`

	// Rule is the rule ID (trace_contains, trace_count).
	Rule string `yaml:"rule,omitempty"`

	// Event restricts trace_contains to one event ID.
	Event string `yaml:"event,omitempty"`

	// Rules is the expected firing order (trace_order).
	Rules []string `yaml:"rules,omitempty"`

	// Count is the expected number of firings (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state).
	// All fields must match exactly.
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected column values (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for i, p := range scenario.RuleFiles {
		if !filepath.IsAbs(p) {
			scenario.RuleFiles[i] = filepath.Join(base, p)
		}
	}
	for _, p := range scenario.RuleFiles {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: rule file not found: %s", p)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML without touching the filesystem.
func ParseScenario(data []byte) (*Scenario, error) {
	// Unknown fields are rejected so typos like "assertion:" fail loudly.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Rules) == 0 && len(s.RuleFiles) == 0 {
		return fmt.Errorf("rules or rule_files is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, p := range s.Profiles {
		if p.ConsumerID == "" {
			return fmt.Errorf("profiles[%d]: consumerId is required", i)
		}
	}

	for i, b := range s.Balances {
		if b.ConsumerID == "" {
			return fmt.Errorf("balances[%d]: consumer_id is required", i)
		}
		if b.Available < 0 || b.Used < 0 {
			return fmt.Errorf("balances[%d]: available and used must be non-negative", i)
		}
	}

	for i, step := range s.Steps {
		hasEvent, hasExpiration := step.Event != nil, step.Expiration != nil
		switch {
		case hasEvent == hasExpiration:
			return fmt.Errorf("steps[%d]: exactly one of event or expiration is required", i)
		case hasExpiration && (step.Expiration.ConsumerID == "" || step.Expiration.Market == ""):
			return fmt.Errorf("steps[%d].expiration: consumer_id and market are required", i)
		case step.Advance < 0:
			return fmt.Errorf("steps[%d]: advance must be non-negative", i)
		}
		if e := step.Expect; e != nil {
			if e.NextExpiration != nil && e.NoExpiration {
				return fmt.Errorf("steps[%d].expect: next_expiration and no_expiration are exclusive", i)
			}
			if e.Outcome != "" && e.Outcome != "completed" && e.Outcome != "rejected" {
				return fmt.Errorf("steps[%d].expect: unknown outcome %q", i, e.Outcome)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
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
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Rules) == 0 {
			return fmt.Errorf("assertions[%d]: rules list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
