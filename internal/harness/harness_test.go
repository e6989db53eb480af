package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loyalty/internal/config"
	"github.com/roach88/loyalty/internal/ir"
)

func fixedRule(name string, points int) map[string]any {
	return map[string]any{
		"name": name,
		"conditions": map[string]any{
			"all": []any{
				map[string]any{"fact": "eventType", "operator": "equal", "value": "PURCHASE"},
			},
		},
		"event": map[string]any{
			"type":   "fixed",
			"params": map[string]any{"points": points},
		},
	}
}

func purchase(id, consumer string, amount int) map[string]any {
	return map[string]any{
		"id":         id,
		"type":       "PURCHASE",
		"market":     "JP",
		"consumerId": consumer,
		"amount":     amount,
	}
}

func ptr[T any](v T) *T { return &v }

func TestRun_ProcessesEventsThroughEngine(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "Minimal test scenario",
		Rules:       []map[string]any{fixedRule("welcome", 25)},
		Steps: []Step{
			{Event: purchase("e-1", "c-1", 100), Expect: &Expect{Points: ptr(int64(25)), Rules: []string{"welcome"}}},
			{Event: purchase("e-2", "c-1", 100), Expect: &Expect{Balance: &BalanceExpect{Available: ptr(int64(50))}}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Rule: "welcome", Count: 2},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)

	first := result.Trace[0]
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, KindEvent, first.Kind)
	assert.Equal(t, "completed", first.Outcome)
	assert.Equal(t, []TraceLine{{RuleID: "welcome", Method: "fixed", Formula: "points", Points: 25}}, first.Lines)
	require.NotNil(t, result.Trace[1].Balance)
	assert.Equal(t, TraceBalance{Total: 50, Available: 50, TransactionCount: 2}, *result.Trace[1].Balance)
}

func TestRun_ExpectationFailuresAreReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "Every expect clause is wrong",
		Rules:       []map[string]any{fixedRule("welcome", 25)},
		Steps: []Step{{
			Event: purchase("e-1", "c-1", 100),
			Expect: &Expect{
				Points:        ptr(int64(30)),
				Rules:         []string{"other"},
				Outcome:       "rejected",
				ErrorContains: "BOOM",
				Balance:       &BalanceExpect{Used: ptr(int64(1))},
				NoExpiration:  true,
			},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)

	joined := result.Errors
	require.Len(t, joined, 6)
	assert.Contains(t, joined[0], "step 0: expected points 30, got 25")
	assert.Contains(t, joined[1], "expected rules [other], got [welcome]")
	assert.Contains(t, joined[2], "expected outcome rejected, got completed")
	assert.Contains(t, joined[3], `expected an error containing "BOOM"`)
	assert.Contains(t, joined[4], "expected balance used 1, got 0")
	assert.Contains(t, joined[5], "expected no expiration")
}

func TestRun_ValidationRejectionIsTraced(t *testing.T) {
	ev := purchase("e-1", "c-1", 100)
	delete(ev, "market")

	scenario := &Scenario{
		Name:        "invalid_event",
		Description: "Missing market is rejected before evaluation",
		Rules:       []map[string]any{fixedRule("welcome", 25)},
		Steps: []Step{{
			Event:  ev,
			Expect: &Expect{Outcome: "rejected", ErrorContains: "VALIDATION_ERROR", Points: ptr(int64(0))},
		}},
		Assertions: []Assertion{{Type: AssertTraceCount, Rule: "welcome", Count: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Nil(t, result.Trace[0].Balance)
}

func TestRun_ClockControlsStampedTimestamps(t *testing.T) {
	at := time.Date(2024, 6, 30, 16, 0, 0, 0, time.UTC)
	scenario := &Scenario{
		Name:        "clock",
		Description: "Events without a timestamp take the scenario clock",
		Now:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Rules:       []map[string]any{fixedRule("welcome", 25)},
		Steps: []Step{
			{At: &at, Advance: 48 * time.Hour, Event: purchase("e-1", "c-1", 100)},
		},
		Assertions: []Assertion{{
			Type:   AssertFinalState,
			Table:  "ledger_entries",
			Where:  map[string]interface{}{"event_id": "e-1"},
			Expect: map[string]interface{}{"points": 25},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	// JP rolling window: 2024-07-02T16:00Z is 2024-07-03 01:00 in Tokyo.
	assert.Equal(t, "2025-07-03T01:00:00+09:00", result.Trace[0].NextExpiration)
}

func TestRun_CustomMarkets(t *testing.T) {
	scenario := &Scenario{
		Name:        "custom_market",
		Description: "Scenario markets replace the defaults",
		Now:         time.Date(2024, 3, 31, 15, 0, 0, 0, time.UTC),
		Markets: map[string]config.Market{
			"au": {
				Timezone:   "Australia/Sydney",
				Rate:       ptr(2.0),
				Expiration: &ir.ExpirationPolicy{Mode: ir.ExpirationFiscalYear, FiscalStartMonth: time.April, FiscalStartDay: 1},
			},
		},
		Rules: []map[string]any{{
			"name":  "au-base",
			"event": map[string]any{"type": "base"},
		}},
		Steps: []Step{
			{Event: map[string]any{"id": "a-1", "type": "PURCHASE", "market": "AU", "consumerId": "c-1", "amount": 10}},
			{Expiration: &ExpirationQuery{ConsumerID: "c-1", Market: "JP"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, int64(20), result.Trace[0].Points)
	// 2024-04-01 02:00 in Sydney is past the fiscal start.
	assert.Equal(t, "2025-03-31T23:59:59+11:00", result.Trace[0].NextExpiration)

	assert.False(t, result.Pass, "JP has no policy in this scenario")
	assert.Contains(t, result.Errors[0], "step 1: expiration lookup failed")
	assert.NotEmpty(t, result.Trace[1].Errors)
}

func TestRun_InvalidRulesFailScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_rules",
		Description: "Fixed without points cannot load",
		Rules: []map[string]any{{
			"name":  "broken",
			"event": map[string]any{"type": "fixed"},
		}},
		Steps: []Step{{Event: purchase("e-1", "c-1", 1)}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid rules")
}

func TestRun_UnknownTimezoneFailsScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_tz",
		Description: "Unknown zone",
		Markets:     map[string]config.Market{"JP": {Timezone: "Mars/Olympus"}},
		Rules:       []map[string]any{fixedRule("welcome", 1)},
		Steps:       []Step{{Event: purchase("e-1", "c-1", 1)}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time zones")
}

func TestRun_RunIDsArePrefixedByScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "ids",
		Description: "Run IDs are sequential",
		Rules:       []map[string]any{fixedRule("welcome", 1)},
		Steps:       []Step{{Event: purchase("e-1", "c-1", 1)}, {Event: purchase("e-2", "c-1", 1)}},
		Assertions: []Assertion{{
			Type:   AssertFinalState,
			Table:  "event_results",
			Where:  map[string]interface{}{"event_id": "e-2"},
			Expect: map[string]interface{}{"run_id": "ids-0002", "outcome": "completed"},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "rolling_window.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, first.Trace, second.Trace)
}

func TestScenarios(t *testing.T) {
	scenarios, err := LoadScenarios(filepath.Join("testdata", "scenarios"))
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunAll_ReportsFailures(t *testing.T) {
	good := &Scenario{
		Name:        "good",
		Description: "passes",
		Rules:       []map[string]any{fixedRule("welcome", 1)},
		Steps:       []Step{{Event: purchase("e-1", "c-1", 1)}},
	}
	bad := &Scenario{
		Name:        "bad",
		Description: "fails",
		Rules:       []map[string]any{fixedRule("welcome", 1)},
		Steps:       []Step{{Event: purchase("e-1", "c-1", 1), Expect: &Expect{Points: ptr(int64(2))}}},
	}

	results, err := RunAll([]*Scenario{good, bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScenarioFailed)
	assert.Contains(t, err.Error(), "bad:")
	require.Len(t, results, 2)
	assert.True(t, results[0].Pass)
	assert.False(t, results[1].Pass)
}
