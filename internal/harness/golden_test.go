package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"jp_base_purchase", "redemption"} {
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
			require.NoError(t, err)
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestTraceSnapshot_CanonicalIsStable(t *testing.T) {
	snap := TraceSnapshot{
		ScenarioName: "s",
		Trace: []TraceEvent{{
			Seq:        1,
			Kind:       KindExpiration,
			ConsumerID: "c-1",
			Market:     "HK",
		}},
	}

	first, err := snap.Canonical()
	require.NoError(t, err)
	second, err := snap.Canonical()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t,
		`{"scenario_name":"s","trace":[{"consumer_id":"c-1","kind":"expiration","market":"HK","points":0,"seq":1}]}`,
		string(first))
}

func TestAssertGolden_UsesScenarioName(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "redemption.yaml"))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.NoError(t, AssertGolden(t, "redemption", result))
}
