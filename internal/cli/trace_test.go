package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceByEvent(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, purchaseJSON("evt-1", 1000), "process", "-")
	require.NoError(t, err)

	out, err := e.run(t, "", "trace", "--event", "evt-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Trace for event evt-1 (1 run(s))")
	assert.Contains(t, out, "completed: Received -> Validated -> Enriched -> Evaluated -> Calculated -> LedgerApplied -> Completed")
	assert.Contains(t, out, "+ jp-base")
	assert.Contains(t, out, "points: 100")
	assert.Contains(t, out, "next expiration: ")
}

func TestTraceByConsumerJSON(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, purchaseJSON("evt-1", 1000), "process", "-")
	require.NoError(t, err)
	_, err = e.run(t, `{"id":"evt-bad","type":"PURCHASE","consumerId":"c-1","amount":1}`, "process", "-")
	require.Error(t, err)

	out, err := e.run(t, "", "trace", "--consumer", "c-1", "--format", "json")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "consumer c-1", data["query"])
	runs := data["runs"].([]any)
	require.Len(t, runs, 2)

	outcomes := map[string]string{}
	for _, r := range runs {
		run := r.(map[string]any)
		outcomes[run["event_id"].(string)] = run["outcome"].(string)
	}
	assert.Equal(t, "completed", outcomes["evt-1"])
	assert.Equal(t, "rejected", outcomes["evt-bad"])
}

func TestTraceLimit(t *testing.T) {
	e := newCLIEnv(t)
	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		_, err := e.run(t, purchaseJSON(id, 1000), "process", "-")
		require.NoError(t, err)
	}

	out, err := e.run(t, "", "trace", "--consumer", "c-1", "--limit", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "(2 run(s))")
}

func TestTraceUnknownEvent(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "", "trace", "--event", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "no audited runs for event missing")
}

func TestTraceRequiresEventOrConsumer(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run(t, "", "trace")
	require.Error(t, err)

	_, err = e.run(t, "", "trace", "--event", "a", "--consumer", "b")
	require.Error(t, err)
}
