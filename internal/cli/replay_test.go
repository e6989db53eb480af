package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJournal = `{"seq":1,"consumerId":"c-1","eventId":"evt-1","eventType":"PURCHASE","points":100,"occurredAt":"2026-01-10T03:00:00Z"}
{"seq":2,"consumerId":"c-1","eventId":"red-1","eventType":"REDEMPTION","points":-30,"occurredAt":"2026-02-01T03:00:00Z"}
`

func TestReplayRestoresBalances(t *testing.T) {
	e := newCLIEnv(t)
	journal := e.writeFile(t, "changelog.jsonl", sampleJournal)

	out, err := e.run(t, "", "replay", journal)
	require.NoError(t, err)
	assert.Contains(t, out, "2 read, 2 applied, 0 skipped (last seq 2)")

	out, err = e.run(t, "", "balance", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1: available 70, total 100, used 30 (2 transactions)\n", out)
}

func TestReplayIsIdempotent(t *testing.T) {
	e := newCLIEnv(t)
	journal := e.writeFile(t, "changelog.jsonl", sampleJournal)

	_, err := e.run(t, "", "replay", journal)
	require.NoError(t, err)

	out, err := e.run(t, "", "replay", "--format", "json", journal)
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["read"])
	assert.Equal(t, float64(0), data["applied"])
	assert.Equal(t, float64(2), data["skipped"])
	assert.Equal(t, float64(2), data["last_seq"])
}

func TestReplayMalformedLine(t *testing.T) {
	e := newCLIEnv(t)
	journal := e.writeFile(t, "changelog.jsonl", sampleJournal+"{broken\n")

	out, err := e.run(t, "", "replay", journal)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "stopped after 2 applied, 0 skipped")
}

func TestReplayMissingJournal(t *testing.T) {
	e := newCLIEnv(t)

	out, err := e.run(t, "", "replay", filepath.Join(e.dir, "none.jsonl"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestProcessJournalReplaysIntoFreshDatabase(t *testing.T) {
	e := newCLIEnv(t)
	journal := filepath.Join(e.dir, "changelog.jsonl")
	t.Setenv("LOYALTY_CHANGELOG_PATH", journal)

	_, err := e.run(t, purchaseJSON("evt-1", 1000), "process", "-")
	require.NoError(t, err)
	_, err = e.run(t, purchaseJSON("evt-2", 3000), "process", "-")
	require.NoError(t, err)

	fresh := filepath.Join(e.dir, "restored.db")
	_, err = execute(t, "", "replay", "--rules", e.rules, "--db", fresh, journal)
	require.NoError(t, err)

	out, err := execute(t, "", "balance", "--rules", e.rules, "--db", fresh, "c-1")
	require.NoError(t, err)
	assert.Contains(t, out, "available 400")
}
