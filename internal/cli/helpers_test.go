package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const baseRules = `rules:
  - name: jp-base
    conditions:
      all:
        - { fact: eventType, operator: equal, value: PURCHASE }
        - { fact: market, operator: equal, value: JP }
    event: { type: base }
  - name: redeem
    conditions:
      all:
        - { fact: eventType, operator: equal, value: REDEMPTION }
    event: { type: redemption }
`

// cliEnv is an isolated workspace: a rules directory, a database path and
// no LOYALTY_* settings that point outside it.
type cliEnv struct {
	dir   string
	rules string
	db    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, key := range []string{
		"LOYALTY_CONFIG",
		"LOYALTY_CHANGELOG_PATH",
		"LOYALTY_KAFKA_BROKERS",
		"LOYALTY_KAFKA_CHANGELOG_TOPIC",
		"LOYALTY_JWT_SECRET",
		"LOYALTY_OTEL_ENDPOINT",
	} {
		t.Setenv(key, "")
	}

	dir := t.TempDir()
	e := &cliEnv{
		dir:   dir,
		rules: filepath.Join(dir, "rules"),
		db:    filepath.Join(dir, "loyalty.db"),
	}
	require.NoError(t, os.MkdirAll(e.rules, 0755))
	e.writeRules(t, "base.yaml", baseRules)
	return e
}

func (e *cliEnv) writeRules(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.rules, name), []byte(content), 0644))
}

func (e *cliEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// run executes the root command with --rules and --db pointing at the
// workspace. stdin may be empty.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	full := append([]string{args[0], "--rules", e.rules, "--db", e.db}, args[1:]...)
	return execute(t, stdin, full...)
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	if stdin != "" {
		cmd.SetIn(strings.NewReader(stdin))
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

func purchaseJSON(id string, amount int) string {
	b, _ := json.Marshal(map[string]any{
		"id":         id,
		"type":       "PURCHASE",
		"market":     "JP",
		"consumerId": "c-1",
		"amount":     amount,
	})
	return string(b)
}
