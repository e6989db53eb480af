package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateValidRules(t *testing.T) {
	e := newCLIEnv(t)

	out, err := execute(t, "", "validate", e.rules)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All rules valid (2 rule(s) in 1 file(s))")
}

func TestValidateValidRulesJSON(t *testing.T) {
	e := newCLIEnv(t)

	out, err := execute(t, "", "validate", "--format", "json", e.rules)
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, float64(2), data["rules"])
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, err := execute(t, "", "validate", "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	_, err := execute(t, "", "validate", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
}

func TestValidateUnknownOperator(t *testing.T) {
	e := newCLIEnv(t)
	e.writeRules(t, "broken.yaml", `rules:
  - name: broken
    conditions:
      all:
        - { fact: market, operator: bogus, value: JP }
    event: { type: fixed, params: { points: 1 } }
`)

	out, err := execute(t, "", "validate", e.rules)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "bogus")
}

func TestValidateReportsEveryBrokenDocument(t *testing.T) {
	e := newCLIEnv(t)
	e.writeRules(t, "a.yaml", "rules: [unclosed\n")
	e.writeRules(t, "b.json", "{not json")

	out, err := execute(t, "", "validate", "--format", "json", e.rules)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeLoadFailed, resp.Error.Code)

	data := resp.Data.(map[string]any)
	assert.Equal(t, false, data["valid"])
	assert.Len(t, data["errors"], 2)
	assert.Equal(t, float64(3), data["files"])
}

func TestValidateDuplicateIDsAcrossFiles(t *testing.T) {
	e := newCLIEnv(t)
	e.writeRules(t, "dupe.yaml", `rules:
  - name: jp-base
    event: { type: fixed, params: { points: 5 } }
`)

	out, err := execute(t, "", "validate", e.rules)
	require.Error(t, err)
	assert.Contains(t, out, "[E102]")
}

func TestValidateWarningsDoNotFail(t *testing.T) {
	e := newCLIEnv(t)
	e.writeRules(t, "warn.yaml", `rules:
  - name: odd
    conditions:
      all:
        - { fact: shoeSize, operator: equal, value: 42 }
    event: { type: fixed, params: { points: 5 } }
`)

	out, err := execute(t, "", "validate", e.rules)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All rules valid (3 rule(s) in 2 file(s))")
	assert.Contains(t, out, "warning [E111]")
}

func TestLoadRules_CompileErrorKeepsOtherFiles(t *testing.T) {
	e := newCLIEnv(t)
	e.writeRules(t, "z.yaml", "rules: [unclosed\n")

	result, errs := LoadRules(e.rules)
	require.NotNil(t, result)
	require.Len(t, errs, 1)
	assert.Len(t, result.Rules, 2)
	assert.Len(t, result.Files, 2)

	var le *LoadError
	require.ErrorAs(t, errs[0], &le)
	assert.Equal(t, ErrCodeLoadFailed, le.Code)
	assert.Contains(t, le.File, "z.yaml")
}

func TestLoadError_Format(t *testing.T) {
	assert.Equal(t, "rules/a.cue:3: E004: bad", (&LoadError{Code: "E004", Message: "bad", File: "rules/a.cue", Line: 3}).Error())
	assert.Equal(t, "a.yaml: E004: bad", (&LoadError{Code: "E004", Message: "bad", File: "a.yaml"}).Error())
	assert.Equal(t, "E005: gone", (&LoadError{Code: "E005", Message: "gone"}).Error())
}
