package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/loyalty/internal/ir"
)

const jpRulesCUE = `
rule: "jp-base": {
	description: "JP base earn"
	priority:    1
	conditions: all: [
		{fact: "eventType", operator: "equal", value: "PURCHASE"},
		{fact: "market", operator: "equal", value: "JP"},
	]
	event: {type: "base", params: rate: 0.1}
}

rule: "big-basket": {
	priority: 5
	conditions: any: [
		{fact: "amount", operator: "greaterThanInclusive", value: 10000},
		{fact: "tier", operator: "in", value: ["gold", "platinum"]},
	]
	event: {type: "threshold", params: {threshold: 10000, bonus: 200}}
}
`

const jpRulesYAML = `
rules:
  - name: jp-base
    description: JP base earn
    priority: 1
    conditions:
      all:
        - fact: eventType
          operator: equal
          value: PURCHASE
        - fact: market
          operator: equal
          value: JP
    event:
      type: base
      params:
        rate: 0.1
  - name: big-basket
    priority: 5
    conditions:
      any:
        - fact: amount
          operator: greaterThanInclusive
          value: 10000
        - fact: tier
          operator: in
          value: [gold, platinum]
    event:
      type: threshold
      params:
        threshold: 10000
        bonus: 200
`

const jpRulesJSON = `{"rules": [
  {"name": "jp-base", "description": "JP base earn", "priority": 1,
   "conditions": {"all": [
     {"fact": "eventType", "operator": "equal", "value": "PURCHASE"},
     {"fact": "market", "operator": "equal", "value": "JP"}]},
   "event": {"type": "base", "params": {"rate": 0.1}}},
  {"name": "big-basket", "priority": 5,
   "conditions": {"any": [
     {"fact": "amount", "operator": "greaterThanInclusive", "value": 10000},
     {"fact": "tier", "operator": "in", "value": ["gold", "platinum"]}]},
   "event": {"type": "threshold", "params": {"threshold": 10000, "bonus": 200}}}
]}`

func TestCompile_FormatsAgree(t *testing.T) {
	fromCUE, err := CompileCUE([]byte(jpRulesCUE), "rules.cue")
	require.NoError(t, err)
	fromYAML, err := CompileYAML([]byte(jpRulesYAML), "rules.yaml")
	require.NoError(t, err)
	fromJSON, err := CompileJSON([]byte(jpRulesJSON), "rules.json")
	require.NoError(t, err)

	require.Len(t, fromCUE, 2)
	assert.Equal(t, "jp-base", fromCUE[0].Name, "declaration order kept")
	assert.Equal(t, "big-basket", fromCUE[1].Name)

	cueHash, err := ir.RuleSetHash(fromCUE)
	require.NoError(t, err)
	yamlHash, err := ir.RuleSetHash(fromYAML)
	require.NoError(t, err)
	jsonHash, err := ir.RuleSetHash(fromJSON)
	require.NoError(t, err)
	assert.Equal(t, cueHash, yamlHash)
	assert.Equal(t, cueHash, jsonHash)
}

func TestCompile_ValueKinds(t *testing.T) {
	rules, err := CompileYAML([]byte(jpRulesYAML), "rules.yaml")
	require.NoError(t, err)

	base := rules[0]
	assert.Equal(t, 1, base.Priority)
	assert.Equal(t, "JP base earn", base.Description)
	assert.Equal(t, ir.IRFloat(0.1), base.Effect.Params["rate"])

	all, ok := base.Condition.(ir.All)
	require.True(t, ok)
	require.Len(t, all.Children, 2)
	assert.Equal(t, ir.Leaf{Fact: "market", Operator: ir.OpEqual, Value: ir.IRString("JP")}, all.Children[1])

	anyNode, ok := rules[1].Condition.(ir.Any)
	require.True(t, ok)
	assert.Equal(t, ir.IRInt(10000), anyNode.Children[0].(ir.Leaf).Value)
	assert.Equal(t, ir.IRArray{ir.IRString("gold"), ir.IRString("platinum")}, anyNode.Children[1].(ir.Leaf).Value)
}

func TestCompileRule_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{"missing event", map[string]any{"name": "r"}, "event is required"},
		{"bad priority", map[string]any{"name": "r", "priority": 1.5, "event": map[string]any{"type": "fixed"}}, "whole number"},
		{"all and any", map[string]any{"name": "r", "conditions": map[string]any{"all": []any{}, "any": []any{}}, "event": map[string]any{"type": "fixed"}}, "both all and any"},
		{"leaf without operator", map[string]any{"name": "r", "conditions": map[string]any{"fact": "market"}, "event": map[string]any{"type": "fixed"}}, "operator"},
		{"params not object", map[string]any{"name": "r", "event": map[string]any{"type": "fixed", "params": []any{1}}}, "must be an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRule(tt.doc, "", "rules[0]")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompileCUE_SyntaxErrorHasPosition(t *testing.T) {
	_, err := CompileCUE([]byte("rule: \"x\": {priority: }"), "broken.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestCompileCUE_NoRules(t *testing.T) {
	rules, err := CompileCUE([]byte(`other: 1`), "empty.cue")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		rule     ir.Rule
		wantCode string
		wantSev  Severity
	}{
		{
			name:     "unknown operator",
			rule:     ir.Rule{Name: "r", Condition: ir.Leaf{Fact: "market", Operator: "like", Value: ir.IRString("J%")}, Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRInt(1)}}},
			wantCode: ErrUnknownOperator,
			wantSev:  SeverityError,
		},
		{
			name:     "in without list",
			rule:     ir.Rule{Name: "r", Condition: ir.Leaf{Fact: "market", Operator: ir.OpIn, Value: ir.IRString("JP")}, Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRInt(1)}}},
			wantCode: ErrListValueRequired,
			wantSev:  SeverityError,
		},
		{
			name:     "unknown fact",
			rule:     ir.Rule{Name: "r", Condition: ir.Leaf{Fact: "shoeSize", Operator: ir.OpEqual, Value: ir.IRInt(9)}, Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRInt(1)}}},
			wantCode: ErrUnknownFact,
			wantSev:  SeverityWarning,
		},
		{
			name:     "unknown method",
			rule:     ir.Rule{Name: "r", Effect: ir.Effect{Type: "lottery"}},
			wantCode: ErrUnknownMethod,
			wantSev:  SeverityWarning,
		},
		{
			name:     "missing param",
			rule:     ir.Rule{Name: "r", Effect: ir.Effect{Type: "threshold", Params: ir.IRObject{"threshold": ir.IRInt(100)}}},
			wantCode: ErrMissingParam,
			wantSev:  SeverityError,
		},
		{
			name:     "non numeric param",
			rule:     ir.Rule{Name: "r", Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRString("ten")}}},
			wantCode: ErrParamNotNumeric,
			wantSev:  SeverityError,
		},
		{
			name:     "rejected formula",
			rule:     ir.Rule{Name: "r", Effect: ir.Effect{Type: "formula", Params: ir.IRObject{"formula": ir.IRString("amount; os.exit()")}}},
			wantCode: ErrFormulaRejected,
			wantSev:  SeverityWarning,
		},
		{
			name:     "missing effect type",
			rule:     ir.Rule{Name: "r"},
			wantCode: ErrEffectTypeEmpty,
			wantSev:  SeverityError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(tt.rule)
			require.NotEmpty(t, errs)
			var found bool
			for _, e := range errs {
				if e.Code == tt.wantCode {
					found = true
					assert.Equal(t, tt.wantSev, e.Severity)
				}
			}
			assert.True(t, found, "expected %s in %v", tt.wantCode, errs)
		})
	}
}

func TestValidate_CleanRule(t *testing.T) {
	rules, err := CompileCUE([]byte(jpRulesCUE), "rules.cue")
	require.NoError(t, err)
	for _, r := range rules {
		assert.Empty(t, Validate(r), r.Name)
	}
}

func TestValidate_ContextPrefixedFactsAreKnown(t *testing.T) {
	r := ir.Rule{Name: "r", Condition: ir.Leaf{Fact: "context.sku", Operator: ir.OpEqual, Value: ir.IRString("A1")}, Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRInt(1)}}}
	assert.Empty(t, Validate(r))
}

func TestValidateSet_DuplicateIDs(t *testing.T) {
	r := ir.Rule{Name: "dup", Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRInt(1)}}}
	errs := NewValidator(nil).ValidateSet([]ir.Rule{r, r})
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDuplicateRuleID, errs[0].Code)
	assert.True(t, HasErrors(errs))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDirSource_LexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "20-bonus.yaml", `
rules:
  - name: welcome
    event: {type: fixed, params: {points: 50}}
`)
	writeFile(t, dir, "10-base.cue", `
rule: "jp-base": {
	event: {type: "base", params: rate: 0.1}
}
`)
	writeFile(t, dir, "README.md", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o755))

	src := NewDirSource(dir)
	files, err := src.Files()
	require.NoError(t, err)
	assert.Len(t, files, 2)

	rules, err := src.LoadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "jp-base", rules[0].Name)
	assert.Equal(t, "welcome", rules[1].Name)
}

func TestDirSource_AggregatesErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"rules": [{"name": "x"}]}`)
	writeFile(t, dir, "b.yaml", "rules: [ {name: y, event: {type: fixed}} ]")

	_, err := NewDirSource(dir).LoadRules(context.Background())
	require.Error(t, err)
	assert.True(t, IsLoadError(err))
	assert.Contains(t, err.Error(), "a.json")
}

func TestDirSource_ValidationErrorBlocksLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "rules: [ {name: y, event: {type: fixed}} ]")

	_, err := NewDirSource(dir).LoadRules(context.Background())
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	require.Len(t, le.Errors, 1)
	assert.Contains(t, le.Errors[0].Error(), ErrMissingParam)
}

func TestDirSource_MissingDir(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope")).LoadRules(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStaticSource_ReturnsCopy(t *testing.T) {
	rules := []ir.Rule{{Name: "a", Effect: ir.Effect{Type: "fixed", Params: ir.IRObject{"points": ir.IRInt(1)}}}}
	src := NewStaticSource(rules)
	rules[0].Name = "mutated"

	got, err := src.LoadRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got[0].Name)
}
