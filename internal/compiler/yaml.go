package compiler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loyalty/internal/ir"
)

// rulesDocument is the YAML/JSON envelope.
type rulesDocument struct {
	Rules []map[string]any `yaml:"rules" json:"rules"`
}

// CompileYAML parses a YAML rule document.
func CompileYAML(src []byte, filename string) ([]ir.Rule, error) {
	var doc rulesDocument
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, &CompileError{File: filename, Field: "yaml", Message: err.Error()}
	}
	return compileDocument(doc, filename)
}

// CompileJSON parses a JSON rule document.
func CompileJSON(src []byte, filename string) ([]ir.Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	var doc rulesDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, &CompileError{File: filename, Field: "json", Message: err.Error()}
	}
	return compileDocument(doc, filename)
}

// CompileDocuments compiles already-decoded rule documents, as found under
// the "rules" key of a YAML or JSON file or embedded in a test scenario.
func CompileDocuments(docs []map[string]any, filename string) ([]ir.Rule, error) {
	return compileDocument(rulesDocument{Rules: docs}, filename)
}

func compileDocument(doc rulesDocument, filename string) ([]ir.Rule, error) {
	rules := make([]ir.Rule, 0, len(doc.Rules))
	for i, raw := range doc.Rules {
		rule, err := CompileRule(raw, "", fmt.Sprintf("rules[%d]", i))
		if err != nil {
			var ce *CompileError
			if errors.As(err, &ce) && ce.File == "" {
				ce.File = filename
			}
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
