package compiler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/loyalty/internal/ir"
)

// CompileCUE parses a CUE rule document. Rules live under the top-level
// rule struct and are returned in declaration order:
//
//	rule: "jp-base": {
//		priority: 1
//		conditions: all: [{fact: "market", operator: "equal", value: "JP"}]
//		event: {type: "base", params: rate: 0.1}
//	}
func CompileCUE(src []byte, filename string) ([]ir.Rule, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return nil, nil
	}

	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rules []ir.Rule
	for iter.Next() {
		rule, err := CompileRuleValue(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// CompileRuleValue converts one CUE rule struct into an ir.Rule.
// The value must be concrete.
func CompileRuleValue(name string, v cue.Value) (ir.Rule, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return ir.Rule{}, formatCUEError(err)
	}

	// Round-trip through JSON so numbers keep their int/float distinction.
	raw, err := v.MarshalJSON()
	if err != nil {
		return ir.Rule{}, formatCUEError(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return ir.Rule{}, &CompileError{Field: "rule." + name, Message: err.Error(), Pos: v.Pos()}
	}

	rule, err := CompileRule(doc, name, "rule."+name)
	if err != nil {
		var ce *CompileError
		if errors.As(err, &ce) && !ce.Pos.IsValid() {
			ce.Pos = v.Pos()
		}
		return rule, err
	}
	return rule, nil
}

// CompileError is a structural problem in a rule document.
type CompileError struct {
	File    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
