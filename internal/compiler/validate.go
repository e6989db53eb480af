package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/loyalty/internal/calc"
	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// Rule shape (E100-E109)
	ErrRuleNameEmpty     = "E101" // rule needs a name or id
	ErrDuplicateRuleID   = "E102" // rule id already used in this set
	ErrEffectTypeEmpty   = "E103" // event.type is required
	ErrNegativePriority  = "E104" // priority below zero
	ErrEmptyConditionSet = "E105" // all/any with no children

	// Conditions (E110-E119)
	ErrUnknownOperator   = "E110" // operator not in the closed set
	ErrUnknownFact       = "E111" // fact not registered
	ErrListValueRequired = "E112" // in/notIn need a list literal
	ErrFactNameEmpty     = "E113" // leaf without a fact

	// Effects (E120-E129)
	ErrUnknownMethod   = "E120" // method outside the closed set
	ErrMissingParam    = "E121" // required method param missing
	ErrParamNotNumeric = "E122" // numeric param has another type
	ErrFormulaRejected = "E123" // formula fails the whitelist
)

// Severity of a validation finding. Errors block loading; warnings are logged.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationError represents one finding against a rule.
type ValidationError struct {
	RuleID   string   `json:"ruleId"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("[%s] rule %q: %s: %s", e.Code, e.RuleID, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// requiredParams lists the numeric params each method cannot run without.
var requiredParams = map[ir.Method][]string{
	ir.MethodFixed:      {"points"},
	ir.MethodMultiplier: {"multiplier"},
	ir.MethodThreshold:  {"threshold", "bonus"},
	ir.MethodActivity:   {"pointsPerUnit"},
	ir.MethodPercentage: {"percentage"},
}

var numericParams = []string{
	"points", "rate", "multiplier", "threshold", "bonus",
	"pointsPerUnit", "capPerPeriod", "percentage",
}

// Validator checks compiled rules. Facts are checked against registry when
// one is set.
type Validator struct {
	registry *facts.Registry
}

// NewValidator creates a Validator. A nil registry skips fact-name checks.
func NewValidator(registry *facts.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate validates one rule.
// Returns all findings (does not fail-fast).
func (v *Validator) Validate(rule ir.Rule) []ValidationError {
	id := rule.ID
	if id == "" {
		id = rule.Name
	}
	var errs []ValidationError
	add := func(field, code string, sev Severity, format string, args ...any) {
		errs = append(errs, ValidationError{
			RuleID:   id,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
			Code:     code,
			Severity: sev,
		})
	}

	// E101: name or id
	if strings.TrimSpace(id) == "" {
		add("name", ErrRuleNameEmpty, SeverityError, "rule needs a name or id")
	}

	// E104: priority
	if rule.Priority < 0 {
		add("priority", ErrNegativePriority, SeverityWarning, "negative priority %d sorts after every default rule", rule.Priority)
	}

	if rule.Condition != nil {
		v.validateCondition(rule.Condition, "conditions", add)
	}

	// E103: effect type
	if strings.TrimSpace(rule.Effect.Type) == "" {
		add("event.type", ErrEffectTypeEmpty, SeverityError, "event.type is required")
		return errs
	}

	method := rule.Effect.Method()
	// E120: unknown methods award 0 points at runtime
	if !method.Known() {
		add("event.type", ErrUnknownMethod, SeverityWarning, "unknown calculation method %q awards 0 points", method)
		return errs
	}

	// E121/E122: params
	for _, name := range requiredParams[method] {
		if _, ok := rule.Effect.Params[name]; !ok {
			add("event.params."+name, ErrMissingParam, SeverityError, "method %s requires param %s", method, name)
		}
	}
	for _, name := range numericParams {
		p, ok := rule.Effect.Params[name]
		if !ok {
			continue
		}
		if _, isNum := ir.AsNumber(p); !isNum {
			add("event.params."+name, ErrParamNotNumeric, SeverityError, "must be a number, got %s", ir.TypeName(p))
		}
	}

	// E123: formula whitelist
	if method == ir.MethodFormula {
		expr, ok := rule.Effect.Params.String("formula")
		if !ok {
			add("event.params.formula", ErrMissingParam, SeverityError, "method formula requires param formula")
		} else if _, err := calc.CheckFormula(expr); err != nil {
			sev := SeverityError
			if errors.Is(err, calc.ErrFormulaRejected) {
				// Rejected formulas still load and award 0 points.
				sev = SeverityWarning
			}
			add("event.params.formula", ErrFormulaRejected, sev, "%v", err)
		}
	}

	return errs
}

func (v *Validator) validateCondition(c ir.Condition, path string, add func(field, code string, sev Severity, format string, args ...any)) {
	switch n := c.(type) {
	case ir.All:
		if len(n.Children) == 0 {
			add(path+".all", ErrEmptyConditionSet, SeverityWarning, "empty all is always true")
		}
		for i, child := range n.Children {
			v.validateCondition(child, fmt.Sprintf("%s.all[%d]", path, i), add)
		}
	case ir.Any:
		if len(n.Children) == 0 {
			add(path+".any", ErrEmptyConditionSet, SeverityWarning, "empty any is never true")
		}
		for i, child := range n.Children {
			v.validateCondition(child, fmt.Sprintf("%s.any[%d]", path, i), add)
		}
	case ir.Leaf:
		if strings.TrimSpace(n.Fact) == "" {
			add(path+".fact", ErrFactNameEmpty, SeverityError, "fact is required")
		} else if !v.knownFact(n.Fact) {
			add(path+".fact", ErrUnknownFact, SeverityWarning, "fact %q is not registered; the condition will never match", n.Fact)
		}
		if !ir.ValidOperators[n.Operator] {
			add(path+".operator", ErrUnknownOperator, SeverityError, "unknown operator %q", n.Operator)
		}
		if n.Operator == ir.OpIn || n.Operator == ir.OpNotIn {
			if _, ok := n.Value.(ir.IRArray); !ok {
				add(path+".value", ErrListValueRequired, SeverityError, "operator %s requires a list value", n.Operator)
			}
		}
	}
}

func (v *Validator) knownFact(name string) bool {
	if v.registry == nil {
		return true
	}
	if strings.HasPrefix(name, facts.ContextPrefix) || strings.HasPrefix(name, facts.AttributesPrefix) {
		return true
	}
	return v.registry.Has(name)
}

// ValidateSet validates every rule plus cross-rule constraints.
func (v *Validator) ValidateSet(rules []ir.Rule) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		errs = append(errs, v.Validate(rule)...)

		id := rule.ID
		if id == "" {
			id = rule.Name
		}
		if id == "" {
			continue
		}
		// E102: duplicate ids
		if seen[id] {
			errs = append(errs, ValidationError{
				RuleID:   id,
				Field:    fmt.Sprintf("rules[%d].id", i),
				Message:  fmt.Sprintf("duplicate rule id %q", id),
				Code:     ErrDuplicateRuleID,
				Severity: SeverityError,
			})
		}
		seen[id] = true
	}
	return errs
}

// Validate validates one rule against the default fact registry.
func Validate(rule ir.Rule) []ValidationError {
	return NewValidator(facts.DefaultRegistry()).Validate(rule)
}

// HasErrors reports whether any finding has error severity.
func HasErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}
