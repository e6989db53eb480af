package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/loyalty/internal/ir"
)

// CompileRule converts one decoded rule document into an ir.Rule.
//
// name is used when the document carries no name of its own (CUE rules are
// named by their label). path prefixes field names in errors.
func CompileRule(doc map[string]any, name, path string) (ir.Rule, error) {
	var rule ir.Rule

	rule.Name = name
	if n, ok := doc["name"]; ok {
		s, isStr := n.(string)
		if !isStr {
			return rule, &CompileError{Field: path + ".name", Message: fmt.Sprintf("must be a string, got %T", n)}
		}
		rule.Name = s
	}
	if id, ok := doc["id"].(string); ok {
		rule.ID = id
	}
	if d, ok := doc["description"].(string); ok {
		rule.Description = d
	}

	if p, ok := doc["priority"]; ok {
		prio, err := toInt(p)
		if err != nil {
			return rule, &CompileError{Field: path + ".priority", Message: err.Error()}
		}
		rule.Priority = prio
	}

	if raw, ok := doc["conditions"]; ok && raw != nil {
		cond, err := compileCondition(raw, path+".conditions")
		if err != nil {
			return rule, err
		}
		rule.Condition = cond
	}

	effect, ok := doc["event"]
	if !ok {
		return rule, &CompileError{Field: path + ".event", Message: "event is required"}
	}
	em, ok := effect.(map[string]any)
	if !ok {
		return rule, &CompileError{Field: path + ".event", Message: fmt.Sprintf("must be an object, got %T", effect)}
	}
	if t, ok := em["type"].(string); ok {
		rule.Effect.Type = t
	}
	if params, ok := em["params"]; ok && params != nil {
		v, err := ir.FromAny(params)
		if err != nil {
			return rule, &CompileError{Field: path + ".event.params", Message: err.Error()}
		}
		obj, isObj := v.(ir.IRObject)
		if !isObj {
			return rule, &CompileError{Field: path + ".event.params", Message: "must be an object"}
		}
		rule.Effect.Params = obj
	}

	return rule, nil
}

// compileCondition parses a condition node.
func compileCondition(raw any, path string) (ir.Condition, error) {
	node, ok := raw.(map[string]any)
	if !ok {
		return nil, &CompileError{Field: path, Message: fmt.Sprintf("condition must be an object, got %T", raw)}
	}

	_, hasAll := node["all"]
	_, hasAny := node["any"]
	_, hasFact := node["fact"]
	switch {
	case hasAll && hasAny:
		return nil, &CompileError{Field: path, Message: "condition has both all and any"}
	case hasAll:
		children, err := compileChildren(node["all"], path+".all")
		if err != nil {
			return nil, err
		}
		return ir.All{Children: children}, nil
	case hasAny:
		children, err := compileChildren(node["any"], path+".any")
		if err != nil {
			return nil, err
		}
		return ir.Any{Children: children}, nil
	case hasFact:
		return compileLeaf(node, path)
	default:
		return nil, &CompileError{Field: path, Message: fmt.Sprintf("condition needs all, any or fact (keys: %s)", strings.Join(sortedKeys(node), ", "))}
	}
}

func compileChildren(raw any, path string) ([]ir.Condition, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, &CompileError{Field: path, Message: fmt.Sprintf("must be a list, got %T", raw)}
	}
	children := make([]ir.Condition, 0, len(list))
	for i, item := range list {
		c, err := compileCondition(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, nil
}

func compileLeaf(node map[string]any, path string) (ir.Leaf, error) {
	var leaf ir.Leaf

	fact, ok := node["fact"].(string)
	if !ok {
		return leaf, &CompileError{Field: path + ".fact", Message: "must be a string"}
	}
	leaf.Fact = fact

	op, ok := node["operator"].(string)
	if !ok {
		return leaf, &CompileError{Field: path + ".operator", Message: "must be a string"}
	}
	leaf.Operator = ir.Operator(op)

	v, err := ir.FromAny(node["value"])
	if err != nil {
		return leaf, &CompileError{Field: path + ".value", Message: err.Error()}
	}
	leaf.Value = v
	return leaf, nil
}

// toInt accepts whole numbers from any decoder.
func toInt(v any) (int, error) {
	iv, err := ir.FromAny(v)
	if err != nil {
		return 0, err
	}
	switch n := iv.(type) {
	case ir.IRInt:
		return int(n), nil
	case ir.IRFloat:
		if float64(n) == float64(int(n)) {
			return int(n), nil
		}
		return 0, fmt.Errorf("must be a whole number, got %v", float64(n))
	default:
		return 0, fmt.Errorf("must be a number, got %s", ir.TypeName(iv))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
