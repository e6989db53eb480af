package ir

// Method names a calculation method. The set is closed; see calc.Dispatcher.
type Method string

const (
	MethodFixed      Method = "fixed"
	MethodBase       Method = "base"
	MethodMultiplier Method = "multiplier"
	MethodThreshold  Method = "threshold"
	MethodActivity   Method = "activity"
	MethodPercentage Method = "percentage"
	MethodRedemption Method = "redemption"
	MethodAdjustment Method = "adjustment"
	MethodFormula    Method = "formula"
)

// KnownMethods is the closed method set in declaration order.
var KnownMethods = []Method{
	MethodFixed,
	MethodBase,
	MethodMultiplier,
	MethodThreshold,
	MethodActivity,
	MethodPercentage,
	MethodRedemption,
	MethodAdjustment,
	MethodFormula,
}

// Known reports whether m is in the closed method set.
func (m Method) Known() bool {
	for _, k := range KnownMethods {
		if k == m {
			return true
		}
	}
	return false
}

// Effect is what a matched rule does: an event-type tag plus parameters.
// The calculation method is Params["method"] when present, else Type.
type Effect struct {
	Type   string   `json:"type"`
	Params IRObject `json:"params,omitempty"`
}

// Method resolves the calculation method named by the effect.
func (e Effect) Method() Method {
	if m, ok := e.Params.String("method"); ok && m != "" {
		return Method(m)
	}
	return Method(e.Type)
}

// Rule is a named, prioritized condition tied to a reward effect.
// Higher Priority evaluates and reports first.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Priority    int       `json:"priority"`
	Condition   Condition `json:"-"`
	Effect      Effect    `json:"event"`
}

// ToIR converts the rule to an IRObject, used for rule-set hashing.
func (r Rule) ToIR() IRObject {
	obj := IRObject{
		"id":       IRString(r.ID),
		"name":     IRString(r.Name),
		"priority": IRInt(r.Priority),
		"event": IRObject{
			"type":   IRString(r.Effect.Type),
			"params": nonNilObject(r.Effect.Params),
		},
	}
	if r.Condition != nil {
		obj["conditions"] = ConditionToIR(r.Condition)
	}
	if r.Description != "" {
		obj["description"] = IRString(r.Description)
	}
	return obj
}

func nonNilObject(o IRObject) IRObject {
	if o == nil {
		return IRObject{}
	}
	return o
}
