package ir

// Operator names a leaf comparison.
type Operator string

const (
	OpEqual                Operator = "equal"
	OpNotEqual             Operator = "notEqual"
	OpGreaterThan          Operator = "greaterThan"
	OpGreaterThanInclusive Operator = "greaterThanInclusive"
	OpLessThan             Operator = "lessThan"
	OpLessThanInclusive    Operator = "lessThanInclusive"
	OpIn                   Operator = "in"
	OpNotIn                Operator = "notIn"
	OpContains             Operator = "contains"
	OpDoesNotContain       Operator = "doesNotContain"
)

// ValidOperators is the closed operator set.
var ValidOperators = map[Operator]bool{
	OpEqual:                true,
	OpNotEqual:             true,
	OpGreaterThan:          true,
	OpGreaterThanInclusive: true,
	OpLessThan:             true,
	OpLessThanInclusive:    true,
	OpIn:                   true,
	OpNotIn:                true,
	OpContains:             true,
	OpDoesNotContain:       true,
}

// Condition is a sealed sum type: Leaf, All, or Any.
type Condition interface {
	condition() // Sealed - only Leaf, All, Any implement it
}

// Leaf compares one fact against a literal value.
type Leaf struct {
	Fact     string   `json:"fact"`
	Operator Operator `json:"operator"`
	Value    IRValue  `json:"value"`
}

func (Leaf) condition() {}

// All is a conjunction. An empty All is true.
type All struct {
	Children []Condition `json:"all"`
}

func (All) condition() {}

// Any is a disjunction. An empty Any is false.
type Any struct {
	Children []Condition `json:"any"`
}

func (Any) condition() {}

// WalkLeaves calls fn for every leaf under c in declaration order.
func WalkLeaves(c Condition, fn func(Leaf)) {
	switch n := c.(type) {
	case Leaf:
		fn(n)
	case All:
		for _, child := range n.Children {
			WalkLeaves(child, fn)
		}
	case Any:
		for _, child := range n.Children {
			WalkLeaves(child, fn)
		}
	}
}

// ConditionToIR converts a condition tree into an IRObject in the
// json-rules-engine document shape. Used for hashing and for printing.
func ConditionToIR(c Condition) IRObject {
	switch n := c.(type) {
	case Leaf:
		v := n.Value
		if v == nil {
			v = IRNull{}
		}
		return IRObject{
			"fact":     IRString(n.Fact),
			"operator": IRString(string(n.Operator)),
			"value":    v,
		}
	case All:
		return IRObject{"all": conditionsToIR(n.Children)}
	case Any:
		return IRObject{"any": conditionsToIR(n.Children)}
	default:
		return IRObject{}
	}
}

func conditionsToIR(children []Condition) IRArray {
	arr := make(IRArray, len(children))
	for i, child := range children {
		arr[i] = ConditionToIR(child)
	}
	return arr
}
