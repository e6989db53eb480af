package engine

import (
	"github.com/roach88/loyalty/internal/ir"
)

// compare applies op to a resolved fact value and a condition literal.
//
// Numeric operands are compared as float64 regardless of whether they were
// written as integers or decimals. Any other type mismatch yields false,
// never an error, so a badly typed rule simply does not match.
func compare(op ir.Operator, fact, literal ir.IRValue) bool {
	switch op {
	case ir.OpEqual:
		return valuesEqual(fact, literal)
	case ir.OpNotEqual:
		if !comparableKinds(fact, literal) {
			return false
		}
		return !valuesEqual(fact, literal)
	case ir.OpGreaterThan:
		return ordered(fact, literal, func(c int) bool { return c > 0 })
	case ir.OpGreaterThanInclusive:
		return ordered(fact, literal, func(c int) bool { return c >= 0 })
	case ir.OpLessThan:
		return ordered(fact, literal, func(c int) bool { return c < 0 })
	case ir.OpLessThanInclusive:
		return ordered(fact, literal, func(c int) bool { return c <= 0 })
	case ir.OpIn:
		list, ok := literal.(ir.IRArray)
		if !ok {
			return false
		}
		return listContains(list, fact)
	case ir.OpNotIn:
		list, ok := literal.(ir.IRArray)
		if !ok {
			return false
		}
		return !listContains(list, fact)
	case ir.OpContains:
		list, ok := fact.(ir.IRArray)
		if !ok {
			return false
		}
		return listContains(list, literal)
	case ir.OpDoesNotContain:
		list, ok := fact.(ir.IRArray)
		if !ok {
			return false
		}
		return !listContains(list, literal)
	default:
		return false
	}
}

// numeric returns the float64 value of an Int or Float. Strings are not
// coerced here even when they look numeric.
func numeric(v ir.IRValue) (float64, bool) {
	switch n := v.(type) {
	case ir.IRInt:
		return float64(n), true
	case ir.IRFloat:
		return float64(n), true
	default:
		return 0, false
	}
}

// comparableKinds reports whether a and b belong to the same comparison
// family (numbers, strings, bools, null, lists, maps).
func comparableKinds(a, b ir.IRValue) bool {
	return ir.TypeName(a) == ir.TypeName(b)
}

func valuesEqual(a, b ir.IRValue) bool {
	if x, ok := numeric(a); ok {
		y, ok := numeric(b)
		return ok && x == y
	}
	switch av := a.(type) {
	case nil, ir.IRNull:
		switch b.(type) {
		case nil, ir.IRNull:
			return true
		}
		return false
	case ir.IRString:
		bv, ok := b.(ir.IRString)
		return ok && av == bv
	case ir.IRBool:
		bv, ok := b.(ir.IRBool)
		return ok && av == bv
	case ir.IRArray:
		bv, ok := b.(ir.IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case ir.IRObject:
		bv, ok := b.(ir.IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !valuesEqual(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ordered compares numbers numerically and strings lexically. Every other
// pairing is false.
func ordered(a, b ir.IRValue, accept func(int) bool) bool {
	if x, ok := numeric(a); ok {
		y, ok := numeric(b)
		if !ok {
			return false
		}
		switch {
		case x < y:
			return accept(-1)
		case x > y:
			return accept(1)
		default:
			return accept(0)
		}
	}
	as, ok := a.(ir.IRString)
	if !ok {
		return false
	}
	bs, ok := b.(ir.IRString)
	if !ok {
		return false
	}
	switch {
	case as < bs:
		return accept(-1)
	case as > bs:
		return accept(1)
	default:
		return accept(0)
	}
}

func listContains(list ir.IRArray, v ir.IRValue) bool {
	for _, elem := range list {
		if valuesEqual(elem, v) {
			return true
		}
	}
	return false
}
