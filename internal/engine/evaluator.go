package engine

import (
	"context"
	"fmt"

	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

// FactSource resolves named facts for one event. *facts.Resolver is the
// production implementation.
type FactSource interface {
	Resolve(ctx context.Context, name string) (ir.IRValue, error)
}

// Evaluator evaluates condition trees against a FactSource.
//
// A leaf whose fact is missing evaluates to false. In strict mode the
// missing fact is returned as an error instead, so the caller can reject
// the event. Any other resolution failure is always returned.
type Evaluator struct {
	strict bool
}

// NewEvaluator creates an Evaluator. strict controls missing-fact handling.
func NewEvaluator(strict bool) *Evaluator {
	return &Evaluator{strict: strict}
}

// Evaluate reports whether cond holds. A nil condition always holds.
//
// All short-circuits on the first false child and Any on the first true
// child, so facts behind a decided branch are never resolved.
func (e *Evaluator) Evaluate(ctx context.Context, cond ir.Condition, src FactSource) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case ir.Leaf:
		return e.leaf(ctx, c, src)
	case ir.All:
		for _, child := range c.Children {
			ok, err := e.Evaluate(ctx, child, src)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case ir.Any:
		for _, child := range c.Children {
			ok, err := e.Evaluate(ctx, child, src)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported condition node %T", cond)
	}
}

func (e *Evaluator) leaf(ctx context.Context, l ir.Leaf, src FactSource) (bool, error) {
	v, err := src.Resolve(ctx, l.Fact)
	if err != nil {
		if facts.IsMissingFact(err) && !e.strict {
			return false, nil
		}
		return false, err
	}
	return compare(l.Operator, v, l.Value), nil
}
