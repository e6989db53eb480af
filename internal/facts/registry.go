package facts

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/roach88/loyalty/internal/ir"
)

// Func computes one fact. Functions must be pure with respect to the event
// and other facts, except that they may call Resolver.Profile.
type Func func(ctx context.Context, r *Resolver) (ir.IRValue, error)

// Registry maps fact names to functions. It is safe for concurrent use;
// resolvers for different events share one registry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a fact function.
func (g *Registry) Register(name string, fn Func) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.funcs[name] = fn
}

// Has reports whether name is registered.
func (g *Registry) Has(name string) bool {
	_, ok := g.lookup(name)
	return ok
}

// Names returns the registered fact names, sorted.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.funcs))
	for n := range g.funcs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (g *Registry) lookup(name string) (Func, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn, ok := g.funcs[name]
	return fn, ok
}

// DefaultRegistry returns a registry with the built-in facts.
func DefaultRegistry() *Registry {
	g := NewRegistry()

	g.Register("eventType", func(_ context.Context, r *Resolver) (ir.IRValue, error) {
		return ir.IRString(r.event.Type), nil
	})
	g.Register("eventId", stringFact("eventId", func(ev ir.Event) string { return ev.ID }))
	g.Register("market", stringFact("market", func(ev ir.Event) string { return ev.Market }))
	g.Register("channel", stringFact("channel", func(ev ir.Event) string { return ev.Channel }))
	g.Register("consumerId", stringFact("consumerId", func(ev ir.Event) string { return ev.ConsumerID }))

	for _, key := range []string{
		ir.KeyAmount,
		ir.KeyRetailAmount,
		ir.KeyDiscountedAmount,
		ir.KeyUnitCount,
		ir.KeyRequestedPoints,
		ir.KeyAdjustmentPoints,
	} {
		g.Register(key, numberFact(key))
	}

	g.Register("eventMonth", dateFact(func(t time.Time) ir.IRValue { return ir.IRInt(t.Month()) }))
	g.Register("eventWeekday", dateFact(func(t time.Time) ir.IRValue { return ir.IRInt(t.Weekday()) }))
	g.Register("eventHour", dateFact(func(t time.Time) ir.IRValue { return ir.IRInt(t.Hour()) }))
	g.Register("eventDate", dateFact(func(t time.Time) ir.IRValue { return ir.IRString(t.Format(time.DateOnly)) }))
	g.Register("isWeekend", dateFact(func(t time.Time) ir.IRValue {
		wd := t.Weekday()
		return ir.IRBool(wd == time.Saturday || wd == time.Sunday)
	}))

	g.Register("tier", profileFact("tier", func(p ir.Profile, _ *Resolver) (ir.IRValue, bool) {
		return ir.IRString(p.Tier), p.Tier != ""
	}))
	g.Register("purchaseCount", profileFact("purchaseCount", func(p ir.Profile, _ *Resolver) (ir.IRValue, bool) {
		return ir.IRInt(p.PurchaseCount), true
	}))
	g.Register("isFirstPurchase", profileFact("isFirstPurchase", func(p ir.Profile, r *Resolver) (ir.IRValue, bool) {
		return ir.IRBool(r.event.Type == ir.EventPurchase && p.PurchaseCount == 0), true
	}))
	g.Register("recyclingCountThisYear", profileFact("recyclingCountThisYear", func(p ir.Profile, _ *Resolver) (ir.IRValue, bool) {
		return ir.IRInt(p.RecyclingCountThisYear), true
	}))
	g.Register("tenureDays", profileFact("tenureDays", func(p ir.Profile, r *Resolver) (ir.IRValue, bool) {
		if p.RegistrationDate.IsZero() {
			return nil, false
		}
		days := int64(r.event.Timestamp.Sub(p.RegistrationDate).Hours() / 24)
		return ir.IRInt(max(days, 0)), true
	}))
	g.Register("isBirthMonth", profileFact("isBirthMonth", func(p ir.Profile, r *Resolver) (ir.IRValue, bool) {
		if p.BirthDate.IsZero() {
			return nil, false
		}
		return ir.IRBool(p.BirthDate.Month() == r.LocalTime().Month()), true
	}))

	return g
}

func stringFact(name string, get func(ir.Event) string) Func {
	return func(_ context.Context, r *Resolver) (ir.IRValue, error) {
		s := get(r.event)
		if s == "" {
			return nil, missing(name, "empty on event")
		}
		return ir.IRString(s), nil
	}
}

func numberFact(key string) Func {
	return func(_ context.Context, r *Resolver) (ir.IRValue, error) {
		n, ok := r.event.Number(key)
		if !ok {
			return nil, missing(key, "not present on event")
		}
		return ir.IRFloat(n), nil
	}
}

func dateFact(fn func(time.Time) ir.IRValue) Func {
	return func(_ context.Context, r *Resolver) (ir.IRValue, error) {
		return fn(r.LocalTime()), nil
	}
}

// profileFact adapts a profile accessor. A consumer without a profile, or a
// profile without the field, is a missing fact; store failures pass through.
func profileFact(name string, get func(ir.Profile, *Resolver) (ir.IRValue, bool)) Func {
	return func(ctx context.Context, r *Resolver) (ir.IRValue, error) {
		p, err := r.Profile(ctx)
		if errors.Is(err, ErrProfileNotFound) {
			return nil, missing(name, "consumer has no profile")
		}
		if err != nil {
			return nil, err
		}
		v, ok := get(p, r)
		if !ok {
			return nil, missing(name, "not recorded on profile")
		}
		return v, nil
	}
}
