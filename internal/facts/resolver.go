package facts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/loyalty/internal/ir"
)

// ErrProfileNotFound is returned by a ProfileStore for unknown consumers.
var ErrProfileNotFound = errors.New("profile not found")

// ProfileStore is the external consumer-profile lookup.
type ProfileStore interface {
	GetConsumerProfile(ctx context.Context, consumerID string) (ir.Profile, error)
}

// Prefixes for facts read straight from the event maps.
const (
	ContextPrefix    = "context."
	AttributesPrefix = "attributes."
)

type cachedValue struct {
	value ir.IRValue
	err   error
}

// Resolver computes and memoizes facts for one event. It is not safe for
// concurrent use; each run owns its Resolver.
type Resolver struct {
	event    ir.Event
	registry *Registry
	profiles ProfileStore
	loc      *time.Location

	cache map[string]cachedValue

	profileLoaded  bool
	profile        ir.Profile
	profileErr     error
	profileFetches int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLocation sets the market timezone used by date facts.
func WithLocation(loc *time.Location) ResolverOption {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithProfile supplies an already-fetched profile, so profile-backed facts
// never reach the ProfileStore.
func WithProfile(p ir.Profile) ResolverOption {
	return func(r *Resolver) {
		r.profileLoaded = true
		r.profile = p
	}
}

// WithProfileError records that enrichment failed with err. Profile-backed
// facts then resolve as missing instead of retrying the store.
func WithProfileError(err error) ResolverOption {
	return func(r *Resolver) {
		r.profileLoaded = true
		r.profileErr = err
	}
}

// NewResolver creates a per-run resolver. profiles may be nil when all
// profile data is supplied through WithProfile or not needed.
func NewResolver(ev ir.Event, registry *Registry, profiles ProfileStore, opts ...ResolverOption) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	r := &Resolver{
		event:    ev,
		registry: registry,
		profiles: profiles,
		loc:      time.UTC,
		cache:    make(map[string]cachedValue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Event returns the event under evaluation.
func (r *Resolver) Event() ir.Event {
	return r.event
}

// Location returns the timezone used for date facts.
func (r *Resolver) Location() *time.Location {
	return r.loc
}

// LocalTime is the event timestamp in the market timezone.
func (r *Resolver) LocalTime() time.Time {
	return r.event.Timestamp.In(r.loc)
}

// ProfileFetches reports how many times the ProfileStore was called.
func (r *Resolver) ProfileFetches() int {
	return r.profileFetches
}

// Resolve returns the value of the named fact, computing it on first request.
// Unknown names and facts with no value yield a *MissingFactError.
func (r *Resolver) Resolve(ctx context.Context, name string) (ir.IRValue, error) {
	if c, ok := r.cache[name]; ok {
		return c.value, c.err
	}

	v, err := r.compute(ctx, name)
	r.cache[name] = cachedValue{value: v, err: err}
	return v, err
}

func (r *Resolver) compute(ctx context.Context, name string) (ir.IRValue, error) {
	if key, ok := strings.CutPrefix(name, ContextPrefix); ok {
		if v, found := r.event.Context[key]; found {
			return v, nil
		}
		return nil, missing(name, "not present in event context")
	}
	if key, ok := strings.CutPrefix(name, AttributesPrefix); ok {
		if v, found := r.event.Attributes[key]; found {
			return v, nil
		}
		return nil, missing(name, "not present in event attributes")
	}

	fn, ok := r.registry.lookup(name)
	if !ok {
		return nil, missing(name, "no fact registered under this name")
	}
	return fn(ctx, r)
}

// Profile returns the consumer profile, reading the store at most once per
// run. No lock is held during the read; the caller's ctx bounds it.
func (r *Resolver) Profile(ctx context.Context) (ir.Profile, error) {
	if r.profileLoaded {
		return r.profile, r.profileErr
	}
	r.profileLoaded = true

	if r.profiles == nil {
		r.profileErr = ErrProfileNotFound
		return ir.Profile{}, r.profileErr
	}

	r.profileFetches++
	p, err := r.profiles.GetConsumerProfile(ctx, r.event.ConsumerID)
	if err != nil {
		r.profileErr = fmt.Errorf("load profile %s: %w", r.event.ConsumerID, err)
		return ir.Profile{}, r.profileErr
	}
	r.profile = p
	return p, nil
}
