// Package expiry computes when a consumer's points next expire.
//
// Markets choose one of two modes:
//
//   - rolling: the window restarts at the consumer's latest qualifying
//     activity, falling back to first purchase, then registration.
//   - fiscal-year: every consumer in the market shares one cutoff, the end
//     of the day before the configured fiscal start, in market time.
//
// Expiration is read-only. Nothing here mutates balances.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
)

// DefaultWindowDays is the rolling window when a policy leaves it unset.
const DefaultWindowDays = 365

// ErrNoPolicy is returned for a market with no expiration policy.
var ErrNoPolicy = errors.New("no expiration policy for market")

// HistorySource reads a consumer's applied postings.
type HistorySource interface {
	History(ctx context.Context, consumerID string) ([]ir.HistoryEntry, error)
}

// Engine evaluates per-market expiration policies.
type Engine struct {
	policies  map[string]ir.ExpirationPolicy
	locations map[string]*time.Location
	history   HistorySource
	profiles  facts.ProfileStore
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the policy for market.
func WithPolicy(market string, p ir.ExpirationPolicy) Option {
	return func(e *Engine) {
		e.policies[strings.ToUpper(market)] = p
	}
}

// WithLocation sets the timezone for market.
func WithLocation(market string, loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.locations[strings.ToUpper(market)] = loc
		}
	}
}

// WithHistory sets the history collaborator used by ForConsumer.
func WithHistory(h HistorySource) Option {
	return func(e *Engine) {
		e.history = h
	}
}

// WithProfiles sets the profile collaborator used by the rolling fallback.
func WithProfiles(p facts.ProfileStore) Option {
	return func(e *Engine) {
		e.profiles = p
	}
}

// WithNow sets the clock fiscal-year mode is evaluated against.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		policies:  make(map[string]ir.ExpirationPolicy),
		locations: make(map[string]*time.Location),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the policy configured for market.
func (e *Engine) Policy(market string) (ir.ExpirationPolicy, bool) {
	p, ok := e.policies[strings.ToUpper(market)]
	return p, ok
}

func (e *Engine) location(market string) *time.Location {
	if loc, ok := e.locations[strings.ToUpper(market)]; ok {
		return loc
	}
	return time.UTC
}

// NextExpiration computes the next expiry instant for consumerID in market
// given its history. A nil time means nothing is scheduled to expire.
func (e *Engine) NextExpiration(ctx context.Context, consumerID, market string, history []ir.HistoryEntry) (*time.Time, error) {
	p, ok := e.Policy(market)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoPolicy, market)
	}
	loc := e.location(market)

	switch p.Mode {
	case ir.ExpirationFiscalYear:
		t, err := FiscalYearEnd(e.now(), p.FiscalStartMonth, p.FiscalStartDay, loc)
		if err != nil {
			return nil, err
		}
		return &t, nil
	case ir.ExpirationRolling, "":
		anchor, err := e.rollingAnchor(ctx, consumerID, p, history)
		if err != nil || anchor == nil {
			return nil, err
		}
		t := RollingExpiry(*anchor, p.WindowDays, loc)
		return &t, nil
	default:
		return nil, fmt.Errorf("market %q: unknown expiration mode %q", market, p.Mode)
	}
}

// ForConsumer loads history and calls NextExpiration.
func (e *Engine) ForConsumer(ctx context.Context, consumerID, market string) (*time.Time, error) {
	var history []ir.HistoryEntry
	if p, ok := e.Policy(market); ok && p.Mode != ir.ExpirationFiscalYear && e.history != nil {
		h, err := e.history.History(ctx, consumerID)
		if err != nil {
			return nil, fmt.Errorf("expiry: history %s: %w", consumerID, err)
		}
		history = h
	}
	return e.NextExpiration(ctx, consumerID, market, history)
}

// QualifyingTypes returns the event types that restart a rolling window.
func QualifyingTypes(p ir.ExpirationPolicy) []ir.EventType {
	types := p.QualifyingTypes
	if len(types) == 0 {
		types = []ir.EventType{ir.EventPurchase}
	}
	if p.ExtendOnAdjustment && !slices.Contains(types, ir.EventAdjustment) {
		types = append(slices.Clone(types), ir.EventAdjustment)
	}
	return types
}

// LatestQualifying returns the most recent OccurredAt among entries whose
// type qualifies, or nil.
func LatestQualifying(history []ir.HistoryEntry, types []ir.EventType) *time.Time {
	var latest *time.Time
	for i := range history {
		h := history[i]
		if !slices.Contains(types, h.EventType) || h.OccurredAt.IsZero() {
			continue
		}
		if latest == nil || h.OccurredAt.After(*latest) {
			t := h.OccurredAt
			latest = &t
		}
	}
	return latest
}

func (e *Engine) rollingAnchor(ctx context.Context, consumerID string, p ir.ExpirationPolicy, history []ir.HistoryEntry) (*time.Time, error) {
	if t := LatestQualifying(history, QualifyingTypes(p)); t != nil {
		return t, nil
	}
	if e.profiles == nil {
		return nil, nil
	}
	prof, err := e.profiles.GetConsumerProfile(ctx, consumerID)
	if err != nil {
		if errors.Is(err, facts.ErrProfileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("expiry: profile %s: %w", consumerID, err)
	}
	switch {
	case !prof.FirstPurchaseDate.IsZero():
		return &prof.FirstPurchaseDate, nil
	case !prof.RegistrationDate.IsZero():
		return &prof.RegistrationDate, nil
	default:
		return nil, nil
	}
}

// RollingExpiry adds windowDays calendar days to anchor in loc.
func RollingExpiry(anchor time.Time, windowDays int, loc *time.Location) time.Time {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return anchor.In(loc).AddDate(0, 0, windowDays)
}

// ValidatePolicy reports whether NextExpiration can evaluate p. An empty
// mode is rolling.
func ValidatePolicy(p ir.ExpirationPolicy) error {
	switch p.Mode {
	case ir.ExpirationRolling, "":
		if p.WindowDays < 0 {
			return fmt.Errorf("windowDays must not be negative")
		}
		for _, t := range p.QualifyingTypes {
			if !t.Valid() {
				return fmt.Errorf("unknown qualifying type %q", t)
			}
		}
		return nil
	case ir.ExpirationFiscalYear:
		return validateFiscalStart(p.FiscalStartMonth, p.FiscalStartDay)
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
}

func validateFiscalStart(month time.Month, day int) error {
	if month < time.January || month > time.December {
		return fmt.Errorf("fiscal start month %d out of range", month)
	}
	// 2001 is not a leap year, so Feb 29 is rejected.
	if day < 1 || time.Date(2001, month, day, 0, 0, 0, 0, time.UTC).Month() != month {
		return fmt.Errorf("fiscal start day %d invalid for %s", day, month)
	}
	return nil
}

// FiscalYearEnd returns 23:59:59 in loc on the day before the next fiscal
// start strictly after now. On the start day itself the cutoff moves to the
// following year.
func FiscalYearEnd(now time.Time, startMonth time.Month, startDay int, loc *time.Location) (time.Time, error) {
	if err := validateFiscalStart(startMonth, startDay); err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	start := time.Date(local.Year(), startMonth, startDay, 0, 0, 0, 0, loc)
	if !local.Before(start) {
		start = start.AddDate(1, 0, 0)
	}
	end := start.AddDate(0, 0, -1)
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, loc), nil
}
