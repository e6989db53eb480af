package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/loyalty/internal/calc"
	"github.com/roach88/loyalty/internal/facts"
	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/ledger"
)

// DefaultProfileTimeout bounds the enrichment profile read.
const DefaultProfileTimeout = 2 * time.Second

const tracerName = "github.com/roach88/loyalty/internal/engine"

// Ledger is the balance collaborator. *ledger.Ledger implements it.
type Ledger interface {
	Post(ctx context.Context, p ledger.Posting) (ir.ConsumerBalance, error)
	GetBalance(ctx context.Context, consumerID string) (ir.ConsumerBalance, error)
}

// AuditLog receives one record per processed event.
type AuditLog interface {
	RecordAudit(ctx context.Context, rec ir.AuditRecord) error
}

// ExpiryReader computes a consumer's next expiration for the audit record.
type ExpiryReader interface {
	ForConsumer(ctx context.Context, consumerID, market string) (*time.Time, error)
}

// Observer receives processing measurements. metrics.Registry implements it.
type Observer interface {
	EventProcessed(eventType ir.EventType, outcome string, elapsed time.Duration)
	RuleMatched(ruleID string)
	PointsPosted(eventType ir.EventType, points int64)
	CalculationFailed(method ir.Method)
	LedgerRejected(eventType ir.EventType)
}

type nopObserver struct{}

func (nopObserver) EventProcessed(ir.EventType, string, time.Duration) {}
func (nopObserver) RuleMatched(string)                                 {}
func (nopObserver) PointsPosted(ir.EventType, int64)                   {}
func (nopObserver) CalculationFailed(ir.Method)                        {}
func (nopObserver) LedgerRejected(ir.EventType)                        {}

// Engine is the event orchestrator.
//
// ProcessEvent walks one event through
//
//	Received -> Validated -> Enriched -> Evaluated -> Calculated -> LedgerApplied -> Completed
//
// with Rejected reachable from every state before Completed. A ledger
// rejection leaves Calculated for LedgerApplied first, then Rejected.
//
// Thread-safety model:
//   - ProcessEvent(): safe from any goroutine; each run owns its fact resolver
//   - The only lock taken is the ledger's per-consumer lock, never held
//     across the profile fetch
//   - The rule set is read through an atomic snapshot per run
type Engine struct {
	rules      *RuleStore
	dispatcher *calc.Dispatcher
	ledger     Ledger
	matcher    *Matcher

	profiles       facts.ProfileStore
	registry       *facts.Registry
	locations      map[string]*time.Location
	profileTimeout time.Duration
	strictFacts    bool

	audit    AuditLog
	expiry   ExpiryReader
	observer Observer
	tracer   trace.Tracer
	runIDs   RunIDGenerator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithProfiles sets the consumer profile store used during enrichment.
func WithProfiles(p facts.ProfileStore) Option {
	return func(e *Engine) {
		e.profiles = p
	}
}

// WithFactRegistry replaces the default fact registry.
func WithFactRegistry(r *facts.Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithStrictFacts rejects events whose rules reference missing facts
// instead of treating those leaves as false.
func WithStrictFacts(strict bool) Option {
	return func(e *Engine) {
		e.strictFacts = strict
	}
}

// WithProfileTimeout bounds the profile read.
//
// Default: 2s (DefaultProfileTimeout). Zero disables the bound.
func WithProfileTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.profileTimeout = d
	}
}

// WithMarketLocations sets per-market timezones for date facts.
func WithMarketLocations(locs map[string]*time.Location) Option {
	return func(e *Engine) {
		for k, v := range locs {
			e.locations[strings.ToUpper(k)] = v
		}
	}
}

// WithAuditLog records every run.
func WithAuditLog(a AuditLog) Option {
	return func(e *Engine) {
		e.audit = a
	}
}

// WithExpiry adds the consumer's next expiration to completed audit records.
func WithExpiry(x ExpiryReader) Option {
	return func(e *Engine) {
		e.expiry = x
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithTracer overrides the tracer, which otherwise comes from the global
// otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithRunIDGenerator overrides run ID generation.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) {
		e.runIDs = g
	}
}

// WithClock sets the wall clock used for audit timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(rules *RuleStore, dispatcher *calc.Dispatcher, l Ledger, opts ...Option) *Engine {
	e := &Engine{
		rules:          rules,
		dispatcher:     dispatcher,
		ledger:         l,
		locations:      make(map[string]*time.Location),
		profileTimeout: DefaultProfileTimeout,
		observer:       nopObserver{},
		runIDs:         UUIDv7Generator{},
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = facts.DefaultRegistry()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.matcher = NewMatcher(NewEvaluator(e.strictFacts), e.logger)
	return e
}

// Rules returns the engine's rule store.
func (e *Engine) Rules() *RuleStore {
	return e.rules
}

// Location returns the timezone configured for market, UTC otherwise.
func (e *Engine) Location(market string) *time.Location {
	if loc, ok := e.locations[strings.ToUpper(market)]; ok && loc != nil {
		return loc
	}
	return time.UTC
}

// ValidateEvent lists everything wrong with ev. An empty result means the
// event may proceed.
func ValidateEvent(ev ir.Event) []string {
	var problems []string
	if strings.TrimSpace(ev.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(ev.ConsumerID) == "" {
		problems = append(problems, "consumerId is required")
	}
	if !ev.Type.Valid() {
		problems = append(problems, fmt.Sprintf("type %q is not a known event type", ev.Type))
	}
	if strings.TrimSpace(ev.Market) == "" {
		problems = append(problems, "market is required")
	}
	for _, key := range []string{ir.KeyAmount, ir.KeyRetailAmount, ir.KeyDiscountedAmount, ir.KeyUnitCount, ir.KeyRequestedPoints, ir.KeyAdjustmentPoints} {
		v, ok := ev.Context[key]
		if !ok {
			continue
		}
		if _, isNum := ir.AsNumber(v); !isNum {
			problems = append(problems, fmt.Sprintf("context.%s must be a number, got %s", key, ir.TypeName(v)))
		}
	}
	return problems
}

// run carries the per-event working state.
type run struct {
	id     string
	event  ir.Event
	state  *runState
	result ir.EventResult
	set    *RuleSet
	logger *slog.Logger
	span   trace.Span
	start  time.Time
}

// ProcessEvent evaluates ev, applies the aggregated delta to the ledger
// and returns the result.
//
// The returned error is non-nil only when the event is rejected as invalid
// (*ValidationError) or an infrastructure dependency fails. Business
// rejections such as insufficient balance are reported in result.Errors
// with a nil error.
func (e *Engine) ProcessEvent(ctx context.Context, ev ir.Event) (ir.EventResult, error) {
	start := e.now()
	if ev.Timestamp.IsZero() {
		// Events without a timestamp are stamped on receipt.
		ev.Timestamp = start.UTC()
	}
	r := &run{
		id:     e.runIDs.Generate(),
		event:  ev,
		state:  newRunState(),
		result: ir.NewEventResult(ev),
		start:  start,
	}
	r.result.RunID = r.id
	ctx, r.span = e.tracer.Start(ctx, "loyalty.ProcessEvent", trace.WithAttributes(
		attribute.String("loyalty.run_id", r.id),
		attribute.String("loyalty.event_id", ev.ID),
		attribute.String("loyalty.event_type", string(ev.Type)),
		attribute.String("loyalty.market", ev.Market),
		attribute.String("loyalty.consumer_id", ev.ConsumerID),
	))
	defer r.span.End()
	r.logger = e.logger.With("run_id", r.id, "event_id", ev.ID, "consumer_id", ev.ConsumerID)

	// Received -> Validated
	if problems := ValidateEvent(ev); len(problems) > 0 {
		verr := &ValidationError{EventID: ev.ID, Problems: problems}
		return e.reject(ctx, r, verr, verr)
	}
	r.state.advance(StateValidated)

	set, err := e.rules.Snapshot()
	if err != nil {
		return e.reject(ctx, r, err, fmt.Errorf("engine: %w", err))
	}
	r.set = set

	// Validated -> Enriched
	resolver := e.enrich(ctx, r)
	r.state.advance(StateEnriched)

	// Enriched -> Evaluated
	matches, failures, err := e.matcher.Match(ctx, set, resolver)
	if err != nil {
		verr := &ValidationError{EventID: ev.ID, Problems: []string{err.Error()}}
		return e.reject(ctx, r, verr, verr)
	}
	for _, f := range failures {
		r.result.Errors = append(r.result.Errors, (&RuntimeError{
			Code:    ErrCodeEvaluation,
			Message: "condition evaluation failed",
			EventID: ev.ID,
			RuleID:  f.RuleID,
			Err:     f.Err,
		}).Error())
	}
	r.state.advance(StateEvaluated)

	// Evaluated -> Calculated
	total := e.calculate(r, matches)
	r.state.advance(StateCalculated)

	// Calculated -> LedgerApplied. The posting is not cancellable once started.
	bal, err := e.ledger.Post(context.WithoutCancel(ctx), ledger.Posting{
		ConsumerID: ev.ConsumerID,
		EventID:    ev.ID,
		EventType:  ev.Type,
		Points:     total,
		OccurredAt: ev.Timestamp,
	})
	if err != nil {
		// The ledger step was reached; its rejection leaves the balance untouched.
		r.state.advance(StateLedgerApplied)
		if ledger.IsInsufficientBalance(err) {
			e.observer.LedgerRejected(ev.Type)
			r.result.TotalPointsAwarded = 0
			r.result.ResultingBalance = bal
			return e.reject(ctx, r, NewInsufficientBalanceError(ev.ID, err), nil)
		}
		return e.reject(ctx, r, err, fmt.Errorf("engine: apply ledger: %w", err))
	}
	r.result.TotalPointsAwarded = total
	r.result.ResultingBalance = bal
	e.observer.PointsPosted(ev.Type, total)
	r.state.advance(StateLedgerApplied)

	r.state.advance(StateCompleted)
	e.finish(ctx, r)
	r.logger.Info("event processed",
		"event_type", string(ev.Type),
		"rules_matched", len(matches),
		"points", total,
		"available", bal.Available,
	)
	return r.result, nil
}

// enrich fetches the consumer profile once, bounded by the profile timeout,
// and builds the per-run fact resolver. A failed fetch never fails the event.
func (e *Engine) enrich(ctx context.Context, r *run) *facts.Resolver {
	opts := []facts.ResolverOption{facts.WithLocation(e.Location(r.event.Market))}

	if e.profiles != nil {
		pctx := ctx
		if e.profileTimeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, e.profileTimeout)
			defer cancel()
		}
		p, err := e.profiles.GetConsumerProfile(pctx, r.event.ConsumerID)
		switch {
		case err == nil:
			opts = append(opts, facts.WithProfile(p))
		case errors.Is(err, facts.ErrProfileNotFound):
			opts = append(opts, facts.WithProfileError(err))
		default:
			// Rules reading profile facts record an evaluation error and do not match.
			r.logger.Warn("profile enrichment failed", "error", err)
			opts = append(opts, facts.WithProfileError(fmt.Errorf("load profile %s: %w", r.event.ConsumerID, err)))
		}
	} else {
		opts = append(opts, facts.WithProfileError(facts.ErrProfileNotFound))
	}
	return facts.NewResolver(r.event, e.registry, nil, opts...)
}

// calculate dispatches every match in order and returns the summed delta.
// A failing rule is recorded and skipped.
func (e *Engine) calculate(r *run, matches []Match) int64 {
	cctx := calc.ContextFromEvent(r.event)
	var total int64
	for _, m := range matches {
		e.observer.RuleMatched(m.Rule.ID)
		method := m.Rule.Effect.Method()
		pts, tr, err := e.dispatcher.Calculate(method, m.Rule.Effect.Params, cctx)
		if err != nil {
			e.observer.CalculationFailed(method)
			r.logger.Warn("rule calculation failed",
				"rule_id", m.Rule.ID,
				"method", string(method),
				"error", err,
			)
			r.result.Errors = append(r.result.Errors, NewCalculationError(r.event.ID, m.Rule.ID, err).Error())
			continue
		}
		if !method.Known() {
			r.logger.Warn("rule uses unknown calculation method",
				"rule_id", m.Rule.ID,
				"method", string(method),
			)
		}
		r.result.PointBreakdown = append(r.result.PointBreakdown, ir.RewardLine{
			RuleID:      m.Rule.ID,
			Points:      pts,
			Description: ruleDescription(m.Rule),
			Computation: tr,
		})
		total += pts
	}
	return total
}

func ruleDescription(rule ir.Rule) string {
	if rule.Description != "" {
		return rule.Description
	}
	return rule.Name
}

// reject moves the run to Rejected, records cause in the result and
// returns ret as the Go error.
func (e *Engine) reject(ctx context.Context, r *run, cause error, ret error) (ir.EventResult, error) {
	r.result.Errors = append(r.result.Errors, cause.Error())
	r.state.reject()
	r.span.SetStatus(codes.Error, cause.Error())
	e.finish(ctx, r)
	r.logger.Warn("event rejected",
		"event_type", string(r.event.Type),
		"error", cause,
	)
	return r.result, ret
}

// finish records metrics, span attributes and the audit record.
func (e *Engine) finish(ctx context.Context, r *run) {
	outcome := r.state.outcome()
	e.observer.EventProcessed(r.event.Type, outcome, e.now().Sub(r.start))
	r.span.SetAttributes(
		attribute.String("loyalty.outcome", outcome),
		attribute.Int64("loyalty.points", r.result.TotalPointsAwarded),
		attribute.Int("loyalty.rules_matched", len(r.result.PointBreakdown)),
	)

	if e.audit == nil {
		return
	}
	rec := ir.AuditRecord{
		RunID:       r.id,
		Event:       r.event,
		Result:      r.result,
		States:      r.state.strings(),
		Outcome:     outcome,
		ProcessedAt: e.now().UTC(),
	}
	if r.set != nil {
		rec.RuleSetHash = r.set.Hash()
	}
	if fp, err := ir.EventFingerprint(r.event); err == nil {
		rec.EventFingerprint = fp
	}
	if e.expiry != nil && outcome == OutcomeCompleted {
		next, err := e.expiry.ForConsumer(ctx, r.event.ConsumerID, r.event.Market)
		if err != nil {
			r.logger.Debug("expiration unavailable for audit", "error", err)
		}
		rec.NextExpiration = next
	}
	if err := e.audit.RecordAudit(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error("audit record failed", "error", err)
	}
}
