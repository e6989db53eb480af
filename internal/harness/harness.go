package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	// Scenarios name IANA zones; embed the database so CI images without
	// /usr/share/zoneinfo behave the same.
	_ "time/tzdata"

	"github.com/roach88/loyalty/internal/calc"
	"github.com/roach88/loyalty/internal/compiler"
	"github.com/roach88/loyalty/internal/config"
	"github.com/roach88/loyalty/internal/engine"
	"github.com/roach88/loyalty/internal/expiry"
	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/ledger"
	"github.com/roach88/loyalty/internal/store"
	"github.com/roach88/loyalty/internal/testutil"
)

// DefaultNow is the clock start for scenarios that do not set one.
var DefaultNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness is the test execution engine.
// It wires a real engine, ledger and expiry calculator over an in-memory
// store, with a settable clock and sequential run IDs.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	ledger *ledger.Ledger
	expiry *expiry.Engine
	audit  *auditRecorder
	clock  *testutil.Clock
	logger *slog.Logger
}

// auditRecorder forwards audit records to the store and remembers the last
// one, so the harness can read the run's outcome and next expiration.
type auditRecorder struct {
	engine.AuditLog

	mu   sync.Mutex
	last ir.AuditRecord
}

func (a *auditRecorder) RecordAudit(ctx context.Context, rec ir.AuditRecord) error {
	a.mu.Lock()
	a.last = rec
	a.mu.Unlock()
	return a.AuditLog.RecordAudit(ctx, rec)
}

func (a *auditRecorder) Last() ir.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Compile inline rules and rule files
// 3. Seed profiles and balances
// 4. Execute steps with expect validation
// 5. Evaluate assertions and return the result
//
// A non-nil error means the scenario could not run (bad rules, bad
// markets, infrastructure failure). Expectation failures are reported in
// Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(ctx, st, scenario)
	if err != nil {
		return nil, err
	}

	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed scenario: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute step %d: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newHarness(ctx context.Context, st *store.Store, s *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rules, err := loadRules(ctx, s, logger)
	if err != nil {
		return nil, err
	}
	set, err := engine.NewRuleSet(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule set: %w", err)
	}

	markets := config.DefaultMarkets()
	if len(s.Markets) > 0 {
		markets = make(map[string]config.Market, len(s.Markets))
		for code, m := range s.Markets {
			markets[strings.ToUpper(code)] = m
		}
	}
	cfg := config.Merge(config.File{
		Markets: markets,
		Engine:  config.EngineFlags{StrictFacts: s.StrictFacts},
	}, config.Env{})
	locs, err := cfg.Locations()
	if err != nil {
		return nil, fmt.Errorf("failed to load market time zones: %w", err)
	}

	start := s.Now
	if start.IsZero() {
		start = DefaultNow
	}
	clock := testutil.NewClock(start)

	l, err := ledger.New(ctx, st, ledger.WithNow(clock.Now), ledger.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	xopts := []expiry.Option{
		expiry.WithHistory(l),
		expiry.WithProfiles(st),
		expiry.WithNow(clock.Now),
	}
	for code, p := range cfg.Policies() {
		xopts = append(xopts, expiry.WithPolicy(code, p))
	}
	for code, loc := range locs {
		xopts = append(xopts, expiry.WithLocation(code, loc))
	}
	x := expiry.New(xopts...)

	audit := &auditRecorder{AuditLog: st}
	dispatcher := calc.NewDispatcher(
		calc.WithMarketRates(cfg.MarketRates()),
		calc.WithLogger(logger),
	)
	eng := engine.New(engine.NewRuleStore(set, logger), dispatcher, l,
		engine.WithProfiles(st),
		engine.WithMarketLocations(locs),
		engine.WithStrictFacts(cfg.StrictFacts),
		engine.WithProfileTimeout(cfg.ProfileTimeout),
		engine.WithAuditLog(audit),
		engine.WithExpiry(x),
		engine.WithRunIDGenerator(testutil.NewRunIDs(s.Name)),
		engine.WithClock(clock.Now),
		engine.WithLogger(logger),
	)

	return &Harness{
		store:  st,
		engine: eng,
		ledger: l,
		expiry: x,
		audit:  audit,
		clock:  clock,
		logger: logger,
	}, nil
}

// loadRules compiles inline rules followed by rule files and validates the
// combined set.
func loadRules(ctx context.Context, s *Scenario, logger *slog.Logger) ([]ir.Rule, error) {
	var rules []ir.Rule
	if len(s.Rules) > 0 {
		inline, err := compiler.CompileDocuments(s.Rules, s.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rules: %w", err)
		}
		rules = append(rules, inline...)
	}
	for _, path := range s.RuleFiles {
		fileRules, err := compiler.CompileFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rules: %w", err)
		}
		rules = append(rules, fileRules...)
	}
	rules, err := compiler.NewStaticSource(rules, compiler.WithLogger(logger)).LoadRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	return rules, nil
}

// seed stores profiles and starting balances.
func (h *Harness) seed(ctx context.Context, s *Scenario) error {
	for _, p := range s.Profiles {
		p.Market = strings.ToUpper(p.Market)
		if err := h.store.PutProfile(ctx, p); err != nil {
			return err
		}
	}
	for _, b := range s.Balances {
		total := b.Total
		if total < b.Available+b.Used {
			total = b.Available + b.Used
		}
		if err := h.store.PutBalance(ctx, ir.ConsumerBalance{
			ConsumerID: b.ConsumerID,
			Total:      total,
			Available:  b.Available,
			Used:       b.Used,
		}); err != nil {
			return err
		}
	}
	return nil
}

// executeStep moves the clock and runs one step.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	if step.At != nil {
		h.clock.Set(*step.At)
	}
	if step.Advance > 0 {
		h.clock.Advance(step.Advance)
	}

	if step.Expiration != nil {
		h.queryExpiration(ctx, i, step, result)
		return nil
	}
	return h.processEvent(ctx, i, step, result)
}

// processEvent runs the step's event through the engine. Validation
// failures and business rejections are part of the trace; any other engine
// error aborts the scenario.
func (h *Harness) processEvent(ctx context.Context, i int, step Step, result *Result) error {
	ev, err := decodeStepEvent(step.Event)
	if err != nil {
		return err
	}

	res, err := h.engine.ProcessEvent(ctx, ev)
	if err != nil && !engine.IsValidationError(err) {
		return err
	}
	rec := h.audit.Last()

	te := TraceEvent{
		Seq:        i + 1,
		Kind:       KindEvent,
		EventID:    res.EventID,
		EventType:  string(res.EventType),
		ConsumerID: res.ConsumerID,
		Market:     ev.Market,
		Outcome:    rec.Outcome,
		Points:     res.TotalPointsAwarded,
		Errors:     res.Errors,
	}
	for _, line := range res.PointBreakdown {
		te.Lines = append(te.Lines, TraceLine{
			RuleID:  line.RuleID,
			Method:  line.Computation.Method,
			Formula: line.Computation.Formula,
			Points:  line.Points,
		})
	}
	if err == nil {
		b := res.ResultingBalance
		te.Balance = &TraceBalance{
			Total:            b.Total,
			Available:        b.Available,
			Used:             b.Used,
			TransactionCount: b.TransactionCount,
		}
	}
	if rec.NextExpiration != nil {
		te.NextExpiration = rec.NextExpiration.Format(time.RFC3339)
	}
	result.AddTrace(te)

	h.logger.Info("scenario step completed",
		"step", i,
		"run_id", rec.RunID,
		"event_id", ev.ID,
		"outcome", rec.Outcome,
	)

	if step.Expect != nil {
		checkExpect(i, *step.Expect, te, rec.NextExpiration, result)
	}
	return nil
}

// queryExpiration records the consumer's next expiry. A lookup failure is an
// expectation failure, not a harness error.
func (h *Harness) queryExpiration(ctx context.Context, i int, step Step, result *Result) {
	q := step.Expiration
	market := strings.ToUpper(q.Market)

	te := TraceEvent{
		Seq:        i + 1,
		Kind:       KindExpiration,
		ConsumerID: q.ConsumerID,
		Market:     market,
	}
	next, err := h.expiry.ForConsumer(ctx, q.ConsumerID, market)
	if err != nil {
		te.Errors = []string{err.Error()}
		result.AddTrace(te)
		result.AddError(fmt.Sprintf("step %d: expiration lookup failed: %v", i, err))
		return
	}
	if next != nil {
		te.NextExpiration = next.Format(time.RFC3339)
	}
	result.AddTrace(te)

	if step.Expect != nil {
		checkExpect(i, *step.Expect, te, next, result)
	}
}

// decodeStepEvent round-trips the YAML event through JSON so scenarios use
// exactly the wire decoding.
func decodeStepEvent(raw map[string]any) (ir.Event, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return ir.Event{}, fmt.Errorf("encode event: %w", err)
	}
	return ir.DecodeEvent(data)
}

// checkExpect compares a step's trace entry against its expect clause.
func checkExpect(i int, want Expect, got TraceEvent, next *time.Time, result *Result) {
	fail := func(format string, args ...any) {
		result.AddError(fmt.Sprintf("step %d: ", i) + fmt.Sprintf(format, args...))
	}

	if want.Points != nil && *want.Points != got.Points {
		fail("expected points %d, got %d", *want.Points, got.Points)
	}
	if want.Rules != nil && !slices.Equal(want.Rules, got.Fired()) {
		fail("expected rules %v, got %v", want.Rules, got.Fired())
	}
	if want.Outcome != "" && want.Outcome != got.Outcome {
		fail("expected outcome %s, got %s", want.Outcome, got.Outcome)
	}
	if want.ErrorContains != "" && !slices.ContainsFunc(got.Errors, func(e string) bool {
		return strings.Contains(e, want.ErrorContains)
	}) {
		fail("expected an error containing %q, got %v", want.ErrorContains, got.Errors)
	}
	if want.NoErrors && len(got.Errors) > 0 {
		fail("expected no errors, got %v", got.Errors)
	}
	if want.Balance != nil {
		checkBalance(want.Balance, got.Balance, fail)
	}
	if want.NextExpiration != nil {
		switch {
		case next == nil:
			fail("expected next expiration %s, got none", want.NextExpiration.Format(time.RFC3339))
		case !next.Equal(*want.NextExpiration):
			fail("expected next expiration %s, got %s", want.NextExpiration.Format(time.RFC3339), next.Format(time.RFC3339))
		}
	}
	if want.NoExpiration && next != nil {
		fail("expected no expiration, got %s", next.Format(time.RFC3339))
	}
}

func checkBalance(want *BalanceExpect, got *TraceBalance, fail func(string, ...any)) {
	if got == nil {
		fail("expected a balance, step was rejected before the ledger")
		return
	}
	check := func(name string, want *int64, got int64) {
		if want != nil && *want != got {
			fail("expected balance %s %d, got %d", name, *want, got)
		}
	}
	check("total", want.Total, got.Total)
	check("available", want.Available, got.Available)
	check("used", want.Used, got.Used)
	check("transaction_count", want.TransactionCount, got.TransactionCount)
}

// ErrScenarioFailed is returned by RunAll when any scenario does not pass.
var ErrScenarioFailed = errors.New("scenario failed")

// RunAll runs scenarios in order and returns every result. The error joins
// harness errors and ErrScenarioFailed for failing scenarios.
func RunAll(scenarios []*Scenario) ([]*Result, error) {
	results := make([]*Result, len(scenarios))
	var errs []error
	for i, s := range scenarios {
		res, err := Run(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		results[i] = res
		if !res.Pass {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, ErrScenarioFailed))
		}
	}
	return results, errors.Join(errs...)
}
