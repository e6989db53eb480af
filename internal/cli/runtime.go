package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/loyalty/internal/calc"
	"github.com/roach88/loyalty/internal/changelog"
	"github.com/roach88/loyalty/internal/compiler"
	"github.com/roach88/loyalty/internal/config"
	"github.com/roach88/loyalty/internal/engine"
	"github.com/roach88/loyalty/internal/expiry"
	"github.com/roach88/loyalty/internal/ledger"
	"github.com/roach88/loyalty/internal/metrics"
	"github.com/roach88/loyalty/internal/store"
)

// runtime holds the collaborators a command needs, built from config.
// The SQLite store always backs profiles and the audit log; the ledger
// backend is chosen by cfg.LedgerBackend.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Registry
	locations map[string]*time.Location

	store  *store.Store
	ledger *ledger.Ledger
	expiry *expiry.Engine

	closers []func() error
}

// openRuntime opens stores and the journal. reg may be nil.
func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *metrics.Registry) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger, metrics: reg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.locations, err = cfg.Locations()
	if err != nil {
		return nil, fmt.Errorf("load market time zones: %w", err)
	}

	dbPath := cfg.DBPath
	if cfg.LedgerBackend == config.BackendMemory {
		dbPath = ":memory:"
	}
	logger.Debug("opening database", "path", dbPath)
	rt.store, err = store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	var backend ledger.Store = rt.store
	switch cfg.LedgerBackend {
	case config.BackendPebble:
		logger.Debug("opening pebble ledger", "dir", cfg.PebbleDir)
		ps, err := ledger.NewPebbleStore(cfg.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("open pebble ledger: %w", err)
		}
		rt.closers = append(rt.closers, ps.Close)
		backend = ps
	case config.BackendMemory:
		backend = ledger.NewMemoryStore()
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	journal, err := rt.openJournal()
	if err != nil {
		return nil, err
	}
	if journal != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(journal))
	}
	rt.ledger, err = ledger.New(ctx, backend, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	expiryOpts := []expiry.Option{
		expiry.WithHistory(rt.ledger),
		expiry.WithProfiles(rt.store),
	}
	for market, p := range cfg.Policies() {
		expiryOpts = append(expiryOpts, expiry.WithPolicy(market, p))
	}
	for market, loc := range rt.locations {
		expiryOpts = append(expiryOpts, expiry.WithLocation(market, loc))
	}
	rt.expiry = expiry.New(expiryOpts...)

	logger.Debug("runtime ready", "backend", cfg.LedgerBackend, "seq", rt.ledger.Seq())
	return rt, nil
}

// openJournal builds the changelog writer from the file and Kafka
// settings. It returns nil when neither is configured.
func (rt *runtime) openJournal() (changelog.Writer, error) {
	var writers []changelog.Writer
	if path := rt.cfg.ChangelogPath; path != "" {
		fw, err := changelog.NewFileWriter(filepath.Dir(path), filepath.Base(path))
		if err != nil {
			return nil, fmt.Errorf("open changelog: %w", err)
		}
		writers = append(writers, fw)
	}
	if rt.cfg.KafkaBrokers != "" && rt.cfg.ChangelogTopic != "" {
		kw := changelog.NewKafkaWriter(rt.cfg.KafkaBrokers, rt.cfg.ChangelogTopic)
		rt.closers = append(rt.closers, kw.Close)
		writers = append(writers, kw)
	}

	var w changelog.Writer
	switch len(writers) {
	case 0:
		return nil, nil
	case 1:
		w = writers[0]
	default:
		w = changelog.NewMultiWriter(writers...)
	}
	if rt.metrics != nil {
		w = rt.metrics.CountAppends(w)
	}
	return w, nil
}

// newEngine loads the rules directory and builds the engine over the
// runtime's ledger, store and expiry calculator.
func (rt *runtime) newEngine(ctx context.Context) (*engine.Engine, *engine.RuleStore, engine.RuleSource, error) {
	src := compiler.NewDirSource(rt.cfg.RulesDir, compiler.WithLogger(rt.logger))
	rules := engine.NewRuleStore(nil, rt.logger)
	set, err := rules.Reload(ctx, src)
	if err != nil {
		return nil, nil, nil, err
	}
	if rt.metrics != nil {
		rt.metrics.SetRulesLoaded(set.Len())
	}

	dispatcher := calc.NewDispatcher(
		calc.WithMarketRates(rt.cfg.MarketRates()),
		calc.WithLogger(rt.logger),
	)
	opts := []engine.Option{
		engine.WithLogger(rt.logger),
		engine.WithProfiles(rt.store),
		engine.WithStrictFacts(rt.cfg.StrictFacts),
		engine.WithProfileTimeout(rt.cfg.ProfileTimeout),
		engine.WithMarketLocations(rt.locations),
		engine.WithAuditLog(rt.store),
		engine.WithExpiry(rt.expiry),
	}
	if rt.metrics != nil {
		opts = append(opts, engine.WithObserver(rt.metrics))
	}
	return engine.New(rules, dispatcher, rt.ledger, opts...), rules, src, nil
}

// replayJournal restores the ledger from the configured changelog file.
// A journal that does not exist yet is not an error.
func (rt *runtime) replayJournal(ctx context.Context) (changelog.ReplayStats, error) {
	path := rt.cfg.ChangelogPath
	if path == "" {
		return changelog.ReplayStats{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return changelog.ReplayStats{}, nil
	}
	stats, err := changelog.ReplayFile(ctx, path, rt.ledger.Restore)
	if rt.metrics != nil {
		rt.metrics.ObserveReplay(stats)
	}
	return stats, err
}

// Close releases everything in reverse open order.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
