// Package metrics exposes Prometheus instruments for the loyalty engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/loyalty/internal/changelog"
	"github.com/roach88/loyalty/internal/ir"
)

// Registry owns a private prometheus registry and implements
// engine.Observer.
type Registry struct {
	reg *prometheus.Registry

	EventsProcessed   *prometheus.CounterVec
	PointsAwarded     prometheus.Counter
	PointsRedeemed    prometheus.Counter
	RuleMatches       *prometheus.CounterVec
	CalculationErrors *prometheus.CounterVec
	LedgerRejections  *prometheus.CounterVec
	LatencySec        prometheus.Histogram
	RulesLoaded       prometheus.Gauge

	// Journal and ingestion
	ChangelogAppended prometheus.Counter
	ReplayApplied     prometheus.Counter
	ReplaySkipped     prometheus.Counter
	IngestConsumed    prometheus.Counter
	IngestFailed      prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "loyalty_events_processed_total",
		Help: "Events processed by type and outcome.",
	}, []string{"event_type", "outcome"})
	awarded := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_points_awarded_total"})
	redeemed := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_points_debited_total"})
	matches := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loyalty_rule_matches_total"}, []string{"rule_id"})
	calcErrs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loyalty_calculation_errors_total"}, []string{"method"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "loyalty_ledger_rejections_total"}, []string{"event_type"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "loyalty_event_processing_seconds",
		Buckets: prometheus.DefBuckets,
	})
	rules := prometheus.NewGauge(prometheus.GaugeOpts{Name: "loyalty_rules_loaded"})

	appended := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_changelog_appended_total"})
	replayApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_replay_applied_total"})
	replaySkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_replay_skipped_total"})
	consumed := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_ingest_consumed_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "loyalty_ingest_failed_total"})

	r.MustRegister(processed, awarded, redeemed, matches, calcErrs, rejections, latency, rules,
		appended, replayApplied, replaySkipped, consumed, failed)
	return &Registry{
		reg:               r,
		EventsProcessed:   processed,
		PointsAwarded:     awarded,
		PointsRedeemed:    redeemed,
		RuleMatches:       matches,
		CalculationErrors: calcErrs,
		LedgerRejections:  rejections,
		LatencySec:        latency,
		RulesLoaded:       rules,
		ChangelogAppended: appended,
		ReplayApplied:     replayApplied,
		ReplaySkipped:     replaySkipped,
		IngestConsumed:    consumed,
		IngestFailed:      failed,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// EventProcessed implements engine.Observer.
func (r *Registry) EventProcessed(eventType ir.EventType, outcome string, elapsed time.Duration) {
	r.EventsProcessed.WithLabelValues(string(eventType), outcome).Inc()
	r.LatencySec.Observe(elapsed.Seconds())
}

// RuleMatched implements engine.Observer.
func (r *Registry) RuleMatched(ruleID string) {
	r.RuleMatches.WithLabelValues(ruleID).Inc()
}

// PointsPosted implements engine.Observer. Positive deltas count as
// awarded, negative as debited.
func (r *Registry) PointsPosted(_ ir.EventType, points int64) {
	switch {
	case points > 0:
		r.PointsAwarded.Add(float64(points))
	case points < 0:
		r.PointsRedeemed.Add(float64(-points))
	}
}

// CalculationFailed implements engine.Observer.
func (r *Registry) CalculationFailed(method ir.Method) {
	r.CalculationErrors.WithLabelValues(string(method)).Inc()
}

// LedgerRejected implements engine.Observer.
func (r *Registry) LedgerRejected(eventType ir.EventType) {
	r.LedgerRejections.WithLabelValues(string(eventType)).Inc()
}

// SetRulesLoaded records the size of the active rule set.
func (r *Registry) SetRulesLoaded(n int) {
	r.RulesLoaded.Set(float64(n))
}

// ObserveReplay adds one replay run's applied and skipped counts.
func (r *Registry) ObserveReplay(stats changelog.ReplayStats) {
	r.ReplayApplied.Add(float64(stats.Applied))
	r.ReplaySkipped.Add(float64(stats.Skipped))
}

// CountAppends wraps w so every successful append bumps ChangelogAppended.
func (r *Registry) CountAppends(w changelog.Writer) changelog.Writer {
	return &countingWriter{next: w, appended: r.ChangelogAppended}
}

type countingWriter struct {
	next     changelog.Writer
	appended prometheus.Counter
}

func (c *countingWriter) Append(ctx context.Context, d changelog.Delta) error {
	if err := c.next.Append(ctx, d); err != nil {
		return err
	}
	c.appended.Inc()
	return nil
}
