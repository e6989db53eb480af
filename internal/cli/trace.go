package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loyalty/internal/ir"
	"github.com/roach88/loyalty/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	EventID    string
	ConsumerID string
	Limit      int
}

// TraceRun is one audited processing run.
type TraceRun struct {
	RunID          string          `json:"run_id"`
	EventID        string          `json:"event_id"`
	EventType      ir.EventType    `json:"event_type"`
	ConsumerID     string          `json:"consumer_id"`
	Outcome        string          `json:"outcome"`
	States         []string        `json:"states"`
	Points         int64           `json:"points"`
	Lines          []ir.RewardLine `json:"lines"`
	Errors         []string        `json:"errors,omitempty"`
	RuleSetHash    string          `json:"rule_set_hash"`
	NextExpiration *time.Time      `json:"next_expiration,omitempty"`
	ProcessedAt    time.Time       `json:"processed_at"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Query string     `json:"query"`
	Runs  []TraceRun `json:"runs"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show audited processing runs",
		Long: `Query the audit log for the runs that processed an event, or the most
recent runs for a consumer.

Each run shows the lifecycle states it passed through, the rules that
contributed points and any per-rule errors.

Examples:
  loyalty trace --db ./loyalty.db --event evt-123
  loyalty trace --db ./loyalty.db --consumer c-1 --limit 5
  loyalty trace --db ./loyalty.db --event evt-123 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "event", "", "event ID to trace")
	cmd.Flags().StringVar(&opts.ConsumerID, "consumer", "", "consumer ID to trace")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "maximum runs for --consumer (0 = all)")
	cmd.MarkFlagsOneRequired("event", "consumer")
	cmd.MarkFlagsMutuallyExclusive("event", "consumer")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd.Context())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var (
		records []ir.AuditRecord
		query   string
	)
	if opts.EventID != "" {
		query = "event " + opts.EventID
		records, err = st.AuditByEvent(ctx, opts.EventID)
	} else {
		query = "consumer " + opts.ConsumerID
		records, err = st.AuditByConsumer(ctx, opts.ConsumerID, opts.Limit)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read audit log", err)
	}

	if len(records) == 0 {
		msg := fmt.Sprintf("no audited runs for %s", query)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	result := TraceResult{Query: query, Runs: make([]TraceRun, 0, len(records))}
	for _, rec := range records {
		result.Runs = append(result.Runs, traceRunFromAudit(rec))
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	outputTraceText(formatter, result)
	return nil
}

func traceRunFromAudit(rec ir.AuditRecord) TraceRun {
	return TraceRun{
		RunID:          rec.RunID,
		EventID:        rec.Event.ID,
		EventType:      rec.Event.Type,
		ConsumerID:     rec.Event.ConsumerID,
		Outcome:        rec.Outcome,
		States:         rec.States,
		Points:         rec.Result.TotalPointsAwarded,
		Lines:          rec.Result.PointBreakdown,
		Errors:         rec.Result.Errors,
		RuleSetHash:    rec.RuleSetHash,
		NextExpiration: rec.NextExpiration,
		ProcessedAt:    rec.ProcessedAt,
	}
}

func outputTraceText(f *OutputFormatter, result TraceResult) {
	w := f.Writer
	fmt.Fprintf(w, "Trace for %s (%d run(s))\n", result.Query, len(result.Runs))
	for _, run := range result.Runs {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "run %s  %s %s  consumer=%s\n", run.RunID, run.EventID, run.EventType, run.ConsumerID)
		fmt.Fprintf(w, "  %s: %s\n", run.Outcome, strings.Join(run.States, " -> "))
		for _, line := range run.Lines {
			fmt.Fprintf(w, "  + %-24s %d  %s\n", line.RuleID, line.Points, line.Computation.Formula)
		}
		fmt.Fprintf(w, "  points: %d\n", run.Points)
		for _, e := range run.Errors {
			fmt.Fprintf(w, "  ! %s\n", e)
		}
		if run.NextExpiration != nil {
			fmt.Fprintf(w, "  next expiration: %s\n", run.NextExpiration.Format(time.RFC3339))
		}
		f.VerboseLog("  rule set %s processed at %s", run.RuleSetHash, run.ProcessedAt.Format(time.RFC3339))
	}
}
