package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/loyalty/internal/engine"
	"github.com/roach88/loyalty/internal/ir"
)

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <event.json|->",
		Short: "Process one event and print its result",
		Long: `Process a single event against the rules directory and post the
result to the configured ledger.

The event is read from a JSON file, or from stdin when the argument is "-".

Exit codes:
  0 - Event processed (errors on individual rules are reported in the result)
  1 - Event rejected by validation
  2 - Command error (unreadable input, bad config, rules failed to load, etc.)

Examples:
  loyalty process --rules ./rules --db ./loyalty.db event.json
  cat event.json | loyalty process --format json -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runProcess(opts *RootOptions, input string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	data, err := readInput(input, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read event", err)
	}
	ev, err := ir.DecodeEvent(data)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidEvt, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to decode event", err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := newLogger(opts, cmd.ErrOrStderr())
	ctx := commandContext(cmd.Context())

	rt, err := openRuntime(ctx, cfg, logger, nil)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open runtime", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Error("error closing runtime", "error", closeErr)
		}
	}()

	eng, _, _, err := rt.newEngine(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeLoadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}

	formatter.VerboseLog("Processing event %s (%s) for %s", ev.ID, ev.Type, ev.ConsumerID)
	res, err := eng.ProcessEvent(ctx, ev)
	formatter.TraceID = res.RunID
	formatter.VerboseLog("Run %s", res.RunID)
	if err != nil {
		if engine.IsValidationError(err) {
			return outputRejected(formatter, res, err)
		}
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to process event", err)
	}
	return outputEventResult(formatter, res)
}

// readInput reads a file, or r when path is "-".
func readInput(path string, r io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func outputEventResult(f *OutputFormatter, res ir.EventResult) error {
	if f.Format == "json" {
		return f.Success(res)
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(f.Writer, "✓ %s %s for %s: %d points\n", res.EventID, res.EventType, res.ConsumerID, res.TotalPointsAwarded)
	writeResultBody(p, f.Writer, res)
	return nil
}

func outputRejected(f *OutputFormatter, res ir.EventResult, cause error) error {
	if f.Format == "json" {
		if err := f.Rejected(ErrCodeRejected, cause.Error(), res); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "event rejected", cause)
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(f.Writer, "✗ %s rejected\n", res.EventID)
	writeResultBody(p, f.Writer, res)
	return WrapExitError(ExitFailure, "event rejected", cause)
}

func writeResultBody(p *message.Printer, w io.Writer, res ir.EventResult) {
	for _, line := range res.PointBreakdown {
		p.Fprintf(w, "  %-24s %8d  %s\n", line.RuleID, line.Points, line.Computation.Formula)
	}
	b := res.ResultingBalance
	p.Fprintf(w, "  balance: total %d, available %d, used %d\n", b.Total, b.Available, b.Used)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  ! %s\n", e)
	}
}
