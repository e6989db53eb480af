package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/loyalty/internal/changelog"
)

// ReplayResult holds the outcome of one journal replay.
type ReplayResult struct {
	Journal string `json:"journal"`
	Read    int    `json:"read"`
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
	LastSeq int64  `json:"last_seq"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <journal>",
		Short: "Rebuild ledger balances from a changelog journal",
		Long: `Replay a JSON-lines changelog journal into the configured ledger backend.

Deltas whose sequence number is already reflected in the ledger are
skipped, so replaying the same journal twice is safe.

Exit codes:
  0 - Journal replayed
  1 - Replay stopped on a malformed line or a failed delta
  2 - Command error (journal not found, database unavailable, etc.)

Examples:
  loyalty replay --backend pebble ./data/changelog.jsonl
  loyalty replay --db ./restored.db --format json ./data/changelog.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, journal string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if _, err := os.Stat(journal); errors.Is(err, os.ErrNotExist) {
		msg := fmt.Sprintf("journal not found: %s", journal)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	// The journal being replayed must not be appended to.
	cfg.ChangelogPath = ""
	cfg.ChangelogTopic = ""

	logger := newLogger(opts, cmd.ErrOrStderr())
	ctx := commandContext(cmd.Context())

	rt, err := openRuntime(ctx, cfg, logger, nil)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open runtime", err)
	}
	defer rt.Close()

	formatter.VerboseLog("Replaying %s into %s ledger (last seq %d)", journal, cfg.LedgerBackend, rt.ledger.Seq())
	stats, err := changelog.ReplayFile(ctx, journal, rt.ledger.Restore)
	result := ReplayResult{
		Journal: journal,
		Read:    stats.Read,
		Applied: stats.Applied,
		Skipped: stats.Skipped,
		LastSeq: rt.ledger.Seq(),
	}
	if err != nil {
		return outputReplayFailure(formatter, result, err)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Replayed %s: %d read, %d applied, %d skipped (last seq %d)\n",
		journal, result.Read, result.Applied, result.Skipped, result.LastSeq)
	return nil
}

func outputReplayFailure(f *OutputFormatter, result ReplayResult, cause error) error {
	if f.Format == "json" {
		if err := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: ErrCodeReplayError, Message: cause.Error()},
		}); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "replay failed", cause)
	}

	fmt.Fprintf(f.Writer, "✗ Replay of %s stopped after %d applied, %d skipped\n",
		result.Journal, result.Applied, result.Skipped)
	fmt.Fprintf(f.Writer, "  %v\n", cause)
	return WrapExitError(ExitFailure, "replay failed", cause)
}
