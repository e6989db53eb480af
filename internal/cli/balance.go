package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/roach88/loyalty/internal/ir"
)

// BalanceOutput is the balance command's payload.
type BalanceOutput struct {
	ConsumerID string `json:"consumerId"`
	ir.ConsumerBalance
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <consumer-id>",
		Short: "Show a consumer's point balance",
		Long: `Read a consumer's balance from the configured ledger backend.

Unknown consumers have a zero balance.

Examples:
  loyalty balance --db ./loyalty.db c-123
  loyalty balance --backend pebble --format json c-123`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runBalance(opts *RootOptions, consumerID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

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
	defer rt.Close()

	b, err := rt.ledger.GetBalance(ctx, consumerID)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read balance", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(BalanceOutput{ConsumerID: consumerID, ConsumerBalance: b})
	}
	p := message.NewPrinter(language.English)
	p.Fprintf(formatter.Writer, "%s: available %d, total %d, used %d (%d transactions)\n",
		consumerID, b.Available, b.Total, b.Used, b.TransactionCount)
	return nil
}
