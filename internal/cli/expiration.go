package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/loyalty/internal/expiry"
)

// ExpirationOptions holds flags for the expiration command.
type ExpirationOptions struct {
	*RootOptions
	Market string
}

// ExpirationOutput is the expiration command's payload. ExpiresAt is nil
// when the consumer has nothing that can expire.
type ExpirationOutput struct {
	ConsumerID string     `json:"consumerId"`
	Market     string     `json:"market"`
	ExpiresAt  *time.Time `json:"expiresAt"`
}

// NewExpirationCommand creates the expiration command.
func NewExpirationCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExpirationOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "expiration <consumer-id>",
		Short: "Show when a consumer's points next expire",
		Long: `Compute the next expiration instant for a consumer under a market's
expiration policy, in the market's local time.

Examples:
  loyalty expiration --market JP c-123
  loyalty expiration --market hk --format json c-123`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpiration(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Market, "market", "m", "", "market code (required)")
	_ = cmd.MarkFlagRequired("market")

	return cmd
}

func runExpiration(opts *ExpirationOptions, consumerID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	market := strings.ToUpper(strings.TrimSpace(opts.Market))

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx := commandContext(cmd.Context())

	rt, err := openRuntime(ctx, cfg, logger, nil)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open runtime", err)
	}
	defer rt.Close()

	next, err := rt.expiry.ForConsumer(ctx, consumerID, market)
	if err != nil {
		if errors.Is(err, expiry.ErrNoPolicy) {
			_ = formatter.Error(ErrCodeNoPolicy, err.Error(), nil)
			return WrapExitError(ExitCommandError, "no expiration policy", err)
		}
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to compute expiration", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(ExpirationOutput{ConsumerID: consumerID, Market: market, ExpiresAt: next})
	}
	if next == nil {
		fmt.Fprintf(formatter.Writer, "%s (%s): nothing to expire\n", consumerID, market)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%s (%s): points expire %s\n", consumerID, market, next.Format(time.RFC3339))
	return nil
}
