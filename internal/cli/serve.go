package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/loyalty/internal/api"
	"github.com/roach88/loyalty/internal/changelog"
	"github.com/roach88/loyalty/internal/ingest"
	"github.com/roach88/loyalty/internal/metrics"
	"github.com/roach88/loyalty/internal/telemetry"
)

const (
	serviceName     = "loyalty"
	shutdownTimeout = 10 * time.Second
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	NoIngest bool

	// Ready, when set, receives the bound listen address once the HTTP
	// server accepts connections. Used by tests.
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and Kafka ingestion",
		Long: `Start the loyalty service.

The service loads the rules directory, replays the changelog file (when
configured) into the ledger, then serves the HTTP API. When Kafka brokers
are configured it also consumes the events topic and publishes results.

Settings come from --config, LOYALTY_* environment variables and flags.

Example:
  loyalty serve --config ./loyalty.yaml --rules ./rules
  LOYALTY_KAFKA_BROKERS=localhost:9092 loyalty serve --addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (default $LOYALTY_HTTP_ADDR)")
	cmd.Flags().BoolVar(&opts.NoIngest, "no-ingest", false, "do not consume Kafka even when brokers are configured")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd.Context()))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	reg := metrics.NewRegistry()
	rt, err := openRuntime(ctx, cfg, logger, reg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open runtime", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			logger.Error("error closing runtime", "error", closeErr)
		}
	}()

	stats, err := rt.replayJournal(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to replay changelog", err)
	}
	if stats.Read > 0 {
		logger.Info("changelog replayed", "applied", stats.Applied, "skipped", stats.Skipped, "seq", rt.ledger.Seq())
	}

	eng, rules, src, err := rt.newEngine(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}
	if set, err := rules.Snapshot(); err == nil {
		logger.Info("rules loaded", "dir", cfg.RulesDir, "rules", set.Len(), "hash", set.Hash())
	}

	handler := api.NewHandler(eng, rt.ledger,
		api.WithExpiry(rt.expiry),
		api.WithProfiles(rt.store),
		api.WithAudit(rt.store),
		api.WithRuleReload(rules, src),
		api.WithJWTSecret(cfg.JWTSecret),
		api.WithMetrics(reg),
		api.WithLogger(logger),
	)

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if brokers := changelog.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 && !opts.NoIngest {
		reader := ingest.NewKafkaReader(brokers, cfg.EventsTopic, cfg.ConsumerGroup)
		results := ingest.NewKafkaResultWriter(brokers, cfg.ResultsTopic)
		ing := ingest.New(reader, eng,
			ingest.WithResultWriter(results),
			ingest.WithWorkers(cfg.IngestWorkers),
			ingest.WithMetrics(reg),
			ingest.WithLogger(logger),
		)
		g.Go(func() error {
			defer reader.Close()
			defer results.Close()
			logger.Info("kafka ingestion started",
				"topic", cfg.EventsTopic,
				"group", cfg.ConsumerGroup,
				"workers", cfg.IngestWorkers,
			)
			if err := ing.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ingest: %w", err)
			}
			return nil
		})
	}

	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", ln.Addr().String())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
