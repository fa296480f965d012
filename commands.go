package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"space-manager/pkg/actions"
	"space-manager/pkg/config"
	"space-manager/pkg/credentials"
	"space-manager/pkg/instances"
	"space-manager/pkg/kv"
	"space-manager/pkg/observability"
	"space-manager/pkg/server"
	"space-manager/pkg/session"
	"space-manager/pkg/stream"
	"space-manager/pkg/upstream"
)

var (
	hashCost int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP server (default)",
		RunE:  runServe,
	}

	accountsCmd = &cobra.Command{
		Use:   "accounts",
		Short: "Show configured accounts and whether each has a credential",
		RunE:  runAccounts,
	}

	hashPasswordCmd = &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash suitable for HF_PASSWORD",
		Long:  "Print a bcrypt hash suitable for HF_PASSWORD. The password is read from stdin when not given.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHashPassword,
	}
)

func init() {
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", 12, "bcrypt cost")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	setGinMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.OTLPInsecure,
		ServiceName:    "space-manager",
		ServiceVersion: cfg.AppVersion,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metrics := observability.InitMetrics()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions := session.NewStore(store, session.WithTTL(cfg.SessionTTL()))
	subs := session.NewSubscriptions(store)

	var authn *session.Authenticator
	if cfg.HFPassword != "" {
		authn, err = session.NewAuthenticator(cfg.HFUsername, cfg.HFPassword, cfg.BcryptCost)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("HF_PASSWORD is not set; operator login is disabled")
	}

	source := cfg.Credentials()
	if err := credentials.Resolve(source).Validate(); err != nil {
		logger.Warn("no upstream credential configured; set HF_USER or HF_API_TOKEN")
	}

	client := upstream.New(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		Timeout: cfg.UpstreamTimeoutDuration(),
		RPS:     cfg.UpstreamRPS,
		Logger:  logger,
	})
	fetcher := instances.NewFetcher(client, logger, metrics)

	srv := server.New(server.Deps{
		Sessions:        sessions,
		Subscriptions:   subs,
		Authenticator:   authn,
		Instances:       fetcher,
		Dispatcher:      actions.NewDispatcher(client, fetcher, source, logger, actions.WithMetrics(metrics)),
		Multiplexer:     stream.NewMultiplexer(client, subs, source, stream.Config{Interval: cfg.MetricsIntervalDuration()}, logger, metrics),
		Samples:         client,
		Credentials:     source,
		APIKey:          cfg.CurrentAPIKey,
		Version:         cfg.AppVersion,
		MetricsInterval: cfg.MetricsIntervalDuration(),
		Logger:          logger,
		Metrics:         metrics,
	})

	logger.Info("starting space-manager",
		"addr", cfg.ListenAddr, "version", cfg.AppVersion, "store", cfg.StoreBackend, "upstream", client.BaseURL())
	return srv.Run(ctx, cfg.ListenAddr)
}

func openStore(cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	if cfg.StoreBackend != "badger" {
		return kv.NewMemoryStore(), nil
	}
	store, err := kv.OpenBadger(kv.BadgerConfig{
		Path:       cfg.StorePath,
		GCInterval: 10 * time.Minute,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

func setGinMode(mode string) {
	switch mode {
	case gin.DebugMode, gin.ReleaseMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}

func runAccounts(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return err
	}
	printAccounts(cmd.OutOrStdout(), cfg.Credentials())
	return nil
}

// printAccounts reports credential presence only. Tokens are never printed.
func printAccounts(w io.Writer, src credentials.Source) {
	s := src.Settings()
	mapping, allowList := credentials.Current(src)

	entries := credentials.Parse(s.Accounts)
	if len(entries) == 0 {
		fmt.Fprintln(w, "no accounts configured (HF_USER is empty)")
	}
	for _, e := range entries {
		state := "no credential"
		if e.Token != "" {
			state = "credential configured"
		}
		fmt.Fprintf(w, "%-24s %s\n", e.Account, state)
	}

	if mapping.Fallback() != "" {
		fmt.Fprintln(w, "fallback credential: configured")
	} else {
		fmt.Fprintln(w, "fallback credential: not configured")
	}
	if len(allowList) > 0 {
		fmt.Fprintf(w, "allow-list: %s\n", strings.Join(allowList, ", "))
	} else {
		fmt.Fprintln(w, "allow-list: none (all instances shown)")
	}
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password must not be empty")
	}

	hash, err := session.HashPassword(password, hashCost)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
