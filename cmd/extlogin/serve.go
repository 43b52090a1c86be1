package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"extlogin/internal/api"
	"extlogin/internal/config"
	"extlogin/internal/credentials"
	"extlogin/internal/oauth"
	"extlogin/internal/observability"
	"extlogin/internal/session"
	"extlogin/internal/storage"
)

func newServeCommand(configPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the login server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port), overrides the configuration")
	return cmd
}

// callbackBackchannelCalls is the number of separately bounded provider calls
// a callback can make: token exchange, user info and the JWKS fetch.
const callbackBackchannelCalls = 3

func writeTimeout(cfg *config.Config) time.Duration {
	return 15*time.Second + callbackBackchannelCalls*cfg.BackchannelTimeout
}

func newLogger(cfg *config.Config) observability.Logger {
	logCfg := observability.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	return observability.NewLogger(logCfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	storage.AppVersion = envOr("APP_VERSION", "dev")

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Release:          storage.AppVersion,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", cfg.SentryEnvironment, "release", storage.AppVersion)
			sentryEnabled = true
		}
	}

	keys, previous, err := cfg.Keys()
	if err != nil {
		return err
	}
	codec, err := oauth.NewStateCodec(keys.State,
		oauth.WithStateTTL(cfg.StateTTL),
		oauth.WithDecodeKeys(previous...),
	)
	if err != nil {
		return err
	}
	sealer, err := credentials.NewSealer(keys.Seal)
	if err != nil {
		return err
	}
	if len(previous) > 0 {
		logger.Info("accepting state from previous master secrets", "count", len(previous))
	}

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	store, auditLogger, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		} else {
			logger.Info("database connection closed")
		}
	}()

	resolver := credentials.WithSentinel(credentials.ChainResolver{
		credentials.NewStaticResolver(cfg.StaticCredentials()),
		credentials.NewStoreResolver(store, sealer),
	}, logger.Slog())

	metricsCfg := observability.MetricsConfigFromEnv()
	var metrics *observability.Metrics
	if metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace, "version", metricsCfg.Version)
	} else {
		logger.Info("metrics disabled")
	}

	flowCfg := oauth.FlowConfig{
		Providers:   registry,
		Resolver:    resolver,
		Codec:       codec,
		Nonces:      oauth.NewMemoryNonceStore(),
		CallbackURL: cfg.CallbackURL(),
		Timeout:     cfg.BackchannelTimeout,
		Logger:      logger.WithComponent("oauth").Slog(),
	}
	if metrics != nil {
		flowCfg.Observer = metrics
	}
	flow, err := oauth.NewFlow(flowCfg)
	if err != nil {
		return err
	}
	logger.Info("providers configured", "providers", registry.Names(), "callback_url", cfg.CallbackURL())

	var proxies *api.TrustedProxyConfig
	if cfg.RateLimit.TrustedProxies != "" {
		proxies, err = api.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
		if err != nil {
			return fmt.Errorf("trusted proxies: %w", err)
		}
		logger.Info("trusted proxies configured", "count", len(proxies.CIDRs))
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := &session.Manager{
		Store:  session.NewMemoryStore(),
		TTL:    cfg.SessionTTL,
		Secure: cfg.SecureCookies(),
	}
	go sessions.Run(runCtx, logger.WithComponent("session").Slog())

	if cfg.AdminToken == "" {
		logger.Info("admin API disabled (set EXTLOGIN_ADMIN_TOKEN to enable)")
	}
	srv, err := api.NewServer(api.Config{
		Flow:           flow,
		Sessions:       sessions,
		Credentials:    store,
		Sealer:         sealer,
		AdminToken:     cfg.AdminToken,
		Audit:          auditLogger,
		Metrics:        metrics,
		Logger:         logger,
		CallbackPath:   cfg.CallbackPath,
		CorrelationTTL: cfg.StateTTL,
		SecureCookies:  cfg.SecureCookies(),
		RateLimit:      api.RateLimitConfig{RequestsPerSecond: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst},
		LoginRateLimit: api.RateLimitConfig{RequestsPerSecond: cfg.RateLimit.LoginRPS, Burst: cfg.RateLimit.LoginBurst},
		TrustedProxies: proxies,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout(cfg),
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("extlogin listening", "addr", cfg.Listen, "public_url", cfg.PublicURL)
		serverErrors <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			serveErr = err
		}
	case <-runCtx.Done():
		logger.Info("received shutdown signal")
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if sentryEnabled {
		logger.Info("flushing sentry events", "deadline", "2s")
		sentry.Flush(2 * time.Second)
	}
	return serveErr
}
