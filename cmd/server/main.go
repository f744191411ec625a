package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/cache"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/config"
	stripegw "github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/stripe"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/gateway/swish"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/httpapi"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/logging"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/reconcile"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/service"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store/memory"
	pgstore "github.com/craigrallen/yeshe-norbu-sub000/internal/store/postgres"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/webhook"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "error", err)
			os.Exit(1)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	deliveries := cache.DeliveryCache(cache.NoopDeliveryCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDeliveryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, webhook dedupe falls back to the ledger", "error", err)
		} else {
			deliveries = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("delivery cache: redis")
		}
	}

	svcOpts := service.Options{Logger: logger}
	var stripeClient *stripegw.Client
	if cfg.StripeEnabled() {
		stripeClient = stripegw.New(cfg.StripeSecretKey)
		svcOpts.Card = stripeClient
		logger.Info("card gateway: stripe")
	}
	if cfg.SwishEnabled() {
		swishClient, err := swish.New(swish.Config{
			BaseURL:     cfg.SwishBaseURL,
			CertFile:    cfg.SwishCertFile,
			KeyFile:     cfg.SwishKeyFile,
			CAFile:      cfg.SwishCAFile,
			PayeeAlias:  cfg.SwishPayeeAlias,
			CallbackURL: cfg.SwishCallbackURL,
		})
		if err != nil {
			logger.Error("swish client unavailable", "error", err)
			os.Exit(1)
		}
		svcOpts.Wallet = swishClient
		logger.Info("wallet gateway: swish")
	}
	svc := service.New(repo, svcOpts)

	hookOpts := webhook.Options{
		Cache:       deliveries,
		DeliveryTTL: time.Duration(cfg.DeliveryTTLHours) * time.Hour,
		Logger:      logger,
	}
	apiOpts := httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		SyncAPIKey:    cfg.SyncAPIKey,
		StripeWebhook: webhook.NewStripeHandler(cfg.StripeWebhookSecret, svc, hookOpts),
		SwishWebhook:  webhook.NewSwishHandler(cfg.SwishCallbackToken, svc, hookOpts),
		Logger:        logger,
	}
	if stripeClient != nil {
		apiOpts.Reconciler = reconcile.NewJob(stripeClient, repo, svc, logger)
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, apiOpts)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("ledger listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", "error", err)
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.SyncAPIKey != "" && len(cfg.SyncAPIKey) < 24 {
		return fmt.Errorf("SYNC_API_KEY must be at least 24 characters when set")
	}
	if cfg.StripeEnabled() && cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if cfg.SwishEnabled() && len(cfg.SwishCallbackToken) < 16 {
		return fmt.Errorf("SWISH_CALLBACK_TOKEN must be at least 16 characters when swish is enabled")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "696969": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
