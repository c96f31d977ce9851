package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/cache"
	"retailpos/internal/config"
	"retailpos/internal/domain"
	"retailpos/internal/httpapi"
	"retailpos/internal/ledger"
	"retailpos/internal/service"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
	pgstore "retailpos/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	policy, err := policyFromConfig(cfg)
	if err != nil {
		logger.Fatal("invalid settlement policy", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
		}
		if err := ensureAdmin(ctx, pg, logger); err != nil {
			logger.Fatal("failed to bootstrap admin account", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres", zap.Bool("auto_migrate", cfg.AutoMigrate))
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory")
	}

	settingsCache := cache.SettingsCache(cache.NewMemorySettingsCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSettingsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process settings cache", zap.Error(err))
		} else {
			settingsCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("settings cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("settings cache: in-process")
	}

	svc := service.New(repo, settingsCache, policy, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo, logger)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("POS settlement backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func policyFromConfig(cfg config.Config) (service.Policy, error) {
	oversell, err := ledger.ParseOversellPolicy(cfg.OversellPolicy)
	if err != nil {
		return service.Policy{}, err
	}
	return service.Policy{
		RequireOpenShift:      cfg.RequireOpenShift,
		Oversell:              oversell,
		RefundReversesShift:   cfg.RefundReversesShift,
		RefundReversesLoyalty: cfg.RefundReversesLoyalty,
		MaxAttempts:           cfg.SettlementMaxAttempts,
		Backoff:               time.Duration(cfg.SettlementBackoffMS) * time.Millisecond,
		SettingsTTL:           time.Duration(cfg.SettingsCacheTTLSeconds) * time.Second,
		SessionIdleTimeout:    time.Duration(cfg.SessionIdleTimeoutMinute) * time.Minute,
	}, nil
}

type userBootstrapper interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// ensureAdmin creates the first admin account on an empty user table from
// SEED_ADMIN_PASSWORD. Without it the database must be provisioned by hand.
func ensureAdmin(ctx context.Context, users userBootstrapper, logger *zap.Logger) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	password := strings.TrimSpace(os.Getenv("SEED_ADMIN_PASSWORD"))
	if password == "" {
		logger.Warn("no user accounts found and SEED_ADMIN_PASSWORD is unset; nobody can log in")
		return nil
	}
	if len(password) < 12 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 12 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	logger.Info("creating initial admin account")
	return users.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Name:      "Store Admin",
		Password:  string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
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
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential in
// either direction, or on a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "696969": true,
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
