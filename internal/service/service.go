package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/ledger"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Policy holds the settlement switches that differ between deployments.
type Policy struct {
	RequireOpenShift      bool
	Oversell              ledger.OversellPolicy
	RefundReversesShift   bool
	RefundReversesLoyalty bool
	MaxAttempts           int
	Backoff               time.Duration
	SettingsTTL           time.Duration
	SessionIdleTimeout    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Oversell:              ledger.OversellReject,
		RefundReversesShift:   true,
		RefundReversesLoyalty: true,
		MaxAttempts:           5,
		Backoff:               25 * time.Millisecond,
		SettingsTTL:           time.Minute,
		SessionIdleTimeout:    2 * time.Hour,
	}
}

type Service struct {
	repo          store.Repository
	settingsCache cache.SettingsCache
	policy        Policy
	logger        *zap.Logger

	inventory ledger.Inventory
	shifts    ledger.Shifts
	loyalty   ledger.Loyalty
	sessions  *sessionRegistry

	now           func() time.Time
	invoiceNumber func(prefix string, now time.Time) string
}

func New(repo store.Repository, settingsCache cache.SettingsCache, policy Policy, logger *zap.Logger) *Service {
	if settingsCache == nil {
		settingsCache = cache.NoopSettingsCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Oversell == "" {
		policy.Oversell = ledger.OversellReject
	}

	return &Service{
		repo:          repo,
		settingsCache: settingsCache,
		policy:        policy,
		logger:        logger.Named("service"),
		inventory:     ledger.Inventory{Policy: policy.Oversell},
		sessions:      newSessionRegistry(),
		now:           func() time.Time { return time.Now().UTC() },
		invoiceNumber: xid.InvoiceNumber,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Invoice{}, store.ErrInvalidTransaction
	}
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *inv, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	c, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, err
	}
	return *c, nil
}

// Settings returns the store configuration, read through the settings cache.
// Cache failures only cost a database read.
func (s *Service) Settings(ctx context.Context) (domain.Settings, error) {
	cached, ok, err := s.settingsCache.Get(ctx)
	if err != nil {
		s.logger.Warn("settings cache read failed", zap.Error(err))
	}
	if ok && cached != nil {
		return *cached, nil
	}

	settings, err := s.repo.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	if err := s.settingsCache.Set(ctx, settings, s.policy.SettingsTTL); err != nil {
		s.logger.Warn("settings cache write failed", zap.Error(err))
	}
	return settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Settings{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}

	settings.InvoicePrefix = strings.ToUpper(strings.TrimSpace(settings.InvoicePrefix))
	settings.CurrencySymbol = strings.TrimSpace(settings.CurrencySymbol)
	if settings.TaxRate.IsNegative() || settings.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		return domain.Settings{}, store.ErrInvalidTransaction
	}
	if settings.PointsPerCurrency.IsNegative() || settings.InvoicePrefix == "" {
		return domain.Settings{}, store.ErrInvalidTransaction
	}

	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return domain.Settings{}, err
	}
	if err := s.settingsCache.Invalidate(ctx); err != nil {
		s.logger.Warn("settings cache invalidate failed", zap.Error(err))
	}

	s.logAudit(ctx, "settings_update", "settings", "store", fmt.Sprintf(
		"tax_rate=%s,points_per_currency=%s,loyalty=%t,prefix=%s",
		settings.TaxRate, settings.PointsPerCurrency, settings.LoyaltyEnabled, settings.InvoicePrefix,
	))
	return settings, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	day := s.now()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

// actorOrSystem returns the caller, or a system actor for background work.
func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Name: "System", Role: "system"}
	}
	return actor
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff doubles per attempt, capped at one second.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.policy.Backoff
	for i := 1; i < attempt && d < time.Second; i++ {
		d *= 2
	}
	return min(d, time.Second)
}
