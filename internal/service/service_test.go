package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msg ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msg)
}

func testPolicy() Policy {
	policy := DefaultPolicy()
	policy.Backoff = 0
	return policy
}

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded(zap.NewNop())
	return New(repo, cache.NoopSettingsCache{}, testPolicy(), zap.NewNop()), repo
}

// newScenarioService returns a store holding product A (10.00) and product B
// (5.00), both with tracked stock, and a customer with no points.
func newScenarioService(t *testing.T, policy Policy) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	stockA, stockB := 10, 10
	repo.PutProduct(domain.Product{ID: "A", Name: "Product A", Price: dec("10"), StockQuantity: &stockA, MinStock: 2, Active: true})
	repo.PutProduct(domain.Product{ID: "B", Name: "Product B", Price: dec("5"), StockQuantity: &stockB, Active: true})
	repo.PutCustomer(domain.Customer{ID: "cust-1", Name: "Test Customer", TotalPurchases: decimal.Zero})
	return New(repo, cache.NoopSettingsCache{}, policy, zap.NewNop()), repo
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Name: "Front Cashier", Role: domain.RoleCashier})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Name: "Store Admin", Role: domain.RoleAdmin})
}

func line(productID string, qty int, price string) domain.CartLine {
	return domain.CartLine{ProductID: productID, ProductName: productID, Quantity: qty, UnitPrice: dec(price)}
}

func cash(received string) domain.PaymentInfo {
	return domain.PaymentInfo{Method: domain.PaymentCash, CashReceived: dec(received)}
}

func stockOf(t *testing.T, repo store.Repository, productID string) int {
	t.Helper()
	p, err := repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	require.NotNil(t, p.StockQuantity)
	return *p.StockQuantity
}

// conflictingRepo fails the first failures transactions with ErrConflict.
type conflictingRepo struct {
	*memory.Store

	mu       sync.Mutex
	failures int
	calls    int
}

func (r *conflictingRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.mu.Lock()
	r.calls++
	fail := r.failures != 0
	if r.failures > 0 {
		r.failures--
	}
	r.mu.Unlock()

	if fail {
		return store.ErrConflict
	}
	return r.Store.WithinTx(ctx, fn)
}

func TestSettingsReadThroughCache(t *testing.T) {
	repo := memory.NewSeeded(zap.NewNop())
	settingsCache := cache.NewMemorySettingsCache()
	svc := New(repo, settingsCache, testPolicy(), zap.NewNop())
	ctx := context.Background()

	first, err := svc.Settings(ctx)
	require.NoError(t, err)
	assertMoney(t, "15", first.TaxRate)

	changed := first
	changed.TaxRate = dec("8")
	require.NoError(t, repo.SaveSettings(ctx, changed))

	cached, err := svc.Settings(ctx)
	require.NoError(t, err)
	assertMoney(t, "15", cached.TaxRate, "cached value served until invalidated")

	_, err = svc.UpdateSettings(adminCtx(), changed)
	require.NoError(t, err)
	fresh, err := svc.Settings(ctx)
	require.NoError(t, err)
	assertMoney(t, "8", fresh.TaxRate)
}

func TestUpdateSettingsRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.UpdateSettings(cashierCtx(), domain.DefaultSettings())
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateSettingsValidates(t *testing.T) {
	svc, _ := newTestService()

	bad := domain.DefaultSettings()
	bad.TaxRate = dec("-1")
	_, err := svc.UpdateSettings(adminCtx(), bad)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	bad = domain.DefaultSettings()
	bad.InvoicePrefix = "  "
	_, err = svc.UpdateSettings(adminCtx(), bad)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	good := domain.DefaultSettings()
	good.InvoicePrefix = "pos"
	saved, err := svc.UpdateSettings(adminCtx(), good)
	require.NoError(t, err)
	assert.Equal(t, "POS", saved.InvoicePrefix)
}

func TestAuditTrailRecordsSettlement(t *testing.T) {
	svc, _ := newTestService()
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	_, err := svc.Settle(cashierCtx(), domain.SettleRequest{
		IdempotencyKey: "audit-1",
		Lines:          []domain.CartLine{line("prod-milk", 1, "2.20")},
		Payment:        cash("10"),
	})
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(adminCtx(), "2026-03-14", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "settle", logs[0].Action)
	assert.Equal(t, "cashier", logs[0].ActorUsername)

	_, err = svc.ListAuditLogs(adminCtx(), "14/03/2026", 10)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	svc, _ := newTestService()
	svc.policy.Backoff = 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, svc.backoff(1))
	assert.Equal(t, 200*time.Millisecond, svc.backoff(2))
	assert.Equal(t, 800*time.Millisecond, svc.backoff(4))
	assert.Equal(t, time.Second, svc.backoff(5))
	assert.Equal(t, time.Second, svc.backoff(12))
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleep(ctx, time.Hour)
	assert.True(t, errors.Is(err, context.Canceled))
}
