package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"retailpos/internal/cache"
	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/store/memory"
)

func settleForRefund(t *testing.T, svc *Service, ctx context.Context, key string, customerID string) domain.Invoice {
	t.Helper()
	res, err := svc.Settle(ctx, domain.SettleRequest{
		IdempotencyKey: key,
		Lines:          []domain.CartLine{line("A", 3, "10")},
		Payment:        cash("40"),
		CustomerID:     customerID,
	})
	require.NoError(t, err)
	return res.Invoice
}

func TestRefundRestoresStockAndShift(t *testing.T) {
	svc, repo := newScenarioService(t, testPolicy())
	ctx := cashierCtx()
	require.NoError(t, repo.SaveSettings(context.Background(), zeroTaxSettings()))

	shift, err := svc.StartShift(ctx, domain.ShiftStartRequest{OpeningBalance: dec("100")})
	require.NoError(t, err)
	inv := settleForRefund(t, svc, ctx, "refund-1", "")
	assert.Equal(t, 7, stockOf(t, repo, "A"))

	refunded, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID, Reason: "damaged"})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusRefunded, refunded.Status)
	assert.Equal(t, "damaged", refunded.RefundReason)
	assert.Equal(t, "cashier", refunded.RefundedBy)
	require.NotNil(t, refunded.RefundedAt)
	assert.True(t, refunded.ShiftReversed)
	assert.Equal(t, 10, stockOf(t, repo, "A"))

	got, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assertMoney(t, "0", got.TotalSales)
	assertMoney(t, "0", got.TotalCash)
	assert.Equal(t, 1, got.InvoicesCount)
	assert.Equal(t, 1, got.RefundsCount)
	assertMoney(t, "30", got.TotalRefunds)
}

func TestRefundTwiceIsRejected(t *testing.T) {
	svc, repo := newScenarioService(t, testPolicy())
	ctx := cashierCtx()
	inv := settleForRefund(t, svc, ctx, "refund-twice", "")

	_, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	_, err = svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	assert.ErrorIs(t, err, store.ErrInvoiceAlreadyRefunded)
	assert.Equal(t, 10, stockOf(t, repo, "A"))
}

func TestRefundUnknownInvoice(t *testing.T) {
	svc, _ := newScenarioService(t, testPolicy())

	_, err := svc.Refund(cashierCtx(), domain.RefundRequest{InvoiceID: "inv-missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Refund(cashierCtx(), domain.RefundRequest{InvoiceID: " "})
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestRefundAfterShiftClosedLeavesShiftAlone(t *testing.T) {
	svc, repo := newScenarioService(t, testPolicy())
	ctx := cashierCtx()
	require.NoError(t, repo.SaveSettings(context.Background(), zeroTaxSettings()))

	shift, err := svc.StartShift(ctx, domain.ShiftStartRequest{OpeningBalance: dec("100")})
	require.NoError(t, err)
	inv := settleForRefund(t, svc, ctx, "refund-closed", "")
	_, err = svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{ClosingBalance: dec("130")})
	require.NoError(t, err)

	refunded, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.False(t, refunded.ShiftReversed)
	assert.Equal(t, 10, stockOf(t, repo, "A"))

	got, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assertMoney(t, "30", got.TotalSales)
	assert.Zero(t, got.RefundsCount)
}

func TestRefundReversesLoyalty(t *testing.T) {
	svc, repo := newScenarioService(t, testPolicy())
	ctx := cashierCtx()
	require.NoError(t, repo.SaveSettings(context.Background(), zeroTaxSettings()))

	inv := settleForRefund(t, svc, ctx, "refund-loyalty", "cust-1")
	assert.Equal(t, int64(30), inv.LoyaltyPointsEarned)

	refunded, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.True(t, refunded.LoyaltyReversed)

	customer, err := svc.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Zero(t, customer.LoyaltyPoints)
	assertMoney(t, "0", customer.TotalPurchases)
}

func TestRefundPolicyCanSkipReversals(t *testing.T) {
	policy := testPolicy()
	policy.RefundReversesShift = false
	policy.RefundReversesLoyalty = false
	svc, repo := newScenarioService(t, policy)
	ctx := cashierCtx()
	require.NoError(t, repo.SaveSettings(context.Background(), zeroTaxSettings()))

	shift, err := svc.StartShift(ctx, domain.ShiftStartRequest{OpeningBalance: dec("0")})
	require.NoError(t, err)
	inv := settleForRefund(t, svc, ctx, "refund-policy", "cust-1")

	refunded, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.False(t, refunded.ShiftReversed)
	assert.False(t, refunded.LoyaltyReversed)
	assert.Equal(t, 10, stockOf(t, repo, "A"), "stock is always restored")

	got, err := svc.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assertMoney(t, "30", got.TotalSales)

	customer, err := svc.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), customer.LoyaltyPoints)
}

func TestRefundRetriesOnConflict(t *testing.T) {
	base, _ := newScenarioService(t, testPolicy())
	ctx := cashierCtx()
	inv := settleForRefund(t, base, ctx, "refund-retry", "")

	repo := &conflictingRepo{Store: base.repo.(*memory.Store), failures: 1}
	svc := New(repo, cache.NoopSettingsCache{}, testPolicy(), zap.NewNop())

	refunded, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)
	assert.Equal(t, domain.InvoiceStatusRefunded, refunded.Status)
	assert.Equal(t, 10, stockOf(t, repo, "A"))
}

func TestRefundOfClampedLineRestoresOnlyDeducted(t *testing.T) {
	repo := memory.New()
	stock := 2
	repo.PutProduct(domain.Product{ID: "A", Name: "A", Price: dec("10"), StockQuantity: &stock, Active: true})
	policy := testPolicy()
	policy.Oversell = "clamp"
	svc := New(repo, cache.NoopSettingsCache{}, policy, zap.NewNop())
	ctx := cashierCtx()

	inv := settleForRefund(t, svc, ctx, "refund-clamped", "")
	assert.Equal(t, 0, stockOf(t, repo, "A"))

	_, err := svc.Refund(ctx, domain.RefundRequest{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, stockOf(t, repo, "A"))
}
