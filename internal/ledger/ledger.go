// Package ledger turns settlements and refunds into counter movements on the
// inventory, shift and loyalty records. Every movement goes through a store.Tx
// so it commits or rolls back with the invoice that caused it.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type OversellPolicy string

const (
	OversellReject OversellPolicy = "reject"
	OversellClamp  OversellPolicy = "clamp"
)

func ParseOversellPolicy(raw string) (OversellPolicy, error) {
	switch OversellPolicy(raw) {
	case OversellReject, "":
		return OversellReject, nil
	case OversellClamp:
		return OversellClamp, nil
	default:
		return "", fmt.Errorf("unknown oversell policy %q", raw)
	}
}

type Inventory struct {
	Policy OversellPolicy
}

// Take removes stock for each line and returns the frozen invoice lines with
// StockDeducted filled in, plus the ids of products that dropped to or below
// their minimum.
func (l Inventory) Take(ctx context.Context, tx store.Tx, lines []domain.CartLine) ([]domain.InvoiceLine, []string, error) {
	out := make([]domain.InvoiceLine, 0, len(lines))
	var low []string
	for _, line := range lines {
		level, err := tx.DecrementStock(ctx, line.ProductID, line.Quantity, l.Policy == OversellClamp)
		if err != nil {
			return nil, nil, fmt.Errorf("take %s: %w", line.ProductID, err)
		}
		out = append(out, domain.InvoiceLine{CartLine: line, StockDeducted: level.Deducted})
		if level.Low() {
			low = appendUnique(low, line.ProductID)
		}
	}
	return out, low, nil
}

// Restore puts back exactly what Take removed.
func (l Inventory) Restore(ctx context.Context, tx store.Tx, lines []domain.InvoiceLine) error {
	for _, line := range lines {
		if line.StockDeducted < 1 {
			continue
		}
		if _, err := tx.IncrementStock(ctx, line.ProductID, line.StockDeducted); err != nil {
			return fmt.Errorf("restore %s: %w", line.ProductID, err)
		}
	}
	return nil
}

type Shifts struct{}

// Buckets splits an invoice's payment across the cash, card and transfer
// totals a shift keeps.
func Buckets(splits []domain.PaymentSplit) (cash, card, transfer decimal.Decimal) {
	for _, split := range splits {
		switch split.Method {
		case domain.PaymentCash:
			cash = cash.Add(split.Amount)
		case domain.PaymentCard:
			card = card.Add(split.Amount)
		case domain.PaymentTransfer:
			transfer = transfer.Add(split.Amount)
		}
	}
	return cash, card, transfer
}

func (Shifts) Accrue(ctx context.Context, tx store.Tx, shiftID string, inv domain.Invoice) error {
	cash, card, transfer := Buckets(inv.PaymentSplits)
	return tx.ApplyShiftDelta(ctx, shiftID, domain.ShiftDelta{
		Sales:         inv.Total,
		Cash:          cash,
		Card:          card,
		Transfer:      transfer,
		InvoicesCount: 1,
	})
}

// Reverse backs a refunded invoice out of the sales and payment buckets and
// records it as a refund. The invoice count is left alone so the shift still
// shows how many sales were rung up.
func (Shifts) Reverse(ctx context.Context, tx store.Tx, shiftID string, inv domain.Invoice) error {
	cash, card, transfer := Buckets(inv.PaymentSplits)
	return tx.ApplyShiftDelta(ctx, shiftID, domain.ShiftDelta{
		Sales:        inv.Total.Neg(),
		Cash:         cash.Neg(),
		Card:         card.Neg(),
		Transfer:     transfer.Neg(),
		RefundsCount: 1,
		RefundTotal:  inv.Total,
	})
}

// Reconcile compares the counted drawer with opening float plus cash taken.
func Reconcile(shift domain.Shift) domain.ShiftReconciliation {
	expected := shift.OpeningBalance.Add(shift.TotalCash)
	rec := domain.ShiftReconciliation{
		ShiftID:        shift.ID,
		Status:         shift.Status,
		OpeningBalance: shift.OpeningBalance,
		TotalCash:      shift.TotalCash,
		ExpectedCash:   expected,
		ClosingBalance: shift.ClosingBalance,
		TotalSales:     shift.TotalSales,
		InvoicesCount:  shift.InvoicesCount,
		RefundsCount:   shift.RefundsCount,
		TotalRefunds:   shift.TotalRefunds,
	}
	if shift.ClosingBalance != nil {
		variance := shift.ClosingBalance.Sub(expected)
		rec.CashVariance = &variance
	}
	return rec
}

type Loyalty struct{}

// Points is floor(total * pointsPerCurrency), never negative.
func Points(total decimal.Decimal, pointsPerCurrency decimal.Decimal) int64 {
	points := total.Mul(pointsPerCurrency).Floor().IntPart()
	return max(points, 0)
}

func (Loyalty) Accrue(ctx context.Context, tx store.Tx, customerID string, total decimal.Decimal, pointsPerCurrency decimal.Decimal) (int64, error) {
	points := Points(total, pointsPerCurrency)
	if err := tx.ApplyLoyaltyDelta(ctx, customerID, points, total); err != nil {
		return 0, fmt.Errorf("accrue loyalty %s: %w", customerID, err)
	}
	return points, nil
}

// Reverse takes back points earned by an invoice. The balance floors at zero
// if points were spent in the meantime.
func (Loyalty) Reverse(ctx context.Context, tx store.Tx, customerID string, points int64, total decimal.Decimal) error {
	if err := tx.ApplyLoyaltyDelta(ctx, customerID, -points, total.Neg()); err != nil {
		return fmt.Errorf("reverse loyalty %s: %w", customerID, err)
	}
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
