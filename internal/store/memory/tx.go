package memory

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type memTx struct {
	s    *Store
	undo []func()
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) InsertInvoice(_ context.Context, invoice domain.Invoice) error {
	if invoice.ID == "" || invoice.IdempotencyKey == "" || strings.TrimSpace(invoice.InvoiceNumber) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := t.s.invoiceIDByIdem[invoice.IdempotencyKey]; exists {
		return store.ErrDuplicateIdempotencyKey
	}
	if _, exists := t.s.invoiceIDByNumber[invoice.InvoiceNumber]; exists {
		return store.ErrDuplicateInvoiceNumber
	}

	t.s.invoicesByID[invoice.ID] = cloneInvoice(invoice)
	t.s.invoiceIDByIdem[invoice.IdempotencyKey] = invoice.ID
	t.s.invoiceIDByNumber[invoice.InvoiceNumber] = invoice.ID
	t.undo = append(t.undo, func() {
		delete(t.s.invoicesByID, invoice.ID)
		delete(t.s.invoiceIDByIdem, invoice.IdempotencyKey)
		delete(t.s.invoiceIDByNumber, invoice.InvoiceNumber)
	})
	return nil
}

func (t *memTx) LockInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	inv, exists := t.s.invoicesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyInvoice := cloneInvoice(inv)
	return &copyInvoice, nil
}

func (t *memTx) MarkInvoiceRefunded(_ context.Context, id string, record domain.RefundRecord) error {
	prev, exists := t.s.invoicesByID[id]
	if !exists {
		return store.ErrNotFound
	}
	switch prev.Status {
	case domain.InvoiceStatusCompleted:
	case domain.InvoiceStatusRefunded:
		return store.ErrInvoiceAlreadyRefunded
	default:
		return store.ErrInvalidTransaction
	}

	next := cloneInvoice(prev)
	at := record.RefundedAt
	next.Status = domain.InvoiceStatusRefunded
	next.RefundedAt = &at
	next.RefundedBy = record.RefundedBy
	next.RefundReason = record.Reason
	next.ShiftReversed = record.ShiftReversed
	next.LoyaltyReversed = record.LoyaltyReversed
	t.s.invoicesByID[id] = next
	t.undo = append(t.undo, func() { t.s.invoicesByID[id] = prev })
	return nil
}

func (t *memTx) DecrementStock(_ context.Context, productID string, qty int, clamp bool) (domain.StockLevel, error) {
	if qty < 1 {
		return domain.StockLevel{}, store.ErrInvalidTransaction
	}
	prev, exists := t.s.products[productID]
	if !exists {
		return domain.StockLevel{}, store.ErrNotFound
	}
	if prev.StockQuantity == nil {
		return domain.StockLevel{Tracked: false}, nil
	}

	current := *prev.StockQuantity
	deducted := qty
	if current < qty {
		if !clamp {
			return domain.StockLevel{}, store.ErrOversell
		}
		deducted = max(current, 0)
	}

	t.setStock(prev, current-deducted)
	return domain.StockLevel{Tracked: true, Deducted: deducted, Remaining: current - deducted, MinStock: prev.MinStock}, nil
}

func (t *memTx) IncrementStock(_ context.Context, productID string, qty int) (domain.StockLevel, error) {
	prev, exists := t.s.products[productID]
	if !exists {
		return domain.StockLevel{}, store.ErrNotFound
	}
	if prev.StockQuantity == nil {
		return domain.StockLevel{Tracked: false}, nil
	}
	if qty < 1 {
		return domain.StockLevel{Tracked: true, Remaining: *prev.StockQuantity, MinStock: prev.MinStock}, nil
	}

	remaining := *prev.StockQuantity + qty
	t.setStock(prev, remaining)
	return domain.StockLevel{Tracked: true, Remaining: remaining, MinStock: prev.MinStock}, nil
}

func (t *memTx) setStock(prev domain.Product, qty int) {
	next := cloneProduct(prev)
	next.StockQuantity = &qty
	t.s.products[prev.ID] = next
	t.undo = append(t.undo, func() { t.s.products[prev.ID] = prev })
}

func (t *memTx) ApplyShiftDelta(_ context.Context, shiftID string, delta domain.ShiftDelta) error {
	prev, exists := t.s.shiftsByID[shiftID]
	if !exists {
		return store.ErrNotFound
	}
	if prev.Status != domain.ShiftStatusOpen {
		return store.ErrShiftNotOpen
	}

	next := prev
	next.TotalSales = prev.TotalSales.Add(delta.Sales)
	next.TotalCash = prev.TotalCash.Add(delta.Cash)
	next.TotalCard = prev.TotalCard.Add(delta.Card)
	next.TotalTransfer = prev.TotalTransfer.Add(delta.Transfer)
	next.InvoicesCount = prev.InvoicesCount + delta.InvoicesCount
	next.RefundsCount = prev.RefundsCount + delta.RefundsCount
	next.TotalRefunds = prev.TotalRefunds.Add(delta.RefundTotal)
	t.s.shiftsByID[shiftID] = next
	t.undo = append(t.undo, func() { t.s.shiftsByID[shiftID] = prev })
	return nil
}

func (t *memTx) ApplyLoyaltyDelta(_ context.Context, customerID string, points int64, purchases decimal.Decimal) error {
	prev, exists := t.s.customers[customerID]
	if !exists {
		return store.ErrNotFound
	}

	next := prev
	next.LoyaltyPoints = max(prev.LoyaltyPoints+points, 0)
	next.TotalPurchases = decimal.Max(prev.TotalPurchases.Add(purchases), decimal.Zero)
	t.s.customers[customerID] = next
	t.undo = append(t.undo, func() { t.s.customers[customerID] = prev })
	return nil
}
