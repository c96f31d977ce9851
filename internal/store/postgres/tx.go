package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

// WithinTx runs fn inside a serializable transaction. Serialization and
// deadlock failures, whether raised by a statement or by COMMIT, are reported
// as store.ErrConflict so callers can retry the whole unit.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv domain.Invoice) error {
	if inv.ID == "" || inv.IdempotencyKey == "" || inv.InvoiceNumber == "" {
		return store.ErrInvalidTransaction
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, idempotency_key, subtotal, tax_rate, tax_amount,
			discount_amount, total, payment_method, payment_splits, cash_received, change_amount,
			status, cashier_username, cashier_name, shift_id, customer_id, loyalty_points_earned, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, inv.ID, inv.InvoiceNumber, inv.IdempotencyKey, inv.Subtotal, inv.TaxRate, inv.TaxAmount,
		inv.DiscountAmount, inv.Total, inv.PaymentMethod, string(encodePaymentSplits(inv.PaymentSplits)), inv.CashReceived, inv.ChangeAmount,
		inv.Status, inv.CashierUsername, inv.CashierName, nullIfEmpty(inv.ShiftID), nullIfEmpty(inv.CustomerID), inv.LoyaltyPointsEarned, inv.CreatedAt)
	if err != nil {
		return mapError(err)
	}

	for i, item := range inv.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO invoice_items (invoice_id, line_no, product_id, product_name, quantity, unit_price, total, stock_deducted)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, inv.ID, i+1, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Total, item.StockDeducted)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *pgTx) LockInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return findInvoice(ctx, t.tx, "id", id, true)
}

func (t *pgTx) MarkInvoiceRefunded(ctx context.Context, id string, record domain.RefundRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2, refunded_at = $3, refunded_by = $4, refund_reason = $5,
			shift_reversed = $6, loyalty_reversed = $7
		WHERE id = $1 AND status = $8
	`, id, domain.InvoiceStatusRefunded, record.RefundedAt, record.RefundedBy, record.Reason,
		record.ShiftReversed, record.LoyaltyReversed, domain.InvoiceStatusCompleted)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == domain.InvoiceStatusRefunded {
		return store.ErrInvoiceAlreadyRefunded
	}
	return store.ErrInvalidTransaction
}

// DecrementStock subtracts qty in one statement against the locked row. With
// clamp the level floors at zero and Deducted reports what was really removed;
// without it a short row is left untouched and ErrOversell is returned.
func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty int, clamp bool) (domain.StockLevel, error) {
	if qty < 1 {
		return domain.StockLevel{}, store.ErrInvalidTransaction
	}

	var before, after, minStock int
	err := t.tx.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id, stock_quantity
			FROM products
			WHERE id = $1 AND stock_quantity IS NOT NULL
			FOR UPDATE
		)
		UPDATE products p
		SET stock_quantity = GREATEST(p.stock_quantity - $2::int, 0), updated_at = now()
		FROM prev
		WHERE p.id = prev.id AND ($3::boolean OR p.stock_quantity >= $2::int)
		RETURNING prev.stock_quantity, p.stock_quantity, p.min_stock
	`, productID, qty, clamp).Scan(&before, &after, &minStock)
	if err == nil {
		return domain.StockLevel{Tracked: true, Deducted: before - after, Remaining: after, MinStock: minStock}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StockLevel{}, mapError(err)
	}

	stock, err := t.stockOf(ctx, productID)
	if err != nil {
		return domain.StockLevel{}, err
	}
	if !stock.Valid {
		return domain.StockLevel{Tracked: false}, nil
	}
	return domain.StockLevel{}, store.ErrOversell
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, qty int) (domain.StockLevel, error) {
	var after, minStock int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2::int, updated_at = now()
		WHERE id = $1 AND stock_quantity IS NOT NULL
		RETURNING stock_quantity, min_stock
	`, productID, max(qty, 0)).Scan(&after, &minStock)
	if err == nil {
		return domain.StockLevel{Tracked: true, Remaining: after, MinStock: minStock}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StockLevel{}, mapError(err)
	}

	if _, err := t.stockOf(ctx, productID); err != nil {
		return domain.StockLevel{}, err
	}
	return domain.StockLevel{Tracked: false}, nil
}

func (t *pgTx) stockOf(ctx context.Context, productID string) (sql.NullInt64, error) {
	var stock sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return stock, store.ErrNotFound
	}
	if err != nil {
		return stock, mapError(err)
	}
	return stock, nil
}

func (t *pgTx) ApplyShiftDelta(ctx context.Context, shiftID string, d domain.ShiftDelta) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE shifts
		SET total_sales = total_sales + $2,
			total_cash = total_cash + $3,
			total_card = total_card + $4,
			total_transfer = total_transfer + $5,
			invoices_count = invoices_count + $6,
			refunds_count = refunds_count + $7,
			total_refunds = total_refunds + $8
		WHERE id = $1 AND status = 'open'
	`, shiftID, d.Sales, d.Cash, d.Card, d.Transfer, d.InvoicesCount, d.RefundsCount, d.RefundTotal)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var status string
	err = t.tx.QueryRowContext(ctx, `SELECT status FROM shifts WHERE id = $1`, shiftID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrShiftNotOpen
}

func (t *pgTx) ApplyLoyaltyDelta(ctx context.Context, customerID string, points int64, purchases decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET loyalty_points = GREATEST(loyalty_points + $2, 0),
			total_purchases = GREATEST(total_purchases + $3, 0)
		WHERE id = $1
	`, customerID, points, purchases)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
