package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"retailpos/internal/cart"
	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

// Checkout prices each item from the catalog and settles the result. Unknown
// or inactive products are rejected before anything is written. A key that
// already produced an invoice is answered from storage first, so a replay
// still succeeds after the catalog has changed.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.SettleResult, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		if existing, err := s.repo.FindInvoiceByIdempotency(ctx, key); err == nil {
			return domain.SettleResult{Invoice: *existing, Duplicate: true}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return domain.SettleResult{}, err
		}
	}

	if len(req.Items) == 0 {
		return domain.SettleResult{}, store.ErrEmptyCart
	}
	priced := cart.New()
	for _, item := range req.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" || item.Quantity < 1 {
			return domain.SettleResult{}, store.ErrInvalidTransaction
		}
		product, err := s.repo.GetProduct(ctx, productID)
		if err != nil {
			return domain.SettleResult{}, fmt.Errorf("product %s: %w", productID, err)
		}
		if !product.Active {
			return domain.SettleResult{}, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidTransaction, productID)
		}
		if _, err := priced.AddUnits(*product, item.Quantity); err != nil {
			return domain.SettleResult{}, err
		}
	}

	return s.Settle(ctx, domain.SettleRequest{
		IdempotencyKey: key,
		Lines:          priced.Lines(),
		Discount:       req.Discount,
		Payment:        req.Payment,
		CustomerID:     req.CustomerID,
		ShiftID:        req.ShiftID,
	})
}

// Settle turns priced cart lines into a completed invoice. Stock, shift totals
// and loyalty balance move in the same storage transaction as the invoice
// insert. A key that already produced an invoice returns that invoice with
// Duplicate set and touches nothing.
func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	actor := actorOrSystem(ctx)

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = xid.New("idem")
	}

	if len(req.Lines) == 0 {
		return domain.SettleResult{}, store.ErrEmptyCart
	}
	for _, line := range req.Lines {
		if strings.TrimSpace(line.ProductID) == "" || line.Quantity < 1 || line.UnitPrice.IsNegative() {
			return domain.SettleResult{}, store.ErrInvalidTransaction
		}
	}
	lines := cart.FromLines(req.Lines).Lines()

	settings, err := s.Settings(ctx)
	if err != nil {
		return domain.SettleResult{}, err
	}
	totals := cart.Totals(lines, settings.TaxRate, req.Discount)

	payment, err := resolvePayment(req.Payment, totals.Total)
	if err != nil {
		return domain.SettleResult{}, err
	}

	if existing, err := s.repo.FindInvoiceByIdempotency(ctx, key); err == nil {
		return domain.SettleResult{Invoice: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SettleResult{}, err
	}

	shiftID, err := s.resolveShift(ctx, actor, req.ShiftID)
	if err != nil {
		return domain.SettleResult{}, err
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID != "" {
		if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
			return domain.SettleResult{}, fmt.Errorf("customer %s: %w", customerID, err)
		}
	}

	pointsRate := settings.PointsPerCurrency
	if !settings.LoyaltyEnabled {
		pointsRate = decimal.Zero
	}

	base := domain.Invoice{
		ID:              xid.New("inv"),
		IdempotencyKey:  key,
		Subtotal:        totals.Subtotal,
		TaxRate:         totals.TaxRate,
		TaxAmount:       totals.TaxAmount,
		DiscountAmount:  totals.DiscountAmount,
		Total:           totals.Total,
		PaymentMethod:   payment.method,
		PaymentSplits:   payment.splits,
		CashReceived:    payment.cashReceived,
		ChangeAmount:    payment.change,
		Status:          domain.InvoiceStatusCompleted,
		CashierUsername: actor.Username,
		CashierName:     actor.Name,
		ShiftID:         shiftID,
		CustomerID:      customerID,
	}

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		inv := base
		inv.CreatedAt = s.now()
		inv.InvoiceNumber = s.invoiceNumber(settings.InvoicePrefix, inv.CreatedAt)

		var lowStock []string
		err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
			items, low, err := s.inventory.Take(ctx, tx, lines)
			if err != nil {
				return err
			}
			inv.Items = items
			lowStock = low

			if shiftID != "" {
				if err := s.shifts.Accrue(ctx, tx, shiftID, inv); err != nil {
					return err
				}
			}
			if customerID != "" {
				points, err := s.loyalty.Accrue(ctx, tx, customerID, inv.Total, pointsRate)
				if err != nil {
					return err
				}
				inv.LoyaltyPointsEarned = points
			}

			// Written last so the stored lines carry what was actually deducted.
			return tx.InsertInvoice(ctx, inv)
		})
		if err == nil {
			s.afterSettle(ctx, inv, lowStock, attempt)
			return domain.SettleResult{Invoice: inv, Duplicate: false, LowStock: lowStock}, nil
		}

		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, findErr := s.repo.FindInvoiceByIdempotency(ctx, key)
			if findErr != nil {
				return domain.SettleResult{}, findErr
			}
			return domain.SettleResult{Invoice: *existing, Duplicate: true}, nil
		}
		if !store.Retryable(err) {
			return domain.SettleResult{}, err
		}

		lastErr = err
		s.logger.Debug("settlement attempt failed, retrying",
			zap.String("idempotency_key", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.policy.MaxAttempts {
			if err := sleep(ctx, s.backoff(attempt)); err != nil {
				return domain.SettleResult{}, err
			}
		}
	}

	s.logger.Error("settlement gave up",
		zap.String("idempotency_key", key),
		zap.Int("attempts", s.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return domain.SettleResult{}, fmt.Errorf("%w after %d attempts: %w", store.ErrSettlementFailed, s.policy.MaxAttempts, lastErr)
}

func (s *Service) afterSettle(ctx context.Context, inv domain.Invoice, lowStock []string, attempt int) {
	s.logger.Info("invoice settled",
		zap.String("invoice_id", inv.ID),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("total", inv.Total.StringFixed(2)),
		zap.String("payment_method", inv.PaymentMethod),
		zap.String("shift_id", inv.ShiftID),
		zap.Int("attempt", attempt),
	)
	for _, productID := range lowStock {
		s.logger.Warn("product at or below minimum stock", zap.String("product_id", productID))
	}

	s.logAudit(ctx, "settle", "invoice", inv.ID, fmt.Sprintf(
		"number=%s,total=%s,payment=%s,discount=%s,points=%d",
		inv.InvoiceNumber,
		inv.Total.StringFixed(2),
		inv.PaymentMethod,
		inv.DiscountAmount.StringFixed(2),
		inv.LoyaltyPointsEarned,
	))
}

// resolveShift picks the shift a sale accrues to: the one named in the
// request, which must be the caller's own unless they are an admin, else the cashier's open shift, else none when policy allows it.
func (s *Service) resolveShift(ctx context.Context, actor domain.Actor, explicit string) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		shift, err := s.repo.GetShift(ctx, explicit)
		if err != nil {
			return "", err
		}
		if actor.Role != domain.RoleAdmin && shift.CashierUsername != actor.Username {
			return "", fmt.Errorf("%w: shift %s belongs to %s", ErrForbidden, shift.ID, shift.CashierUsername)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return "", store.ErrShiftNotOpen
		}
		return shift.ID, nil
	}

	shift, err := s.repo.GetActiveShift(ctx, actor.Username)
	if err == nil {
		return shift.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if s.policy.RequireOpenShift {
		return "", store.ErrNoOpenShift
	}
	return "", nil
}

type paymentOutcome struct {
	method       string
	splits       []domain.PaymentSplit
	cashReceived decimal.Decimal
	change       decimal.Decimal
}

// resolvePayment validates the tender against the invoice total and expands
// it into per-method splits that the shift ledger buckets.
func resolvePayment(p domain.PaymentInfo, total decimal.Decimal) (paymentOutcome, error) {
	method := strings.ToLower(strings.TrimSpace(p.Method))
	if method == "" {
		method = domain.PaymentCash
	}
	if p.CashReceived.IsNegative() {
		return paymentOutcome{}, store.ErrInvalidTransaction
	}
	reference := strings.TrimSpace(p.Reference)

	switch method {
	case domain.PaymentCash:
		if p.CashReceived.LessThan(total) {
			return paymentOutcome{}, store.ErrInsufficientPayment
		}
		return paymentOutcome{
			method:       method,
			splits:       []domain.PaymentSplit{{Method: domain.PaymentCash, Amount: total}},
			cashReceived: p.CashReceived,
			change:       p.CashReceived.Sub(total),
		}, nil

	case domain.PaymentCard, domain.PaymentTransfer:
		return paymentOutcome{
			method:       method,
			splits:       []domain.PaymentSplit{{Method: method, Amount: total, Reference: reference}},
			cashReceived: decimal.Zero,
			change:       decimal.Zero,
		}, nil

	case domain.PaymentMixed:
		splits := make([]domain.PaymentSplit, 0, len(p.Splits))
		sum := decimal.Zero
		cashPortion := decimal.Zero
		for _, split := range p.Splits {
			m := strings.ToLower(strings.TrimSpace(split.Method))
			if !isSplitMethodSupported(m) || !split.Amount.IsPositive() {
				return paymentOutcome{}, store.ErrInvalidTransaction
			}
			if m == domain.PaymentCash {
				cashPortion = cashPortion.Add(split.Amount)
			}
			sum = sum.Add(split.Amount)
			splits = append(splits, domain.PaymentSplit{Method: m, Amount: split.Amount, Reference: strings.TrimSpace(split.Reference)})
		}
		if len(splits) == 0 || !sum.Equal(total) {
			return paymentOutcome{}, store.ErrInvalidTransaction
		}

		received := p.CashReceived
		if received.IsZero() {
			received = cashPortion
		}
		if received.LessThan(cashPortion) {
			return paymentOutcome{}, store.ErrInsufficientPayment
		}
		return paymentOutcome{
			method:       method,
			splits:       splits,
			cashReceived: received,
			change:       received.Sub(cashPortion),
		}, nil

	default:
		return paymentOutcome{}, store.ErrInvalidTransaction
	}
}

func isSplitMethodSupported(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer:
		return true
	default:
		return false
	}
}
