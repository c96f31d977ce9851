package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

// Refund reverses a completed invoice: stock that was deducted goes back, and
// depending on policy the owning shift and the customer's points are backed
// out too. The shift is only adjusted while it is still open; a closed shift
// keeps the totals it was reconciled with.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.Invoice, error) {
	invoiceID := strings.TrimSpace(req.InvoiceID)
	if invoiceID == "" {
		return domain.Invoice{}, store.ErrInvalidTransaction
	}
	actor := actorOrSystem(ctx)
	reason := strings.TrimSpace(req.Reason)

	var record domain.RefundRecord
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		record = domain.RefundRecord{
			RefundedAt: s.now(),
			RefundedBy: actor.Username,
			Reason:     reason,
		}

		err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
			inv, err := tx.LockInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			switch inv.Status {
			case domain.InvoiceStatusCompleted:
			case domain.InvoiceStatusRefunded:
				return store.ErrInvoiceAlreadyRefunded
			default:
				return fmt.Errorf("%w: invoice is %s", store.ErrInvalidTransaction, inv.Status)
			}

			if err := s.inventory.Restore(ctx, tx, inv.Items); err != nil {
				return err
			}

			if s.policy.RefundReversesShift && inv.ShiftID != "" {
				err := s.shifts.Reverse(ctx, tx, inv.ShiftID, *inv)
				switch {
				case err == nil:
					record.ShiftReversed = true
				case errors.Is(err, store.ErrShiftNotOpen):
					s.logger.Info("shift already closed, totals left as reconciled",
						zap.String("invoice_id", inv.ID),
						zap.String("shift_id", inv.ShiftID),
					)
				default:
					return err
				}
			}

			if s.policy.RefundReversesLoyalty && inv.CustomerID != "" {
				if err := s.loyalty.Reverse(ctx, tx, inv.CustomerID, inv.LoyaltyPointsEarned, inv.Total); err != nil {
					return err
				}
				record.LoyaltyReversed = true
			}

			return tx.MarkInvoiceRefunded(ctx, invoiceID, record)
		})
		if err == nil {
			lastErr = nil
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			return domain.Invoice{}, err
		}

		lastErr = err
		if attempt < s.policy.MaxAttempts {
			if err := sleep(ctx, s.backoff(attempt)); err != nil {
				return domain.Invoice{}, err
			}
		}
	}
	if lastErr != nil {
		return domain.Invoice{}, fmt.Errorf("refund %s: %w", invoiceID, lastErr)
	}

	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}

	s.logger.Info("invoice refunded",
		zap.String("invoice_id", inv.ID),
		zap.String("total", inv.Total.StringFixed(2)),
		zap.Bool("shift_reversed", record.ShiftReversed),
		zap.Bool("loyalty_reversed", record.LoyaltyReversed),
	)
	s.logAudit(ctx, "refund", "invoice", inv.ID, fmt.Sprintf(
		"total=%s,reason=%s,shift_reversed=%t,loyalty_reversed=%t",
		inv.Total.StringFixed(2), reason, record.ShiftReversed, record.LoyaltyReversed,
	))
	return *inv, nil
}
