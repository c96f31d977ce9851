package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/ledger"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

// StartShift opens a shift for the calling cashier. A second open shift for
// the same cashier is rejected by the store's uniqueness rule.
func (s *Service) StartShift(ctx context.Context, req domain.ShiftStartRequest) (domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Shift{}, fmt.Errorf("%w: cashier required", ErrForbidden)
	}
	if req.OpeningBalance.IsNegative() {
		return domain.Shift{}, store.ErrInvalidTransaction
	}

	saved, err := s.repo.CreateShift(ctx, domain.Shift{
		ID:              xid.New("shift"),
		CashierUsername: actor.Username,
		CashierName:     actor.Name,
		StartTime:       s.now(),
		OpeningBalance:  req.OpeningBalance,
		Status:          domain.ShiftStatusOpen,
	})
	if err != nil {
		return domain.Shift{}, err
	}

	s.logger.Info("shift opened", zap.String("shift_id", saved.ID), zap.String("cashier", actor.Username))
	s.logAudit(ctx, "shift_open", "shift", saved.ID, "opening="+req.OpeningBalance.StringFixed(2))
	return *saved, nil
}

// CloseShift closes an open shift exactly once. The variance against expected
// cash is reported through ShiftReconciliation and never blocks the close.
func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.ShiftReconciliation, error) {
	shift, err := s.ownedShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftReconciliation{}, err
	}
	if req.ClosingBalance.IsNegative() {
		return domain.ShiftReconciliation{}, store.ErrInvalidTransaction
	}

	closed, err := s.repo.CloseShift(ctx, shift.ID, req.ClosingBalance, req.Notes, s.now())
	if err != nil {
		return domain.ShiftReconciliation{}, err
	}

	rec := ledger.Reconcile(*closed)
	fields := []zap.Field{
		zap.String("shift_id", closed.ID),
		zap.String("expected_cash", rec.ExpectedCash.StringFixed(2)),
		zap.String("closing_balance", req.ClosingBalance.StringFixed(2)),
	}
	if rec.CashVariance != nil && !rec.CashVariance.IsZero() {
		s.logger.Warn("shift closed with cash variance", append(fields, zap.String("variance", rec.CashVariance.StringFixed(2)))...)
	} else {
		s.logger.Info("shift closed", fields...)
	}
	s.logAudit(ctx, "shift_close", "shift", closed.ID, fmt.Sprintf(
		"closing=%s,expected=%s", req.ClosingBalance.StringFixed(2), rec.ExpectedCash.StringFixed(2),
	))
	return rec, nil
}

func (s *Service) ActiveShift(ctx context.Context) (domain.Shift, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Shift{}, store.ErrNotFound
	}
	shift, err := s.repo.GetActiveShift(ctx, actor.Username)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.Shift, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return domain.Shift{}, store.ErrInvalidTransaction
	}
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

// AddShiftNote appends an audit note. It is the one change a closed shift
// still accepts.
func (s *Service) AddShiftNote(ctx context.Context, shiftID string, req domain.ShiftNoteRequest) (domain.Shift, error) {
	shift, err := s.ownedShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		return domain.Shift{}, store.ErrInvalidTransaction
	}

	updated, err := s.repo.AppendShiftNote(ctx, shift.ID, note)
	if err != nil {
		return domain.Shift{}, err
	}
	s.logAudit(ctx, "shift_note", "shift", updated.ID, note)
	return *updated, nil
}

func (s *Service) ShiftReconciliation(ctx context.Context, shiftID string) (domain.ShiftReconciliation, error) {
	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftReconciliation{}, err
	}
	return ledger.Reconcile(shift), nil
}

func (s *Service) ShiftInvoices(ctx context.Context, shiftID string, limit int) ([]domain.Invoice, error) {
	shift, err := s.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, store.InvoiceFilter{ShiftID: shift.ID, Limit: limit})
}

// ownedShift loads a shift the caller may change: their own, or any shift
// for an admin.
func (s *Service) ownedShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return nil, store.ErrInvalidTransaction
	}
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: cashier required", ErrForbidden)
	}
	if actor.Role != domain.RoleAdmin && actor.Username != shift.CashierUsername {
		return nil, errors.Join(ErrForbidden, fmt.Errorf("shift %s belongs to %s", shift.ID, shift.CashierUsername))
	}
	return shift, nil
}
