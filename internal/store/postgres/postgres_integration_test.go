package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("POS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedProduct(t *testing.T, s *Store, stock int) string {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("prod-it-%d", time.Now().UnixNano())
	qty := stock
	require.NoError(t, s.UpsertProduct(ctx, domain.Product{
		ID:            id,
		SKU:           "SKU-" + id,
		Name:          "Integration Item",
		Price:         decimal.NewFromInt(10),
		StockQuantity: &qty,
		MinStock:      1,
		Active:        true,
	}))
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	})
	return id
}

func TestDecrementStockRollsBackWithTransaction(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 10)

	boom := errors.New("abort")
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		level, err := tx.DecrementStock(ctx, productID, 3, false)
		require.NoError(t, err)
		assert.Equal(t, 7, level.Remaining)
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 10, *p.StockQuantity)
}

func TestDecrementStockPolicies(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 2)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.DecrementStock(ctx, productID, 3, false)
		return err
	})
	require.ErrorIs(t, err, store.ErrOversell)

	var level domain.StockLevel
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		level, err = tx.DecrementStock(ctx, productID, 3, true)
		return err
	}))
	assert.Equal(t, 2, level.Deducted)
	assert.Equal(t, 0, level.Remaining)
	assert.True(t, level.Low())
}

func TestConcurrentDecrementsDoNotLoseUpdates(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	productID := seedProduct(t, s, 5)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 5; attempt++ {
				err := s.WithinTx(ctx, func(tx store.Tx) error {
					_, err := tx.DecrementStock(ctx, productID, 1, false)
					return err
				})
				if !errors.Is(err, store.ErrConflict) {
					assert.NoError(t, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 3, *p.StockQuantity)
}

func TestOneOpenShiftPerCashier(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	cashier := fmt.Sprintf("it-cashier-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM shifts WHERE cashier_username = $1`, cashier)
	})

	shift, err := s.CreateShift(ctx, domain.Shift{CashierUsername: cashier, OpeningBalance: decimal.NewFromInt(100)})
	require.NoError(t, err)

	_, err = s.CreateShift(ctx, domain.Shift{CashierUsername: cashier})
	require.ErrorIs(t, err, store.ErrShiftAlreadyOpen)

	closed, err := s.CloseShift(ctx, shift.ID, decimal.NewFromInt(100), "end of day", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)

	_, err = s.CloseShift(ctx, shift.ID, decimal.Zero, "", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrShiftNotOpen)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.ApplyShiftDelta(ctx, shift.ID, domain.ShiftDelta{Sales: decimal.NewFromInt(1), InvoicesCount: 1})
	})
	require.ErrorIs(t, err, store.ErrShiftNotOpen)
}
