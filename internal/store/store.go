package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrEmptyCart               = errors.New("cart is empty")
	ErrInsufficientPayment     = errors.New("insufficient cash tendered")
	ErrNoOpenShift             = errors.New("no open shift")
	ErrShiftAlreadyOpen        = errors.New("shift already open")
	ErrShiftNotOpen            = errors.New("shift not open")
	ErrInvoiceAlreadyRefunded  = errors.New("invoice already refunded")
	ErrOversell                = errors.New("insufficient stock")
	ErrConflict                = errors.New("concurrent update conflict")
	ErrDuplicateInvoiceNumber  = errors.New("duplicate invoice number")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrSettlementFailed        = errors.New("settlement failed")
)

// Retryable reports whether err is worth retrying the whole transaction for.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicateInvoiceNumber)
}

type InvoiceFilter struct {
	ShiftID string
	Status  string
	Limit   int
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]domain.Invoice, error)
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, cashier string) (*domain.Shift, error)
	CloseShift(ctx context.Context, id string, closingBalance decimal.Decimal, notes string, closedAt time.Time) (*domain.Shift, error)
	AppendShiftNote(ctx context.Context, id string, note string) (*domain.Shift, error)
	GetSettings(ctx context.Context) (domain.Settings, error)
	SaveSettings(ctx context.Context, settings domain.Settings) error
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error

	// WithinTx runs fn in a single serializable unit of work. Every mutation
	// made through tx commits together or not at all. Serialization failures
	// surface as ErrConflict.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of ledger primitives available inside WithinTx. Counter
// updates are applied as increments against the stored value, never as a
// read-modify-write of a value the caller read earlier.
type Tx interface {
	InsertInvoice(ctx context.Context, invoice domain.Invoice) error
	LockInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	MarkInvoiceRefunded(ctx context.Context, id string, record domain.RefundRecord) error
	DecrementStock(ctx context.Context, productID string, qty int, clamp bool) (domain.StockLevel, error)
	IncrementStock(ctx context.Context, productID string, qty int) (domain.StockLevel, error)
	ApplyShiftDelta(ctx context.Context, shiftID string, delta domain.ShiftDelta) error
	ApplyLoyaltyDelta(ctx context.Context, customerID string, points int64, purchases decimal.Decimal) error
}
