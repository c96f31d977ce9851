package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string           `json:"id"`
	SKU           string           `json:"sku"`
	Name          string           `json:"name"`
	Price         decimal.Decimal  `json:"price"`
	DiscountPrice *decimal.Decimal `json:"discount_price,omitempty"`
	CostPrice     decimal.Decimal  `json:"cost_price"`
	StockQuantity *int             `json:"stock_quantity,omitempty"`
	MinStock      int              `json:"min_stock"`
	Active        bool             `json:"active"`
}

// EffectivePrice is the unit price a cart line snapshots: the discount price
// when one is set and positive, the list price otherwise.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.DiscountPrice != nil && p.DiscountPrice.IsPositive() {
		return *p.DiscountPrice
	}
	return p.Price
}

func (p Product) TracksStock() bool {
	return p.StockQuantity != nil
}

type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	LoyaltyPoints  int64           `json:"loyalty_points"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
}

type CartLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
}

// InvoiceLine is a frozen cart line. StockDeducted records how many units the
// inventory ledger actually removed, which is what a refund restores.
type InvoiceLine struct {
	CartLine
	StockDeducted int `json:"stock_deducted"`
}

type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Total          decimal.Decimal `json:"total"`
}

type PaymentSplit struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type PaymentInfo struct {
	Method       string          `json:"method"`
	CashReceived decimal.Decimal `json:"cash_received"`
	Reference    string          `json:"reference,omitempty"`
	Splits       []PaymentSplit  `json:"splits,omitempty"`
}

type Invoice struct {
	ID                  string          `json:"id"`
	InvoiceNumber       string          `json:"invoice_number"`
	IdempotencyKey      string          `json:"idempotency_key"`
	Items               []InvoiceLine   `json:"items"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	TaxAmount           decimal.Decimal `json:"tax_amount"`
	DiscountAmount      decimal.Decimal `json:"discount_amount"`
	Total               decimal.Decimal `json:"total"`
	PaymentMethod       string          `json:"payment_method"`
	PaymentSplits       []PaymentSplit  `json:"payment_splits"`
	CashReceived        decimal.Decimal `json:"cash_received"`
	ChangeAmount        decimal.Decimal `json:"change_amount"`
	Status              string          `json:"status"`
	CashierUsername     string          `json:"cashier_username"`
	CashierName         string          `json:"cashier_name"`
	ShiftID             string          `json:"shift_id,omitempty"`
	CustomerID          string          `json:"customer_id,omitempty"`
	LoyaltyPointsEarned int64           `json:"loyalty_points_earned"`
	CreatedAt           time.Time       `json:"created_at"`
	RefundedAt          *time.Time      `json:"refunded_at,omitempty"`
	RefundedBy          string          `json:"refunded_by,omitempty"`
	RefundReason        string          `json:"refund_reason,omitempty"`
	ShiftReversed       bool            `json:"shift_reversed"`
	LoyaltyReversed     bool            `json:"loyalty_reversed"`
}

// RefundRecord is the metadata written when an invoice leaves completed.
type RefundRecord struct {
	RefundedAt      time.Time
	RefundedBy      string
	Reason          string
	ShiftReversed   bool
	LoyaltyReversed bool
}

type Shift struct {
	ID              string           `json:"id"`
	CashierUsername string           `json:"cashier_username"`
	CashierName     string           `json:"cashier_name"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	OpeningBalance  decimal.Decimal  `json:"opening_balance"`
	ClosingBalance  *decimal.Decimal `json:"closing_balance,omitempty"`
	Status          string           `json:"status"`
	TotalSales      decimal.Decimal  `json:"total_sales"`
	TotalCash       decimal.Decimal  `json:"total_cash"`
	TotalCard       decimal.Decimal  `json:"total_card"`
	TotalTransfer   decimal.Decimal  `json:"total_transfer"`
	InvoicesCount   int              `json:"invoices_count"`
	RefundsCount    int              `json:"refunds_count"`
	TotalRefunds    decimal.Decimal  `json:"total_refunds"`
	Notes           string           `json:"notes,omitempty"`
}

// ShiftDelta is an additive change to a shift's running totals. Refunds are
// expressed with negated sales and bucket amounts.
type ShiftDelta struct {
	Sales         decimal.Decimal
	Cash          decimal.Decimal
	Card          decimal.Decimal
	Transfer      decimal.Decimal
	InvoicesCount int
	RefundsCount  int
	RefundTotal   decimal.Decimal
}

type ShiftReconciliation struct {
	ShiftID        string           `json:"shift_id"`
	Status         string           `json:"status"`
	OpeningBalance decimal.Decimal  `json:"opening_balance"`
	TotalCash      decimal.Decimal  `json:"total_cash"`
	ExpectedCash   decimal.Decimal  `json:"expected_cash"`
	ClosingBalance *decimal.Decimal `json:"closing_balance,omitempty"`
	CashVariance   *decimal.Decimal `json:"cash_variance,omitempty"`
	TotalSales     decimal.Decimal  `json:"total_sales"`
	InvoicesCount  int              `json:"invoices_count"`
	RefundsCount   int              `json:"refunds_count"`
	TotalRefunds   decimal.Decimal  `json:"total_refunds"`
}

type ShiftStartRequest struct {
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type ShiftCloseRequest struct {
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Notes          string          `json:"notes,omitempty"`
}

type ShiftNoteRequest struct {
	Note string `json:"note"`
}

// StockLevel is what the inventory ledger reports after a movement.
type StockLevel struct {
	Tracked   bool
	Deducted  int
	Remaining int
	MinStock  int
}

func (l StockLevel) Low() bool {
	return l.Tracked && l.Remaining <= l.MinStock
}

type Settings struct {
	TaxRate           decimal.Decimal `json:"tax_rate"`
	PointsPerCurrency decimal.Decimal `json:"points_per_currency"`
	LoyaltyEnabled    bool            `json:"loyalty_enabled"`
	InvoicePrefix     string          `json:"invoice_prefix"`
	CurrencySymbol    string          `json:"currency_symbol"`
	TaxNumber         string          `json:"tax_number,omitempty"`
	ReceiptHeader     string          `json:"receipt_header,omitempty"`
	ReceiptFooter     string          `json:"receipt_footer,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		TaxRate:           decimal.NewFromInt(15),
		PointsPerCurrency: decimal.NewFromInt(1),
		LoyaltyEnabled:    true,
		InvoicePrefix:     "INV",
		CurrencySymbol:    "$",
	}
}

type SettleRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Lines          []CartLine      `json:"lines"`
	Discount       decimal.Decimal `json:"discount"`
	Payment        PaymentInfo     `json:"payment"`
	CustomerID     string          `json:"customer_id,omitempty"`
	ShiftID        string          `json:"shift_id,omitempty"`
}

// CheckoutItem names a product and how many units to sell. Prices come from
// the catalog, never from the caller.
type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CheckoutRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Items          []CheckoutItem  `json:"items"`
	Discount       decimal.Decimal `json:"discount"`
	Payment        PaymentInfo     `json:"payment"`
	CustomerID     string          `json:"customer_id,omitempty"`
	ShiftID        string          `json:"shift_id,omitempty"`
}

type SettleResult struct {
	Invoice   Invoice  `json:"invoice"`
	Duplicate bool     `json:"duplicate"`
	LowStock  []string `json:"low_stock,omitempty"`
}

type RefundRequest struct {
	InvoiceID  string `json:"invoice_id"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type SessionView struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Lines      []CartLine      `json:"lines"`
	Discount   decimal.Decimal `json:"discount"`
	CustomerID string          `json:"customer_id,omitempty"`
	Totals     Totals          `json:"totals"`
	CreatedAt  time.Time       `json:"created_at"`
}

type SessionLineRequest struct {
	ProductID string `json:"product_id"`
}

type SessionQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type SessionDiscountRequest struct {
	Discount decimal.Decimal `json:"discount"`
}

type SessionCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type SessionCheckoutRequest struct {
	Payment PaymentInfo `json:"payment"`
	ShiftID string      `json:"shift_id,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Name     string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Name      string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type CashierResponse struct {
	Username  string `json:"username"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
	PaymentMixed    = "mixed"
)

const (
	InvoiceStatusPending   = "pending"
	InvoiceStatusCompleted = "completed"
	InvoiceStatusRefunded  = "refunded"
	InvoiceStatusCancelled = "cancelled"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
