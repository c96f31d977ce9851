package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables the settlement core relies on. Statements are
// idempotent, so it is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, sku, name, price, discount_price, cost_price, stock_quantity, min_stock, active`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	var discount decimal.NullDecimal
	var stock sql.NullInt64
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &discount, &p.CostPrice, &stock, &p.MinStock, &p.Active); err != nil {
		return nil, err
	}
	if discount.Valid {
		price := discount.Decimal
		p.DiscountPrice = &price
	}
	if stock.Valid {
		qty := int(stock.Int64)
		p.StockQuantity = &qty
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// UpsertProduct writes a catalogue row. Product maintenance lives outside the
// settlement core; this exists for seeding and tests.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	var discount any
	if p.DiscountPrice != nil {
		discount = *p.DiscountPrice
	}
	var stock any
	if p.StockQuantity != nil {
		stock = *p.StockQuantity
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, price, discount_price, cost_price, stock_quantity, min_stock, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price,
			discount_price = EXCLUDED.discount_price, cost_price = EXCLUDED.cost_price,
			stock_quantity = EXCLUDED.stock_quantity, min_stock = EXCLUDED.min_stock,
			active = EXCLUDED.active, updated_at = now()
	`, p.ID, p.SKU, p.Name, p.Price, discount, p.CostPrice, stock, p.MinStock, p.Active)
	return err
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, loyalty_points, total_purchases
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Phone, &c.LoyaltyPoints, &c.TotalPurchases)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpsertCustomer writes a customer row for seeding and tests.
func (s *Store) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, loyalty_points, total_purchases)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone,
			loyalty_points = EXCLUDED.loyalty_points, total_purchases = EXCLUDED.total_purchases
	`, c.ID, c.Name, c.Phone, c.LoyaltyPoints, c.TotalPurchases)
	return err
}

const invoiceColumns = `id, invoice_number, idempotency_key, subtotal, tax_rate, tax_amount,
	discount_amount, total, payment_method, payment_splits, cash_received, change_amount,
	status, cashier_username, cashier_name, shift_id, customer_id, loyalty_points_earned,
	created_at, refunded_at, refunded_by, refund_reason, shift_reversed, loyalty_reversed`

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	var splits []byte
	var shiftID, customerID sql.NullString
	var refundedAt sql.NullTime
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.IdempotencyKey, &inv.Subtotal, &inv.TaxRate, &inv.TaxAmount,
		&inv.DiscountAmount, &inv.Total, &inv.PaymentMethod, &splits, &inv.CashReceived, &inv.ChangeAmount,
		&inv.Status, &inv.CashierUsername, &inv.CashierName, &shiftID, &customerID, &inv.LoyaltyPointsEarned,
		&inv.CreatedAt, &refundedAt, &inv.RefundedBy, &inv.RefundReason, &inv.ShiftReversed, &inv.LoyaltyReversed,
	)
	if err != nil {
		return nil, err
	}
	inv.PaymentSplits = decodePaymentSplits(splits)
	inv.ShiftID = shiftID.String
	inv.CustomerID = customerID.String
	inv.CreatedAt = inv.CreatedAt.UTC()
	if refundedAt.Valid {
		at := refundedAt.Time.UTC()
		inv.RefundedAt = &at
	}
	return &inv, nil
}

func loadInvoiceItems(ctx context.Context, q queryer, invoiceID string) ([]domain.InvoiceLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, product_name, quantity, unit_price, total, stock_deducted
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY line_no
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InvoiceLine, 0, 8)
	for rows.Next() {
		var item domain.InvoiceLine
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Total, &item.StockDeducted); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func findInvoice(ctx context.Context, q queryer, column string, value string, forUpdate bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadInvoiceItems(ctx, q, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Items = items
	return inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return findInvoice(ctx, s.db, "id", id, false)
}

func (s *Store) FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error) {
	return findInvoice(ctx, s.db, "idempotency_key", key, false)
}

func (s *Store) ListInvoices(ctx context.Context, filter store.InvoiceFilter) ([]domain.Invoice, error) {
	if filter.Limit < 1 {
		filter.Limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE ($1 = '' OR shift_id = $1)
			AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.ShiftID, filter.Status, filter.Limit)
	if err != nil {
		return nil, err
	}

	invoices := make([]domain.Invoice, 0, filter.Limit)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range invoices {
		items, err := loadInvoiceItems(ctx, s.db, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Items = items
	}
	return invoices, nil
}

const shiftColumns = `id, cashier_username, cashier_name, start_time, end_time, opening_balance,
	closing_balance, status, total_sales, total_cash, total_card, total_transfer,
	invoices_count, refunds_count, total_refunds, notes`

func scanShift(row rowScanner) (*domain.Shift, error) {
	var shift domain.Shift
	var endTime sql.NullTime
	var closing decimal.NullDecimal
	err := row.Scan(
		&shift.ID, &shift.CashierUsername, &shift.CashierName, &shift.StartTime, &endTime, &shift.OpeningBalance,
		&closing, &shift.Status, &shift.TotalSales, &shift.TotalCash, &shift.TotalCard, &shift.TotalTransfer,
		&shift.InvoicesCount, &shift.RefundsCount, &shift.TotalRefunds, &shift.Notes,
	)
	if err != nil {
		return nil, err
	}
	shift.StartTime = shift.StartTime.UTC()
	if endTime.Valid {
		at := endTime.Time.UTC()
		shift.EndTime = &at
	}
	if closing.Valid {
		balance := closing.Decimal
		shift.ClosingBalance = &balance
	}
	return &shift, nil
}

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierUsername) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.StartTime.IsZero() {
		shift.StartTime = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.EndTime = nil
	shift.ClosingBalance = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, cashier_username, cashier_name, start_time, opening_balance, status)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, shift.ID, shift.CashierUsername, shift.CashierName, shift.StartTime, shift.OpeningBalance, shift.Status)
	if err != nil {
		return nil, mapError(err)
	}
	saved := shift
	return &saved, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	shift, err := scanShift(s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) GetActiveShift(ctx context.Context, cashier string) (*domain.Shift, error) {
	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE cashier_username = $1 AND status = 'open'
	`, cashier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) CloseShift(ctx context.Context, id string, closingBalance decimal.Decimal, notes string, closedAt time.Time) (*domain.Shift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		UPDATE shifts
		SET status = 'closed', closing_balance = $2, end_time = $3,
			notes = CASE WHEN $4 = '' THEN notes WHEN notes = '' THEN $4 ELSE notes || E'\n' || $4 END
		WHERE id = $1 AND status = 'open'
		RETURNING `+shiftColumns,
		id, closingBalance, closedAt, strings.TrimSpace(notes)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.shiftMissingOrClosed(ctx, id)
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) AppendShiftNote(ctx context.Context, id string, note string) (*domain.Shift, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, store.ErrInvalidTransaction
	}

	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		UPDATE shifts
		SET notes = CASE WHEN notes = '' THEN $2 ELSE notes || E'\n' || $2 END
		WHERE id = $1
		RETURNING `+shiftColumns,
		id, note))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) shiftMissingOrClosed(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM shifts WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrShiftNotOpen
}

func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	var st domain.Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT tax_rate, points_per_currency, loyalty_enabled, invoice_prefix, currency_symbol,
			tax_number, receipt_header, receipt_footer
		FROM store_settings
		WHERE id = 1
	`).Scan(&st.TaxRate, &st.PointsPerCurrency, &st.LoyaltyEnabled, &st.InvoicePrefix, &st.CurrencySymbol,
		&st.TaxNumber, &st.ReceiptHeader, &st.ReceiptFooter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultSettings(), nil
		}
		return domain.Settings{}, err
	}
	return st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st domain.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_settings (
			id, tax_rate, points_per_currency, loyalty_enabled, invoice_prefix, currency_symbol,
			tax_number, receipt_header, receipt_footer, updated_at
		)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id) DO UPDATE SET
			tax_rate = EXCLUDED.tax_rate,
			points_per_currency = EXCLUDED.points_per_currency,
			loyalty_enabled = EXCLUDED.loyalty_enabled,
			invoice_prefix = EXCLUDED.invoice_prefix,
			currency_symbol = EXCLUDED.currency_symbol,
			tax_number = EXCLUDED.tax_number,
			receipt_header = EXCLUDED.receipt_header,
			receipt_footer = EXCLUDED.receipt_footer,
			updated_at = now()
	`, st.TaxRate, st.PointsPerCurrency, st.LoyaltyEnabled, st.InvoicePrefix, st.CurrencySymbol,
		st.TaxNumber, st.ReceiptHeader, st.ReceiptFooter)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, name, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Name, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, name, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Name, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
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

// mapError translates driver errors into store sentinels. Constraint names
// come from schema.sql.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "invoices_invoice_number_key":
			return store.ErrDuplicateInvoiceNumber
		case "invoices_idempotency_key_key":
			return store.ErrDuplicateIdempotencyKey
		case "shifts_one_open_per_cashier":
			return store.ErrShiftAlreadyOpen
		}
		return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, pgErr.ConstraintName)
	case "23514":
		if strings.Contains(pgErr.ConstraintName, "stock_quantity") {
			return store.ErrOversell
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func encodePaymentSplits(splits []domain.PaymentSplit) []byte {
	if splits == nil {
		splits = []domain.PaymentSplit{}
	}
	payload, err := json.Marshal(splits)
	if err != nil {
		return []byte("[]")
	}
	return payload
}

func decodePaymentSplits(raw []byte) []domain.PaymentSplit {
	if len(raw) == 0 {
		return nil
	}
	var splits []domain.PaymentSplit
	if err := json.Unmarshal(raw, &splits); err != nil {
		return nil
	}
	return splits
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
