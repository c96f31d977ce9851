package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

// Store keeps every collection behind one mutex. WithinTx holds the write
// lock for the whole unit of work, so transactions are trivially serializable
// and a journal of undo steps gives all-or-nothing semantics.
type Store struct {
	mu                   sync.RWMutex
	products             map[string]domain.Product
	customers            map[string]domain.Customer
	invoicesByID         map[string]domain.Invoice
	invoiceIDByIdem      map[string]string
	invoiceIDByNumber    map[string]string
	shiftsByID           map[string]domain.Shift
	activeShiftByCashier map[string]string
	settings             domain.Settings
	auditLogs            []domain.AuditLog
	usersByUsername      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:             make(map[string]domain.Product),
		customers:            make(map[string]domain.Customer),
		invoicesByID:         make(map[string]domain.Invoice),
		invoiceIDByIdem:      make(map[string]string),
		invoiceIDByNumber:    make(map[string]string),
		shiftsByID:           make(map[string]domain.Shift),
		activeShiftByCashier: make(map[string]string),
		settings:             domain.DefaultSettings(),
		auditLogs:            make([]domain.AuditLog, 0, 128),
		usersByUsername:      make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// when unset, dev defaults are used and a warning is logged.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		name     string
		password string
		role     string
	}{
		{"admin", "Store Admin", adminPwd, domain.RoleAdmin},
		{"cashier", "Front Cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Name:      u.name,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo catalogue, two customers and the dev
// user accounts.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	s.usersByUsername = seedUsers(logger)

	for _, p := range []struct {
		id, sku, name, price, cost string
		stock, minStock            int
	}{
		{"prod-coffee", "SKU-COFFEE-01", "Ground Coffee 250g", "8.50", "5.10", 40, 5},
		{"prod-milk", "SKU-MILK-01", "Whole Milk 1L", "2.20", "1.40", 60, 10},
		{"prod-bread", "SKU-BREAD-01", "Sourdough Loaf", "4.75", "2.30", 25, 5},
		{"prod-eggs", "SKU-EGGS-01", "Free Range Eggs x12", "5.60", "3.90", 30, 6},
		{"prod-tea", "SKU-TEA-01", "Green Tea 20 bags", "3.40", "1.70", 45, 5},
		{"prod-choc", "SKU-CHOC-01", "Dark Chocolate Bar", "2.95", "1.20", 80, 10},
	} {
		stock := p.stock
		s.products[p.id] = domain.Product{
			ID:            p.id,
			SKU:           p.sku,
			Name:          p.name,
			Price:         decimal.RequireFromString(p.price),
			CostPrice:     decimal.RequireFromString(p.cost),
			StockQuantity: &stock,
			MinStock:      p.minStock,
			Active:        true,
		}
	}
	// Gift cards are sold without stock tracking.
	s.products["prod-giftcard"] = domain.Product{
		ID:     "prod-giftcard",
		SKU:    "SKU-GIFT-25",
		Name:   "Gift Card 25",
		Price:  decimal.NewFromInt(25),
		Active: true,
	}

	s.customers["cust-ana"] = domain.Customer{ID: "cust-ana", Name: "Ana Lima", Phone: "555-0101", TotalPurchases: decimal.Zero}
	s.customers["cust-ben"] = domain.Customer{ID: "cust-ben", Name: "Ben Okafor", Phone: "555-0102", TotalPurchases: decimal.Zero}

	return s
}

// PutProduct inserts or replaces a product.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = cloneProduct(product)
}

// PutCustomer inserts or replaces a customer.
func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = customer
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := cloneProduct(p)
	return &copyProduct, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.customers[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyInvoice := cloneInvoice(inv)
	return &copyInvoice, nil
}

func (s *Store) FindInvoiceByIdempotency(_ context.Context, key string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.invoiceIDByIdem[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyInvoice := cloneInvoice(s.invoicesByID[id])
	return &copyInvoice, nil
}

func (s *Store) ListInvoices(_ context.Context, filter store.InvoiceFilter) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, 32)
	for _, inv := range s.invoicesByID {
		if filter.ShiftID != "" && inv.ShiftID != filter.ShiftID {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		result = append(result, cloneInvoice(inv))
	}
	slices.SortFunc(result, func(a, b domain.Invoice) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierUsername) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeShiftByCashier[shift.CashierUsername]; exists {
		return nil, store.ErrShiftAlreadyOpen
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

	s.shiftsByID[shift.ID] = shift
	s.activeShiftByCashier[shift.CashierUsername] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, exists := s.shiftsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) GetActiveShift(_ context.Context, cashier string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.activeShiftByCashier[cashier]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) CloseShift(_ context.Context, id string, closingBalance decimal.Decimal, notes string, closedAt time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrShiftNotOpen
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ClosingBalance = &closingBalance
	shift.EndTime = &closedAt
	shift.Notes = joinNotes(shift.Notes, notes)

	delete(s.activeShiftByCashier, shift.CashierUsername)
	s.shiftsByID[id] = shift
	return &shift, nil
}

func (s *Store) AppendShiftNote(_ context.Context, id string, note string) (*domain.Shift, error) {
	if strings.TrimSpace(note) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift.Notes = joinNotes(shift.Notes, note)
	s.shiftsByID[id] = shift
	return &shift, nil
}

func (s *Store) GetSettings(_ context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *Store) SaveSettings(_ context.Context, settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func joinNotes(existing string, note string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return existing
	}
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	if src.StockQuantity != nil {
		qty := *src.StockQuantity
		dst.StockQuantity = &qty
	}
	if src.DiscountPrice != nil {
		price := *src.DiscountPrice
		dst.DiscountPrice = &price
	}
	return dst
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.Items = append([]domain.InvoiceLine(nil), src.Items...)
	dst.PaymentSplits = append([]domain.PaymentSplit(nil), src.PaymentSplits...)
	if src.RefundedAt != nil {
		at := *src.RefundedAt
		dst.RefundedAt = &at
	}
	return dst
}
