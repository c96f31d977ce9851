package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"retailpos/internal/cart"
	"retailpos/internal/domain"
	"retailpos/internal/store"
	"retailpos/internal/xid"
)

// checkoutSession owns one cart from open until commit or discard. Its mutex
// serializes edits with the commit, so a cart cannot change while it is
// being settled.
type checkoutSession struct {
	mu         sync.Mutex
	id         string
	owner      string
	cart       *cart.Cart
	discount   decimal.Decimal
	customerID string
	createdAt  time.Time
	touchedAt  time.Time
}

type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*checkoutSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*checkoutSession)}
}

func (r *sessionRegistry) put(sess *checkoutSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.id] = sess
}

func (r *sessionRegistry) get(id string) (*checkoutSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// prune drops sessions untouched since cutoff and returns how many went.
func (r *sessionRegistry) prune(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, sess := range r.sessions {
		if !sess.mu.TryLock() {
			continue
		}
		if sess.touchedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
		sess.mu.Unlock()
	}
	return removed
}

func (s *Service) OpenSession(ctx context.Context) (domain.SessionView, error) {
	actor := actorOrSystem(ctx)
	if s.policy.SessionIdleTimeout > 0 {
		if n := s.sessions.prune(s.now().Add(-s.policy.SessionIdleTimeout)); n > 0 {
			s.logger.Info("discarded idle checkout sessions", zap.Int("count", n))
		}
	}

	now := s.now()
	sess := &checkoutSession{
		id:        xid.New("sess"),
		owner:     actor.Username,
		cart:      cart.New(),
		createdAt: now,
		touchedAt: now,
	}
	s.sessions.put(sess)
	return s.view(ctx, sess)
}

func (s *Service) Session(ctx context.Context, id string) (domain.SessionView, error) {
	return s.withSession(ctx, id, func(*checkoutSession) error { return nil })
}

func (s *Service) AddProduct(ctx context.Context, id string, productID string) (domain.SessionView, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.SessionView{}, store.ErrInvalidTransaction
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if !product.Active {
		return domain.SessionView{}, store.ErrInvalidTransaction
	}

	return s.withSession(ctx, id, func(sess *checkoutSession) error {
		sess.cart.AddLine(*product)
		return nil
	})
}

func (s *Service) SetLineQuantity(ctx context.Context, id string, index int, qty int) (domain.SessionView, error) {
	return s.withSession(ctx, id, func(sess *checkoutSession) error {
		return sess.cart.SetQuantity(index, qty)
	})
}

func (s *Service) RemoveLine(ctx context.Context, id string, index int) (domain.SessionView, error) {
	return s.withSession(ctx, id, func(sess *checkoutSession) error {
		return sess.cart.RemoveLine(index)
	})
}

func (s *Service) ClearSession(ctx context.Context, id string) (domain.SessionView, error) {
	return s.withSession(ctx, id, func(sess *checkoutSession) error {
		sess.cart.Clear()
		sess.discount = decimal.Zero
		return nil
	})
}

// SetDiscount stores the requested discount as entered; it is clamped
// against the subtotal whenever totals are computed.
func (s *Service) SetDiscount(ctx context.Context, id string, discount decimal.Decimal) (domain.SessionView, error) {
	return s.withSession(ctx, id, func(sess *checkoutSession) error {
		sess.discount = discount
		return nil
	})
}

func (s *Service) AttachCustomer(ctx context.Context, id string, customerID string) (domain.SessionView, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID != "" {
		if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
			return domain.SessionView{}, err
		}
	}
	return s.withSession(ctx, id, func(sess *checkoutSession) error {
		sess.customerID = customerID
		return nil
	})
}

func (s *Service) SessionTotals(ctx context.Context, id string) (domain.Totals, error) {
	view, err := s.Session(ctx, id)
	if err != nil {
		return domain.Totals{}, err
	}
	return view.Totals, nil
}

func (s *Service) DiscardSession(ctx context.Context, id string) error {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	s.sessions.remove(sess.id)
	return nil
}

// CommitSession settles the session's cart using the session id as the
// idempotency key, so a retried commit cannot double charge. The session is
// removed only once the invoice exists; any failure leaves it as it was.
func (s *Service) CommitSession(ctx context.Context, id string, req domain.SessionCheckoutRequest) (domain.SettleResult, error) {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return domain.SettleResult{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, live := s.sessions.get(sess.id); !live {
		return domain.SettleResult{}, store.ErrNotFound
	}
	if sess.cart.Empty() {
		return domain.SettleResult{}, store.ErrEmptyCart
	}

	result, err := s.Settle(ctx, domain.SettleRequest{
		IdempotencyKey: sess.id,
		Lines:          sess.cart.Lines(),
		Discount:       sess.discount,
		Payment:        req.Payment,
		CustomerID:     sess.customerID,
		ShiftID:        req.ShiftID,
	})
	if err != nil {
		sess.touchedAt = s.now()
		return domain.SettleResult{}, err
	}

	s.sessions.remove(sess.id)
	return result, nil
}

func (s *Service) lookupSession(ctx context.Context, id string) (*checkoutSession, error) {
	sess, ok := s.sessions.get(strings.TrimSpace(id))
	if !ok {
		return nil, store.ErrNotFound
	}
	actor := actorOrSystem(ctx)
	if sess.owner != actor.Username && actor.Role != domain.RoleAdmin {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *Service) withSession(ctx context.Context, id string, fn func(sess *checkoutSession) error) (domain.SessionView, error) {
	sess, err := s.lookupSession(ctx, id)
	if err != nil {
		return domain.SessionView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, live := s.sessions.get(sess.id); !live {
		return domain.SessionView{}, store.ErrNotFound
	}
	if err := fn(sess); err != nil {
		return domain.SessionView{}, err
	}
	sess.touchedAt = s.now()
	return s.view(ctx, sess)
}

// view renders a session. Callers hold sess.mu, except OpenSession: its
// session is already registered, but no other caller knows the id until
// OpenSession returns.
func (s *Service) view(ctx context.Context, sess *checkoutSession) (domain.SessionView, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return domain.SessionView{}, err
	}
	return domain.SessionView{
		ID:         sess.id,
		Owner:      sess.owner,
		Lines:      sess.cart.Lines(),
		Discount:   sess.discount,
		CustomerID: sess.customerID,
		Totals:     sess.cart.Totals(settings.TaxRate, sess.discount),
		CreatedAt:  sess.createdAt,
	}, nil
}
