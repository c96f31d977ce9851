package httpapi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"retailpos/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Name:      "Store Admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, "123456", users, zap.NewNop())
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	saved, err := users.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.NotEqual(t, "admin123", saved[0].Password)
	assert.True(t, isPasswordHash(saved[0].Password))
	assert.Positive(t, users.updates)
}

func TestTokenCarriesActorIdentity(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", legacyAdminStore(), zap.NewNop())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Admin", Password: "admin123"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, resp.Role)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "admin", Name: "Store Admin", Role: domain.RoleAdmin}, actor)

	other := NewAuthManager("other-secret", time.Hour, "123456", legacyAdminStore(), zap.NewNop())
	_, err = other.ParseToken(resp.AccessToken)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil, zap.NewNop())

	token, err := manager.sign("cashier", "Front Cashier", domain.RoleCashier, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = manager.ParseToken(token)
	assert.Error(t, err)
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	users := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", users, zap.NewNop())
	ctx := context.Background()

	cashier, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{
		Username: "Till02",
		Name:     "Second Till",
		Password: "pass1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "till02", cashier.Username)
	assert.Equal(t, domain.RoleCashier, cashier.Role)

	saved, err := users.ListUsers(ctx)
	require.NoError(t, err)
	var found *domain.UserAccount
	for i := range saved {
		if saved[i].Username == "till02" {
			found = &saved[i]
		}
	}
	require.NotNil(t, found, "cashier persisted")
	assert.True(t, isPasswordHash(found.Password))
	assert.Equal(t, "Second Till", found.Name)

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "till02", Password: "pass1234"})
	require.NoError(t, err)

	_, err = manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "till02", Password: "pass1234"})
	assert.Error(t, err)
	_, err = manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "abc", Password: "pass1234"})
	assert.Error(t, err)
	_, err = manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "till03", Password: "123"})
	assert.Error(t, err)

	listed := manager.ListCashiers(ctx)
	require.Len(t, listed, 1)
	assert.Equal(t, "till02", listed[0].Username)
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{}, zap.NewNop())

	assert.NotEqual(t, "654321", manager.managerPIN)
	assert.True(t, manager.ValidateManagerPIN("654321"))
	assert.False(t, manager.ValidateManagerPIN("111111"))
	assert.False(t, manager.ValidateManagerPIN(""))
}

func TestUnsetManagerPINNeverValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", nil, zap.NewNop())

	assert.False(t, manager.ValidateManagerPIN("disabled"), "placeholder must not act as a PIN")
}
