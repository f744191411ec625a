package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/craigrallen/yeshe-norbu-sub000/internal/domain"
	"github.com/craigrallen/yeshe-norbu-sub000/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return store.ErrUserExists
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

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"olof": {Username: "olof", Password: "secret-pass", Role: RoleStaff, Active: false},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "olof", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestTokenRoundTripCarriesRole(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"staff": {Username: "staff", Password: "staff123", Role: RoleStaff, Active: true},
		},
	}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Staff", Password: "staff123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "staff" || actor.Role != RoleStaff {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("other-secret", time.Hour, "123456", store)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestUnsetManagerPINRejectsEverything(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", nil)
	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("0000") {
		t.Fatalf("expected no pin to validate when none is configured")
	}
}

func TestCreateStaffStoresHashAndCanLogin(t *testing.T) {
	users := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "739154", users)

	created, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: " Karin ", Password: "bell-tower-9"})
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}
	if created.Username != "karin" || created.Role != RoleStaff || created.Password != "" {
		t.Fatalf("unexpected created user %+v", created)
	}
	if stored := users.users["karin"].Password; !strings.HasPrefix(stored, "$2") {
		t.Fatalf("expected bcrypt hash in store, got %q", stored)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "karin", Password: "bell-tower-9"})
	if err != nil {
		t.Fatalf("login as new staff: %v", err)
	}
	if resp.Role != RoleStaff {
		t.Fatalf("expected staff role, got %s", resp.Role)
	}

	if _, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "karin", Password: "another-pass"}); !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("expected duplicate username to be rejected, got %v", err)
	}
}

func TestCreateStaffValidatesInput(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "739154", &userStoreStub{users: map[string]domain.UserAccount{}})

	cases := []domain.StaffCreateRequest{
		{Username: "ab", Password: "long-enough"},
		{Username: "has space", Password: "long-enough"},
		{Username: "nils", Password: "short"},
		{Username: "nils", Password: "long-enough", Role: "owner"},
	}
	for _, req := range cases {
		if _, err := manager.CreateStaff(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}
