package auth

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func addUser(t *testing.T, s *store.Store, name, password string, active bool) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	id, err := s.CreateUser(context.Background(), model.User{
		Username: name, PasswordHash: string(hash), Role: model.UserRoleStudent, Active: active,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func TestRequireOwner(t *testing.T) {
	if err := RequireOwner(7, 7); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if err := RequireOwner(7, 8); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BearerToken(tt.header); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestSessionLoginAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addUser(t, s, "ann", "secret", true)
	addUser(t, s, "bob", "secret", false)
	r := NewSessionResolver(s, time.Hour)

	token, u, err := r.Login(ctx, "ann", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.ID != id {
		t.Errorf("Login returned user %d, want %d", u.ID, id)
	}
	got, err := r.Resolve(ctx, token)
	if err != nil || got.ID != id {
		t.Fatalf("Resolve = %+v, %v", got, err)
	}

	for _, tc := range []struct{ user, pass string }{{"ann", "wrong"}, {"bob", "secret"}, {"nobody", "x"}} {
		if _, _, err := r.Login(ctx, tc.user, tc.pass); apperr.KindOf(err) != apperr.KindUnauthenticated {
			t.Errorf("Login(%s) err = %v, want unauthenticated", tc.user, err)
		}
	}

	if err := r.Logout(ctx, token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := r.Resolve(ctx, token); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Errorf("Resolve after logout err = %v", err)
	}
}

func TestJWTResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := addUser(t, s, "ann", "secret", true)

	r := NewJWTResolver(s, "topsecret", "mocktest")
	token, err := r.Mint("ann", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	u, err := r.Resolve(ctx, token)
	if err != nil || u.ID != id {
		t.Fatalf("Resolve = %+v, %v", u, err)
	}

	tests := []struct {
		name  string
		token func() string
	}{
		{"wrong secret", func() string {
			tok, _ := NewJWTResolver(s, "other", "mocktest").Mint("ann", time.Hour)
			return tok
		}},
		{"wrong issuer", func() string {
			tok, _ := NewJWTResolver(s, "topsecret", "someone").Mint("ann", time.Hour)
			return tok
		}},
		{"expired", func() string {
			tok, _ := r.Mint("ann", -time.Minute)
			return tok
		}},
		{"unknown user", func() string {
			tok, _ := r.Mint("ghost", time.Hour)
			return tok
		}},
		{"garbage", func() string { return "a.b.c" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Resolve(ctx, tt.token()); apperr.KindOf(err) != apperr.KindUnauthenticated {
				t.Errorf("err = %v, want unauthenticated", err)
			}
		})
	}
}

func TestChainDispatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	addUser(t, s, "ann", "secret", true)
	sessions := NewSessionResolver(s, time.Hour)
	jwtr := NewJWTResolver(s, "topsecret", "mocktest")

	opaque, _, err := sessions.Login(ctx, "ann", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	signed, err := jwtr.Mint("ann", time.Hour)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	chain := Chain{Session: sessions, JWT: jwtr}
	for _, tok := range []string{opaque, signed} {
		if _, err := chain.Resolve(ctx, tok); err != nil {
			t.Errorf("Resolve(%q): %v", tok[:8], err)
		}
	}
	if _, err := chain.Resolve(ctx, ""); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Errorf("empty token err = %v", err)
	}

	noJWT := Chain{Session: sessions}
	if _, err := noJWT.Resolve(ctx, signed); apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Errorf("JWT without secret err = %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}
	if _, err := HashPassword(""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("empty password: got %v, want validation error", err)
	}
}
