// Package auth resolves bearer tokens to users and guards resource ownership.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

// Resolver turns a bearer token into an active user.
// Failures are apperr.KindUnauthenticated unless the store itself failed.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*model.User, error)
}

// RequireOwner is the single ownership check used by every mock operation.
func RequireOwner(ownerID, callerID int64) error {
	if ownerID != callerID {
		return apperr.Forbidden("caller is not the owner of this resource")
	}
	return nil
}

// HashPassword returns the bcrypt hash stored for a password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", apperr.Validation("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SessionResolver accepts opaque tokens issued by Login.
type SessionResolver struct {
	store *store.Store
	ttl   time.Duration
}

// NewSessionResolver returns a resolver backed by the auth_sessions table.
func NewSessionResolver(s *store.Store, ttl time.Duration) *SessionResolver {
	return &SessionResolver{store: s, ttl: ttl}
}

// Login checks the password and issues a new session token.
func (r *SessionResolver) Login(ctx context.Context, username, password string) (string, *model.User, error) {
	u, err := r.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil || !u.Active {
		return "", nil, apperr.Unauthenticated("invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, apperr.Unauthenticated("invalid username or password")
	}
	token, err := r.store.CreateAuthSession(ctx, u.ID, r.ttl)
	if err != nil {
		return "", nil, fmt.Errorf("create auth session: %w", err)
	}
	return token, u, nil
}

// Logout revokes a session token.
func (r *SessionResolver) Logout(ctx context.Context, token string) error {
	return r.store.DeleteAuthSession(ctx, token)
}

func (r *SessionResolver) Resolve(ctx context.Context, token string) (*model.User, error) {
	sess, err := r.store.GetAuthSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get auth session: %w", err)
	}
	if sess == nil {
		return nil, apperr.Unauthenticated("session expired or unknown")
	}
	return activeUser(r.store.GetUserByID(ctx, sess.UserID))
}

// JWTResolver accepts HS256 tokens whose subject is a username.
type JWTResolver struct {
	store  *store.Store
	secret []byte
	issuer string
}

// NewJWTResolver returns a resolver for tokens signed with secret by issuer.
func NewJWTResolver(s *store.Store, secret, issuer string) *JWTResolver {
	return &JWTResolver{store: s, secret: []byte(secret), issuer: issuer}
}

// Mint signs a token for username valid for ttl.
func (r *JWTResolver) Mint(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		Issuer:    r.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (*model.User, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return r.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid token: %v", err)
	}
	if claims.Subject == "" {
		return nil, apperr.Unauthenticated("token has no subject")
	}
	return activeUser(r.store.GetUserByUsername(ctx, claims.Subject))
}

// Chain dispatches JWT-shaped tokens to JWT and everything else to Session.
// JWT may be nil when no signing secret is configured.
type Chain struct {
	Session *SessionResolver
	JWT     *JWTResolver
}

func (c Chain) Resolve(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, apperr.Unauthenticated("missing bearer token")
	}
	if strings.Count(token, ".") == 2 {
		if c.JWT == nil {
			return nil, apperr.Unauthenticated("JWT authentication is not enabled")
		}
		return c.JWT.Resolve(ctx, token)
	}
	return c.Session.Resolve(ctx, token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func activeUser(u *model.User, err error) (*model.User, error) {
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil || !u.Active {
		return nil, apperr.Unauthenticated("user is unknown or inactive")
	}
	return u, nil
}
