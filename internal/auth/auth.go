// Package auth issues and verifies HS256 bearer tokens for the protected
// endpoints.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TokenType = "Bearer"

var (
	ErrInvalidCredentials = errors.New("bad credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

type Config struct {
	Secret   string
	TTL      time.Duration
	Username string
	Password string
	Clock    func() time.Time
}

type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return e.Message
}

type Authenticator struct {
	secret   []byte
	ttl      time.Duration
	username string
	password string
	now      func() time.Time
}

func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		ttl:      ttl,
		username: cfg.Username,
		password: cfg.Password,
		now:      now,
	}, nil
}

// Login checks the configured credentials and issues a token. An unset
// username or password never matches.
func (a *Authenticator) Login(username, password string) (Token, error) {
	if !a.validLogin(username, password) {
		return Token{}, ErrInvalidCredentials
	}
	signed, err := a.Sign(username, []string{"user"})
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, TokenType: TokenType, ExpiresIn: int64(a.ttl.Seconds())}, nil
}

func (a *Authenticator) validLogin(username, password string) bool {
	if a.username == "" || a.password == "" || username == "" || password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	return userOK && passOK
}

func (a *Authenticator) Sign(subject string, roles []string) (string, error) {
	issued := a.now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates the Authorization header of r.
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	if a == nil {
		return nil, &AuthError{Status: http.StatusUnauthorized, Message: "auth unavailable"}
	}
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || token == "" {
		return nil, &AuthError{Status: http.StatusUnauthorized, Message: "Missing Bearer token"}
	}
	claims, err := a.Verify(token)
	if err != nil {
		return nil, &AuthError{Status: http.StatusUnauthorized, Message: "Invalid or expired token"}
	}
	return claims, nil
}

func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], TokenType) {
		return "", false
	}
	return parts[1], true
}

type claimsKey struct{}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
