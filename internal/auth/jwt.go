package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("incorrect credentials")
)

// Role is the access level carried by a token.
type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
)

const (
	AuthModeEnabled  = "enabled"
	AuthModeDisabled = "disabled"

	guestSubject = "guest"
)

// Claims is the JWT payload.
type Claims struct {
	Role     Role              `json:"role"`
	Metadata map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// AuthToken is a signed token handed to a client.
type AuthToken struct {
	AccessToken string
	Role        Role
	AuthMode    string
	ExpiresAt   time.Time
}

// TokenInfo is what a verified token says about its bearer.
type TokenInfo struct {
	Subject   string
	Role      Role
	Metadata  map[string]string
	ExpiresAt time.Time
}

// Config holds the token settings and the account table.
type Config struct {
	Secret      string
	Expire      time.Duration
	GuestExpire time.Duration
	Accounts    AccountTable
}

// Handler issues and verifies tokens. It holds no mutable state and is safe
// for concurrent use.
type Handler struct {
	secret      []byte
	expire      time.Duration
	guestExpire time.Duration
	accounts    AccountTable
	decoy       string // checked for unknown usernames
	now         func() time.Time
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		secret:      []byte(cfg.Secret),
		expire:      cfg.Expire,
		guestExpire: cfg.GuestExpire,
		accounts:    cfg.Accounts,
		decoy:       decoyCredential(cfg.Accounts),
		now:         time.Now,
	}
}

// decoyCredential returns a credential of the same kind and cost as the
// configured ones, so rejecting an unknown username takes as long as
// rejecting a wrong password.
func decoyCredential(accounts AccountTable) string {
	for _, stored := range accounts {
		hash, ok := strings.CutPrefix(stored, bcryptPrefix)
		if !ok {
			continue
		}
		cost, err := bcrypt.Cost([]byte(hash))
		if err != nil {
			continue
		}
		decoy, err := bcrypt.GenerateFromPassword([]byte("decoy credential"), cost)
		if err != nil {
			continue
		}
		return bcryptPrefix + string(decoy)
	}
	return "decoy credential"
}

// Hours converts a fractional hour setting to a duration.
func Hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// AuthConfigured reports whether any account is configured.
func (h *Handler) AuthConfigured() bool {
	return len(h.accounts) > 0
}

// IssueToken signs a token for subject. Guest tokens use the guest lifetime.
func (h *Handler) IssueToken(subject string, role Role, metadata map[string]string) (*AuthToken, error) {
	expire := h.expire
	if role == RoleGuest {
		expire = h.guestExpire
	}
	now := h.now()
	exp := now.Add(expire)

	claims := Claims{
		Role:     role,
		Metadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	mode := AuthModeEnabled
	if metadata["auth_mode"] == AuthModeDisabled {
		mode = AuthModeDisabled
	}
	return &AuthToken{AccessToken: signed, Role: role, AuthMode: mode, ExpiresAt: exp}, nil
}

// IssueGuestToken signs the token handed out when no accounts are configured.
func (h *Handler) IssueGuestToken() (*AuthToken, error) {
	return h.IssueToken(guestSubject, RoleGuest, map[string]string{"auth_mode": AuthModeDisabled})
}

// VerifyToken checks signature and expiry. It returns ErrExpiredToken for an
// expired token and ErrInvalidToken for anything else that fails.
func (h *Handler) VerifyToken(tokenString string) (*TokenInfo, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	}, jwt.WithTimeFunc(h.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	info := &TokenInfo{
		Subject:  claims.Subject,
		Role:     claims.Role,
		Metadata: claims.Metadata,
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Login checks username and password against the account table. With no
// accounts configured every call gets a guest token. Unknown users and wrong
// passwords both fail with ErrUnauthorized.
func (h *Handler) Login(username, password string) (*AuthToken, error) {
	if !h.AuthConfigured() {
		return h.IssueGuestToken()
	}

	stored, known := h.accounts[username]
	if !known {
		stored = h.decoy
	}
	if !checkPassword(stored, password) || !known {
		return nil, ErrUnauthorized
	}
	return h.IssueToken(username, RoleUser, map[string]string{"auth_mode": AuthModeEnabled})
}

const bcryptPrefix = "{bcrypt}"

func checkPassword(stored, supplied string) bool {
	if hash, ok := strings.CutPrefix(stored, bcryptPrefix); ok {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// HashPassword returns a credential suitable for AUTH_ACCOUNTS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return bcryptPrefix + string(hash), nil
}
