// Package auth issues and validates the short-lived session tokens clients
// hold between redeeming their access key and making repository requests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 24 * time.Hour

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingAccountKey    = errors.New("auth: account key required")
	ErrMissingServiceKey    = errors.New("auth: service key required")
	ErrInvalidSessionToken  = errors.New("auth: invalid session token")
	ErrExpiredSessionToken  = errors.New("auth: session token expired")
)

// SessionClaims is the JWT payload of a session token. The subject is the
// account key; the audience is the service the session was opened against.
type SessionClaims struct {
	ServiceKey string `json:"service_key"`
	jwt.RegisteredClaims
}

// SessionManagerConfig configures the HS256 session token manager.
type SessionManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionManager mints and validates session tokens.
type SessionManager struct {
	signingSecret []byte
	issuer        string
	sessionTTL    time.Duration
	clock         func() time.Time
}

// NewSessionManager constructs a SessionManager with sane defaults.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "tagrepo"
	}
	return &SessionManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		sessionTTL:    ttl,
		clock:         clock,
	}, nil
}

// IssueSession produces a signed session token and its expiry in seconds for
// an already-authenticated account key.
func (m *SessionManager) IssueSession(accountKey, serviceKey string) (string, int64, error) {
	if strings.TrimSpace(accountKey) == "" {
		return "", 0, ErrMissingAccountKey
	}
	if strings.TrimSpace(serviceKey) == "" {
		return "", 0, ErrMissingServiceKey
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.sessionTTL)

	claims := SessionClaims{
		ServiceKey: serviceKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountKey,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateSession checks a session token and returns the account and service
// keys it binds.
func (m *SessionManager) ValidateSession(tokenString string) (string, string, error) {
	trimmed := strings.TrimSpace(tokenString)
	if trimmed == "" {
		return "", "", ErrInvalidSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		trimmed,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredSessionToken
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", "", ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ServiceKey) == "" {
		return "", "", ErrInvalidSessionToken
	}
	return claims.Subject, claims.ServiceKey, nil
}
