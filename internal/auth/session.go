package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 12 * time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")

	// ErrInvalidSessionToken indicates the token failed signature or claim checks.
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
)

// SessionClaims carries the identity facts the engine consumes from the
// identity service: a stable subject and an optional display name.
type SessionClaims struct {
	UserID      string
	DisplayName string
}

type sessionTokenClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// SessionManagerConfig configures the HS256 session token boundary.
type SessionManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionManager issues and validates session tokens. Issuing exists for the
// development login route and tests; in production tokens arrive already
// signed by the identity service with the shared secret.
type SessionManager struct {
	config SessionManagerConfig
	clock  func() time.Time
}

// NewSessionManager constructs a SessionManager with sane defaults.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &SessionManager{config: cfg, clock: clock}
}

// IssueSessionToken produces a signed JWT and its expiry (seconds) for the subject.
func (m *SessionManager) IssueSessionToken(_ context.Context, claims SessionClaims) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if claims.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TokenTTL).UTC()

	payload := sessionTokenClaims{
		DisplayName: claims.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    m.config.Issuer,
			Audience:  []string{m.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the session JWT is well formed and returns its claims.
func (m *SessionManager) ValidateToken(tokenString string) (SessionClaims, error) {
	if len(m.config.SigningSecret) == 0 {
		return SessionClaims{}, errMissingSigningSecret
	}

	claims := &sessionTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return m.config.SigningSecret, nil
		},
		jwt.WithAudience(m.config.Audience),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.Subject == "" {
		return SessionClaims{}, errMissingSubjectClaim
	}
	return SessionClaims{UserID: claims.Subject, DisplayName: claims.DisplayName}, nil
}
