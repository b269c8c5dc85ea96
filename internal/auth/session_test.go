package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestManager(clock func() time.Time) *SessionManager {
	return NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "ritual-identity",
		Audience:      "ritual-api",
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
}

func TestSessionRoundTripPreservesClaims(t *testing.T) {
	manager := newTestManager(nil)

	token, expiresIn, err := manager.IssueSessionToken(context.Background(), SessionClaims{
		UserID:      "partner-one",
		DisplayName: "Alex",
	})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != 60 {
		t.Fatalf("expected 60 second expiry, got %d", expiresIn)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.UserID != "partner-one" {
		t.Fatalf("unexpected subject %s", claims.UserID)
	}
	if claims.DisplayName != "Alex" {
		t.Fatalf("unexpected display name %s", claims.DisplayName)
	}
}

func TestSessionRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	issuer := newTestManager(func() time.Time { return issuedAt })

	token, _, err := issuer.IssueSessionToken(context.Background(), SessionClaims{UserID: "partner-one"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	validator := newTestManager(func() time.Time { return issuedAt.Add(2 * time.Minute) })
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionRejectsForeignSecret(t *testing.T) {
	issuer := NewSessionManager(SessionManagerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "ritual-identity",
		Audience:      "ritual-api",
	})
	token, _, err := issuer.IssueSessionToken(context.Background(), SessionClaims{UserID: "partner-one"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	validator := newTestManager(nil)
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionRequiresSubject(t *testing.T) {
	manager := newTestManager(nil)
	if _, _, err := manager.IssueSessionToken(context.Background(), SessionClaims{}); err == nil {
		t.Fatal("expected error for missing subject")
	}
}
