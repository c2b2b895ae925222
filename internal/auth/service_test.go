package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidate(t *testing.T) {
	s := NewService("test-secret")

	tok, err := s.IssueToken(42, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	actor, err := s.ValidateToken(context.Background(), tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if actor.UserID != 42 || actor.Admin {
		t.Errorf("actor: got %+v, want user 42 non-admin", actor)
	}

	tok, _ = s.IssueToken(1, RoleAdmin, time.Hour)
	actor, err = s.ValidateToken(context.Background(), tok)
	if err != nil || !actor.Admin {
		t.Errorf("admin token: actor %+v err %v", actor, err)
	}
}

func TestValidateToken_Rejections(t *testing.T) {
	s := NewService("test-secret")
	other := NewService("other-secret")

	foreign, _ := other.IssueToken(42, "", time.Hour)

	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _ := s.IssueToken(42, "", time.Hour)
	s.now = time.Now

	badSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "not-a-number",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))

	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject: "42",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"garbage":       "not.a.token",
		"wrong secret":  foreign,
		"expired":       expired,
		"bad subject":   badSubject,
		"unsigned none": noneAlg,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := s.ValidateToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
