package auth

import (
	"testing"
	"time"

	"github.com/portalchat/internal/model"
)

const testSecret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	id := model.Identity{Role: model.RoleClient, UserID: "u1", DisplayName: "Bob"}

	signed, err := NewAccessToken(id, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	got, err := ParseToken(signed, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if got != id {
		t.Fatalf("identity mismatch: got %+v, want %+v", got, id)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	id := model.Identity{Role: model.RoleOwner, UserID: "u1"}
	signed, _ := NewAccessToken(id, testSecret, time.Hour)

	if _, err := ParseToken(signed, "other-secret"); err == nil {
		t.Fatalf("expected signature verification to fail")
	}
}

func TestParseTokenExpired(t *testing.T) {
	id := model.Identity{Role: model.RoleOwner, UserID: "u1"}
	signed, _ := NewAccessToken(id, testSecret, -time.Minute)

	if _, err := ParseToken(signed, testSecret); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := ParseToken("not.a.token", testSecret); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestParseTokenMissingRole(t *testing.T) {
	signed, err := NewAccessToken(model.Identity{UserID: "u1"}, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewAccessToken: %v", err)
	}
	if _, err := ParseToken(signed, testSecret); err == nil {
		t.Fatalf("token without a role claim must be rejected")
	}
}
