package auth

import (
	"testing"
	"time"
)

func TestExtractToken(t *testing.T) {
	token, err := ExtractToken("Bearer abc123")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if token != "abc123" {
		t.Errorf("expected abc123, got %s", token)
	}

	if _, err := ExtractToken("bearer abc123"); err != nil {
		t.Errorf("scheme should be case-insensitive: %v", err)
	}

	for _, header := range []string{"", "abc123", "Basic abc123", "Bearer "} {
		if _, err := ExtractToken(header); err == nil {
			t.Errorf("expected error for header %q", header)
		}
	}
}

func TestLocalJWTAuth_RoundTrip(t *testing.T) {
	jwtAuth, err := NewLocalJWTAuth("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("failed to create auth: %v", err)
	}

	token, err := jwtAuth.GenerateAccessToken("user-1", "doc@clinic.test", "clinician")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	user, err := jwtAuth.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("failed to verify token: %v", err)
	}
	if user.ID != "user-1" || user.Email != "doc@clinic.test" || user.Role != "clinician" {
		t.Errorf("unexpected user %+v", user)
	}
}

func TestLocalJWTAuth_RejectsWrongSecret(t *testing.T) {
	signer, _ := NewLocalJWTAuth("secret-a", time.Minute)
	verifier, _ := NewLocalJWTAuth("secret-b", time.Minute)

	token, err := signer.GenerateAccessToken("user-1", "doc@clinic.test", "clinician")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := verifier.VerifyAccessToken(token); err == nil {
		t.Error("expected verification to fail with a different secret")
	}
}

func TestLocalJWTAuth_RejectsExpiredToken(t *testing.T) {
	jwtAuth, _ := NewLocalJWTAuth("test-secret", -time.Minute)

	token, err := jwtAuth.GenerateAccessToken("user-1", "doc@clinic.test", "clinician")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	if _, err := jwtAuth.VerifyAccessToken(token); err == nil {
		t.Error("expected verification to fail for an expired token")
	}
}

func TestNewLocalJWTAuth_RequiresSecret(t *testing.T) {
	if _, err := NewLocalJWTAuth("", time.Minute); err == nil {
		t.Error("expected error for empty secret")
	}
}
