package session

import (
	"errors"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	ResetSecretCache()
	t.Setenv("HEARTH_SESSION_SECRET", value)
	t.Cleanup(ResetSecretCache)
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := Issue("device-token-1234", "zone-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "device-token-1234" {
		t.Errorf("subject = %q, want device token", claims.Subject)
	}
	if claims.ZoneID != "zone-1" {
		t.Errorf("zone = %q, want zone-1", claims.ZoneID)
	}
	if claims.ID == "" {
		t.Error("token id missing")
	}
}

func TestIssueRequiresInputs(t *testing.T) {
	withSecret(t, "unit-test-secret")

	if _, err := Issue("", "zone-1", time.Hour); err == nil {
		t.Error("empty device token accepted")
	}
	if _, err := Issue("device-token", "zone-1", 0); err == nil {
		t.Error("zero ttl accepted")
	}
}

func TestIssueWithoutSecretFails(t *testing.T) {
	withSecret(t, "")

	if _, err := Issue("device-token", "zone-1", time.Hour); !errors.Is(err, errMissingSecret) {
		t.Fatalf("expected missing-secret error, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := Issue("device-token", "zone-1", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	withSecret(t, "unit-test-secret")

	token, err := Issue("device-token", "zone-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := ParseAndValidate(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}

	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	withSecret(t, "first-secret")
	token, err := Issue("device-token", "zone-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	withSecret(t, "second-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken under a different secret, got %v", err)
	}
}
