package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueVerify_RoundTrip(t *testing.T) {
	m, err := NewManager(testSecret)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	raw, exp, err := m.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry %v is not in the future", exp)
	}

	claims, err := m.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID() != "user-1" {
		t.Fatalf("subject=%q want user-1", claims.UserID())
	}
}

func TestVerify_Rejections(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m, _ := NewManager(testSecret, WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	good, _, err := m.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other, _ := NewManager([]byte("another-secret-another-secret-xx"), WithClock(func() time.Time { return base }))
	foreign, _, _ := other.Issue("user-1")

	otherIss, _ := NewManager(testSecret, WithIssuer("someone-else"), WithClock(func() time.Time { return base }))
	wrongIssuer, _, _ := otherIss.Issue("user-1")

	tests := []struct {
		name    string
		raw     string
		advance time.Duration
		want    error
	}{
		{name: "empty", raw: "", want: ErrInvalidToken},
		{name: "garbage", raw: "not.a.jwt", want: ErrInvalidToken},
		{name: "tampered", raw: tamper(good), want: ErrInvalidToken},
		{name: "foreign secret", raw: foreign, want: ErrInvalidToken},
		{name: "wrong issuer", raw: wrongIssuer, want: ErrInvalidToken},
		{name: "expired", raw: good, advance: 2 * time.Hour, want: ErrExpiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = base.Add(tt.advance)
			_, err := m.Verify(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify err=%v want %v", err, tt.want)
			}
		})
	}
}

func TestNewManager_EmptySecret(t *testing.T) {
	if _, err := NewManager(nil); !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("err=%v want ErrSecretMissing", err)
	}
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv(SecretEnvKey, "  ")
	if _, err := SecretFromEnv(MinSecretBytes); !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("err=%v want ErrSecretMissing", err)
	}

	t.Setenv(SecretEnvKey, "short")
	if _, err := SecretFromEnv(MinSecretBytes); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("err=%v want ErrSecretTooShort", err)
	}

	t.Setenv(SecretEnvKey, strings.Repeat("k", MinSecretBytes))
	b, err := SecretFromEnv(MinSecretBytes)
	if err != nil || len(b) != MinSecretBytes {
		t.Fatalf("SecretFromEnv()=%d bytes err=%v", len(b), err)
	}
}

// tamper swaps the payload segment for a different one, keeping the signature.
func tamper(raw string) string {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return raw + "x"
	}
	return parts[0] + ".eyJzdWIiOiJhZG1pbiJ9." + parts[2]
}
