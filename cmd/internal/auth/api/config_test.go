package authapi

import (
	"net/http"
	"testing"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv()
	if cfg.CookieName != "jwt" {
		t.Fatalf("CookieName=%q want=jwt", cfg.CookieName)
	}
	if cfg.CookieSameSite != http.SameSiteStrictMode {
		t.Fatalf("CookieSameSite=%v want=Strict", cfg.CookieSameSite)
	}
	if cfg.MaxBodyBytes != 10<<20 {
		t.Fatalf("MaxBodyBytes=%d want=%d", cfg.MaxBodyBytes, 10<<20)
	}
}

func TestLoadConfigFromEnv_CookieGuardrails(t *testing.T) {
	t.Setenv("PULSE_AUTH_COOKIE_SAMESITE", "none")
	t.Setenv("PULSE_COOKIE_SECURE", "false")

	cfg := LoadConfigFromEnv()

	if cfg.CookieSameSite != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None, got %v", cfg.CookieSameSite)
	}
	if !cfg.CookieSecure {
		t.Fatalf("SameSite=None requires Secure=true")
	}
}

func TestLoadConfigFromEnv_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("PULSE_AUTH_LOGIN_IP_PER_MIN", "-3")
	t.Setenv("PULSE_MAX_BODY_BYTES", "lots")

	cfg := LoadConfigFromEnv()
	def := DefaultConfig()
	if cfg.LoginIPPerMinute != def.LoginIPPerMinute {
		t.Fatalf("LoginIPPerMinute=%d want=%d", cfg.LoginIPPerMinute, def.LoginIPPerMinute)
	}
	if cfg.MaxBodyBytes != def.MaxBodyBytes {
		t.Fatalf("MaxBodyBytes=%d want=%d", cfg.MaxBodyBytes, def.MaxBodyBytes)
	}
}

func TestParseSameSite(t *testing.T) {
	tests := []struct {
		in   string
		want http.SameSite
	}{
		{in: "strict", want: http.SameSiteStrictMode},
		{in: "lax", want: http.SameSiteLaxMode},
		{in: "none", want: http.SameSiteNoneMode},
		{in: "default", want: http.SameSiteDefaultMode},
		{in: "unknown", want: http.SameSiteLaxMode},
	}

	for _, tc := range tests {
		got := parseSameSite(tc.in)
		if got != tc.want {
			t.Fatalf("parseSameSite(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
}
