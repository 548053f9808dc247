package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite

	// Login attempts allowed per minute, per client IP and per email.
	LoginIPPerMinute    int
	LoginEmailPerMinute int

	SeedDemoUsers bool

	// GoogleClientID is the OAuth client id Google ID tokens must be issued
	// for. Empty disables Google sign-in.
	GoogleClientID string
}

// DefaultCookieName is the cookie carrying the session JWT.
const DefaultCookieName = "jwt"

// DefaultConfig returns the auth defaults used when no env is set.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:        10 << 20,
		CookieName:          DefaultCookieName,
		CookiePath:          "/",
		CookieSameSite:      http.SameSiteStrictMode,
		LoginIPPerMinute:    20,
		LoginEmailPerMinute: 5,
	}
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		TrustProxy:          envBool("PULSE_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:        envInt64("PULSE_MAX_BODY_BYTES", def.MaxBodyBytes),
		CookieName:          envString("PULSE_AUTH_COOKIE_NAME", def.CookieName),
		CookiePath:          envString("PULSE_AUTH_COOKIE_PATH", def.CookiePath),
		CookieDomain:        envString("PULSE_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:        envBool("PULSE_COOKIE_SECURE", false),
		CookieSameSite:      parseSameSite(envString("PULSE_AUTH_COOKIE_SAMESITE", "strict")),
		LoginIPPerMinute:    envInt("PULSE_AUTH_LOGIN_IP_PER_MIN", def.LoginIPPerMinute),
		LoginEmailPerMinute: envInt("PULSE_AUTH_LOGIN_EMAIL_PER_MIN", def.LoginEmailPerMinute),
		SeedDemoUsers:       envBool("PULSE_SEED_DEMO_USERS", false),
		GoogleClientID:      envString("PULSE_GOOGLE_CLIENT_ID", ""),
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	return cfg
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
