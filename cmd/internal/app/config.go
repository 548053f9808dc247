package app

import (
	"strings"
	"time"
)

// Message store backends selectable with PULSE_MESSAGE_STORE.
const (
	StoreAuto     = "auto"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	Env       string
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURI      string
	MongoDatabase string

	// MessageStore is auto|memory|postgres|mongo. auto prefers Mongo, then
	// Postgres, then memory.
	MessageStore string

	// If true:
	// - /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ContactsCacheTTL time.Duration
	RepliesCacheTTL  time.Duration

	JWTSecret    string
	JWTTTL       time.Duration
	CookieSecure bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	PresenceWindow time.Duration

	CloudinaryURL string
	GeminiAPIKey  string
	GeminiModel   string

	SeedDemoUsers  bool
	SendRatePerSec float64
	SendBurst      int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		Env:       strings.ToLower(EnvString("PULSE_ENV", "development")),
		HTTPAddr:  EnvString("PULSE_HTTP_ADDR", "0.0.0.0:5001"),
		LogLevel:  EnvString("PULSE_LOG_LEVEL", "info"),
		LogFormat: EnvString("PULSE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PULSE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PULSE_HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      EnvDuration("PULSE_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("PULSE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("PULSE_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("PULSE_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      EnvInt64("PULSE_MAX_BODY_BYTES", 10<<20),

		DatabaseURL: EnvString("PULSE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PULSE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PULSE_DB_MIN_CONNS", 0),

		MongoURI:      EnvString("PULSE_MONGO_URI", ""),
		MongoDatabase: EnvString("PULSE_MONGO_DATABASE", "pulse"),
		MessageStore:  strings.ToLower(EnvString("PULSE_MESSAGE_STORE", StoreAuto)),

		ReadinessRequireDB: EnvBool("PULSE_READINESS_REQUIRE_DB", false),

		RedisAddr:        EnvString("PULSE_REDIS_ADDR", ""),
		RedisPassword:    EnvString("PULSE_REDIS_PASSWORD", ""),
		RedisDB:          EnvInt("PULSE_REDIS_DB", 0),
		ContactsCacheTTL: EnvDuration("PULSE_CONTACTS_CACHE_TTL", 5*time.Minute),
		RepliesCacheTTL:  EnvDuration("PULSE_REPLIES_CACHE_TTL", 5*time.Minute),

		JWTSecret:    EnvString("PULSE_JWT_SECRET", ""),
		JWTTTL:       EnvDuration("PULSE_JWT_TTL", 7*24*time.Hour),
		CookieSecure: EnvBool("PULSE_COOKIE_SECURE", false),

		CORSAllowedOrigins:   EnvList("PULSE_CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:5177"}),
		CORSAllowCredentials: EnvBool("PULSE_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("PULSE_CORS_MAX_AGE_SECONDS", 600),

		PresenceWindow: EnvDuration("PULSE_PRESENCE_WINDOW", 100*time.Millisecond),

		CloudinaryURL: EnvString("CLOUDINARY_URL", ""),
		GeminiAPIKey:  EnvString("GEMINI_API_KEY", ""),
		GeminiModel:   EnvString("PULSE_GEMINI_MODEL", "gemini-1.5-flash"),

		SeedDemoUsers:  EnvBool("PULSE_SEED_DEMO_USERS", false),
		SendRatePerSec: EnvFloat("PULSE_SEND_RATE_PER_SEC", 5),
		SendBurst:      EnvInt("PULSE_SEND_BURST", 10),
	}
}

// Production reports whether PULSE_ENV selects production policy.
func (c Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}
