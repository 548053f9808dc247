// Package app wires the pulse server runtime: config, logging, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	authapi "pulse/cmd/internal/auth/api"
	"pulse/cmd/internal/cache"
	"pulse/cmd/internal/chat"
	"pulse/cmd/internal/media"
	"pulse/cmd/internal/ratelimit"
	"pulse/cmd/internal/realtime"
	"pulse/cmd/identity"
	"pulse/cmd/security/password"
	"pulse/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
)

// App is the pulse server runtime: it owns the HTTP server, the storage
// clients and the realtime service.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	mongo *mongo.Client
	cache cache.Cache

	registry *prometheus.Registry
	rt       *realtime.Service

	handler http.Handler
}

// New constructs a fully wired App from config and logger. Storage clients
// are opened here and released by Close.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log, registry: newRegistry()}
	defer func() {
		if err != nil {
			a.closeStorage(context.Background())
		}
	}()

	if cfg.DatabaseURL != "" {
		if a.pool, err = NewDBPool(ctx, cfg); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info("db.enabled", "driver", "postgres")
	}

	users, err := a.newUserStore(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := a.newMessageStore(ctx)
	if err != nil {
		return nil, err
	}
	if a.cache, err = a.newCache(ctx); err != nil {
		return nil, err
	}

	secret, err := jwtSecret(cfg, log)
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewManager(secret, token.WithTTL(cfg.JWTTTL))
	if err != nil {
		return nil, err
	}
	passwords, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	images, err := a.newImageStore()
	if err != nil {
		return nil, err
	}

	a.rt = realtime.NewService(log, realtime.SystemClock(), cfg.PresenceWindow, realtime.NewMetrics(a.registry))

	chatSvc, err := chat.NewService(log, msgs, a.rt.Router,
		chat.WithImageStore(images),
		chat.WithSendLimiter(ratelimit.NewPool(cfg.SendRatePerSec, cfg.SendBurst)),
		chat.WithCompleter(a.newCompleter(ctx)),
		chat.WithMetrics(chat.NewMetrics(a.registry)),
	)
	if err != nil {
		return nil, err
	}

	// The auth handler invalidates the contact list the chat handler serves,
	// and the chat handler is guarded by the auth middleware.
	var chatHandler *chat.Handler
	authCfg := authapi.LoadConfigFromEnv()
	authCfg.MaxBodyBytes = cfg.MaxBodyBytes
	authCfg.CookieSecure = authCfg.CookieSecure || cfg.CookieSecure
	authCfg.SeedDemoUsers = authCfg.SeedDemoUsers || cfg.SeedDemoUsers

	authOpts := []authapi.HandlerOption{
		authapi.WithPasswordConfig(passwords),
		authapi.WithImageStore(images),
		authapi.WithUserChangedHook(func(identity.User) {
			if chatHandler != nil {
				chatHandler.InvalidateContacts(context.Background())
			}
		}),
	}
	if authCfg.GoogleClientID != "" {
		gv, err := authapi.NewGoogleVerifier(ctx, authCfg.GoogleClientID)
		if err != nil {
			return nil, err
		}
		authOpts = append(authOpts, authapi.WithGoogleVerifier(gv))
		log.Info("auth.google.enabled")
	}

	authHandler, err := authapi.NewHandler(log, authCfg, users, tokens, authOpts...)
	if err != nil {
		return nil, err
	}

	contacts := cache.NewLoader[[]chat.Contact](log, a.cache, cfg.ContactsCacheTTL)
	replies := cache.NewLoader[[]string](log, a.cache, cfg.RepliesCacheTTL)
	chatHandler, err = chat.NewHandler(log, chatSvc, users, contacts, authHandler.RequireAuth, cfg.MaxBodyBytes, chat.WithReplyCache(replies))
	if err != nil {
		return nil, err
	}

	if authCfg.SeedDemoUsers {
		if err := authapi.SeedDemoUsers(ctx, log, users, passwords); err != nil {
			return nil, fmt.Errorf("seed demo users: %w", err)
		}
		chatHandler.InvalidateContacts(ctx)
	}

	ws := realtime.NewWSGateway(log, a.rt, authHandler)

	mux := http.NewServeMux()
	a.registerHTTP(mux, authHandler, chatHandler, ws)
	a.handler = a.middleware(mux)

	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) middleware(mux http.Handler) http.Handler {
	h := newHTTPMetrics(a.registry).WithMetrics(mux)
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log)
	return WithRequestID(h)
}

func (a *App) newUserStore(ctx context.Context) (identity.Store, error) {
	if a.pool == nil {
		a.log.Info("identity.store", "backend", StoreMemory)
		return identity.NewMemoryStore(), nil
	}
	st, err := identity.NewPostgresStore(a.pool)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("identity schema: %w", err)
	}
	a.log.Info("identity.store", "backend", StorePostgres)
	return st, nil
}

// messageBackend resolves PULSE_MESSAGE_STORE against what is configured.
func messageBackend(cfg Config) (string, error) {
	switch cfg.MessageStore {
	case "", StoreAuto:
		switch {
		case cfg.MongoURI != "":
			return StoreMongo, nil
		case cfg.DatabaseURL != "":
			return StorePostgres, nil
		default:
			return StoreMemory, nil
		}
	case StoreMemory:
		return StoreMemory, nil
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return "", errors.New("PULSE_MESSAGE_STORE=postgres requires PULSE_DATABASE_URL")
		}
		return StorePostgres, nil
	case StoreMongo:
		if cfg.MongoURI == "" {
			return "", errors.New("PULSE_MESSAGE_STORE=mongo requires PULSE_MONGO_URI")
		}
		return StoreMongo, nil
	default:
		return "", fmt.Errorf("unknown PULSE_MESSAGE_STORE %q", cfg.MessageStore)
	}
}

func (a *App) newMessageStore(ctx context.Context) (chat.Store, error) {
	backend, err := messageBackend(a.cfg)
	if err != nil {
		return nil, err
	}
	a.log.Info("chat.store", "backend", backend)

	switch backend {
	case StorePostgres:
		st, err := chat.NewPostgresStore(a.pool)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("chat schema: %w", err)
		}
		return st, nil
	case StoreMongo:
		if a.mongo, err = NewMongoClient(ctx, a.cfg); err != nil {
			return nil, err
		}
		st, err := chat.NewMongoStore(a.mongo.Database(a.cfg.MongoDatabase), "")
		if err != nil {
			return nil, err
		}
		if err := st.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("chat indexes: %w", err)
		}
		return st, nil
	default:
		return chat.NewMemoryStore(), nil
	}
}

func (a *App) newCache(ctx context.Context) (cache.Cache, error) {
	if a.cfg.RedisAddr == "" {
		a.log.Info("cache.backend", "backend", "memory")
		return cache.NewMemory(), nil
	}
	c, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("cache.backend", "backend", "redis", "addr", a.cfg.RedisAddr)
	return c, nil
}

func (a *App) newImageStore() (media.Store, error) {
	if a.cfg.CloudinaryURL == "" {
		a.log.Info("media.backend", "backend", "passthrough")
		return media.Passthrough{MaxBytes: int(a.cfg.MaxBodyBytes)}, nil
	}
	c, err := media.NewCloudinary(a.cfg.CloudinaryURL, media.DefaultFolder)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	a.log.Info("media.backend", "backend", "cloudinary")
	return c, nil
}

func (a *App) newCompleter(ctx context.Context) chat.Completer {
	if a.cfg.GeminiAPIKey == "" {
		a.log.Info("bot.backend", "backend", "canned")
		return chat.CannedCompleter{}
	}
	g, err := chat.NewGemini(ctx, chat.GeminiConfig{APIKey: a.cfg.GeminiAPIKey, Model: a.cfg.GeminiModel})
	if err != nil {
		a.log.Warn("bot.backend.fallback", "err", err)
		return chat.CannedCompleter{}
	}
	a.log.Info("bot.backend", "backend", "gemini", "model", a.cfg.GeminiModel)
	return g
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"env", a.cfg.Env,
		"api", base+"/api",
		"ws", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"mongo_enabled", a.mongo != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	// Websocket sessions are hijacked and invisible to Shutdown; end them first.
	a.rt.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.Close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// Close stops the realtime service and releases storage clients.
func (a *App) Close(ctx context.Context) {
	if a.rt != nil {
		a.rt.Close()
	}
	a.closeStorage(ctx)
}

func (a *App) closeStorage(ctx context.Context) {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Error("cache.close.fail", "err", err)
		}
		a.cache = nil
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			a.log.Error("mongo.close.fail", "err", err)
		}
		a.mongo = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
