package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pulse/cmd/identity"
	"pulse/cmd/internal/httpapi"
	"pulse/cmd/internal/media"
	"pulse/cmd/security/password"
	"pulse/cmd/security/token"
)

// ErrUnauthenticated is returned when a request carries no valid session.
var ErrUnauthenticated = errors.New("unauthenticated")

// Handler wires HTTP auth endpoints to the identity store and token manager.
type Handler struct {
	log *slog.Logger
	cfg Config

	users     identity.Store
	tokens    *token.Manager
	passwords password.Config
	images    media.Store
	throttle  loginThrottle
	google    GoogleVerifier
	now       func() time.Time

	onUserChanged func(identity.User)

	dummyHash string
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithPasswordConfig overrides the password policy and hashing cost.
func WithPasswordConfig(cfg password.Config) HandlerOption {
	return func(h *Handler) { h.passwords = cfg }
}

// WithImageStore sets where profile pictures are uploaded.
func WithImageStore(s media.Store) HandlerOption {
	return func(h *Handler) {
		if s != nil {
			h.images = s
		}
	}
}

// WithUserChangedHook registers fn to run after a signup or profile update.
func WithUserChangedHook(fn func(identity.User)) HandlerOption {
	return func(h *Handler) { h.onUserChanged = fn }
}

// WithClock overrides the handler time source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, tokens *token.Manager, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if users == nil {
		return nil, errors.New("auth: nil identity store")
	}
	if tokens == nil {
		return nil, errors.New("auth: nil token manager")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}

	h := &Handler{
		log:       log,
		cfg:       cfg,
		users:     users,
		tokens:    tokens,
		passwords: password.DefaultConfig(),
		images:    media.Passthrough{},
		throttle:  newLoginThrottle(cfg),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}

	// Dummy hash for timing-resistant login checks.
	if hash, err := h.passwords.Hash("dummy-password-for-timing-only"); err == nil {
		h.dummyHash = hash
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/auth/signup", h.handleSignup)
	mux.HandleFunc("POST /api/auth/login", h.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", h.handleLogout)
	mux.HandleFunc("POST /api/auth/google", h.handleGoogle)
	mux.Handle("GET /api/auth/check", h.RequireAuth(http.HandlerFunc(h.handleCheck)))
	mux.Handle("PUT /api/auth/update-profile", h.RequireAuth(http.HandlerFunc(h.handleUpdateProfile)))
}

// ---- handlers ----

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := httpapi.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.FullName) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "all fields are required")
		return
	}
	if err := h.passwords.Validate(req.Password); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_password", passwordMessage(err, h.passwords))
		return
	}

	ctx := r.Context()
	hash, err := h.passwords.Hash(req.Password)
	if err != nil {
		h.log.Error("auth.signup.hash.fail", "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	u, err := h.users.CreateUser(ctx, identity.CreateUserInput{
		FullName:     req.FullName,
		Email:        req.Email,
		PasswordHash: hash,
		Now:          h.now(),
	})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			httpapi.WriteError(w, http.StatusConflict, "conflict", "email already exists")
		case identity.IsInvalidInput(err):
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))
		default:
			h.log.Error("auth.signup.fail", "err", err)
			httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	raw, ok := h.issueCookie(w, u.ID)
	if !ok {
		return
	}
	h.auditSignup(ctx, u.ID, httpapi.ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	h.userChanged(u)
	httpapi.WriteJSON(w, http.StatusCreated, userResponse{User: u, Token: raw})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpapi.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	ip := httpapi.ClientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	if blocked, retryAfter := h.throttle.check(ip, email, h.now()); blocked {
		h.auditLoginRateLimited(ctx, ip, ua, email, retryAfter)
		httpapi.WriteRateLimited(w, retryAfter, "too many attempts")
		return
	}

	creds, err := h.users.GetCredentialsByEmail(ctx, email)
	if err != nil {
		if !identity.IsNotFound(err) {
			h.log.Error("auth.login.lookup.fail", "err", err)
			httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		// Timing resistance: perform a dummy verify when user is missing.
		if h.dummyHash != "" {
			_, _ = h.passwords.Verify(h.dummyHash, req.Password)
		}
		h.auditLoginFailed(ctx, "", ip, ua, email, "not_found")
		httpapi.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	okPw, err := h.passwords.Verify(creds.PasswordHash, req.Password)
	if err != nil || !okPw {
		h.auditLoginFailed(ctx, creds.User.ID, ip, ua, email, "bad_password")
		httpapi.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	h.maybeRehash(ctx, creds, req.Password)

	raw, ok := h.issueCookie(w, creds.User.ID)
	if !ok {
		return
	}
	h.auditLoginSuccess(ctx, creds.User.ID, ip, ua)
	httpapi.WriteJSON(w, http.StatusOK, userResponse{User: creds.User, Token: raw})
}

// maybeRehash upgrades a verified hash made under weaker params. Failures
// are logged and do not fail the login.
func (h *Handler) maybeRehash(ctx context.Context, creds identity.Credentials, pw string) {
	if !h.passwords.NeedsRehash(creds.PasswordHash) {
		return
	}
	hash, err := h.passwords.Hash(pw)
	if err != nil {
		h.log.Warn("auth.rehash.fail", "user_id", creds.User.ID, "err", err)
		return
	}
	if err := h.users.UpdatePasswordHash(ctx, creds.User.ID, hash, h.now()); err != nil {
		h.log.Warn("auth.rehash.fail", "user_id", creds.User.ID, "err", err)
		return
	}
	h.log.Info("auth.rehash.ok", "user_id", creds.User.ID)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if userID, err := h.Authenticate(r); err == nil {
		h.auditLogout(r.Context(), userID, httpapi.ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	}
	h.clearSessionCookie(w)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())
	u, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.writeUserLookupError(w, "auth.check.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := httpapi.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		if httpapi.IsBodyTooLarge(err) {
			httpapi.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "profile picture too large")
			return
		}
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.ProfilePic) == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "profile_pic is required")
		return
	}

	ctx := r.Context()
	userID, _ := UserIDFrom(ctx)
	url, err := h.images.Upload(ctx, req.ProfilePic)
	if err != nil {
		if errors.Is(err, media.ErrInvalidImage) {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_image", "profile_pic must be a data or http(s) url")
			return
		}
		h.log.Error("auth.profile.upload.fail", "err", err, "user_id", userID)
		httpapi.WriteError(w, http.StatusBadGateway, "upload_failed", "image upload failed")
		return
	}

	u, err := h.users.UpdateProfilePic(ctx, userID, url)
	if err != nil {
		h.writeUserLookupError(w, "auth.profile.update.fail", err)
		return
	}
	h.auditProfileUpdated(ctx, userID, httpapi.ClientIP(r, h.cfg.TrustProxy), r.UserAgent())
	h.userChanged(u)
	httpapi.WriteJSON(w, http.StatusOK, u)
}

// ---- authentication ----

// Authenticate resolves the caller from the session cookie or a bearer token.
func (h *Handler) Authenticate(r *http.Request) (string, error) {
	raw := h.tokenFromCookie(r)
	if raw == "" {
		raw = httpapi.BearerToken(r)
	}
	return h.verify(r.Context(), raw)
}

// AuthenticateRequest authenticates a WebSocket upgrade. Browsers cannot
// set headers on the upgrade, so a ?token= query parameter is also accepted.
func (h *Handler) AuthenticateRequest(r *http.Request) (string, error) {
	if id, err := h.Authenticate(r); err == nil {
		return id, nil
	}
	return h.verify(r.Context(), strings.TrimSpace(r.URL.Query().Get("token")))
}

// RequireAuth rejects requests without a valid session and stores the user id
// in the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.Authenticate(r)
		if err != nil {
			httpapi.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func (h *Handler) verify(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", ErrUnauthenticated
	}
	claims, err := h.tokens.Verify(raw)
	if err != nil {
		return "", ErrUnauthenticated
	}
	// Tokens outlive accounts in the memory store across restarts.
	if _, err := h.users.GetByID(ctx, claims.UserID()); err != nil {
		return "", ErrUnauthenticated
	}
	return claims.UserID(), nil
}

// ---- helpers ----

func (h *Handler) issueCookie(w http.ResponseWriter, userID string) (string, bool) {
	raw, exp, err := h.tokens.Issue(userID)
	if err != nil {
		h.log.Error("auth.token.issue.fail", "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return "", false
	}
	h.setSessionCookie(w, raw, exp)
	return raw, true
}

func (h *Handler) userChanged(u identity.User) {
	if h.onUserChanged != nil {
		h.onUserChanged(u)
	}
}

func (h *Handler) writeUserLookupError(w http.ResponseWriter, event string, err error) {
	if identity.IsNotFound(err) {
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "user not found")
		return
	}
	h.log.Error(event, "err", err)
	httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func passwordMessage(err error, cfg password.Config) string {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return "password must be at least " + strconv.Itoa(cfg.Policy.MinLength) + " characters"
	case errors.Is(err, password.ErrPasswordTooLong):
		return "password is too long"
	case errors.Is(err, password.ErrWeakPassword):
		return "password is too weak"
	default:
		return "invalid password"
	}
}

func invalidInputMessage(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return "invalid input"
}
