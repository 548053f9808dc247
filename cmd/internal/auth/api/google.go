package authapi

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pulse/cmd/identity"
	"pulse/cmd/internal/httpapi"

	"google.golang.org/api/idtoken"
)

// ErrGoogleNotConfigured is returned when no Google client id is set.
var ErrGoogleNotConfigured = errors.New("google sign-in not configured")

// GoogleIdentity is the subset of a verified Google ID token the handler uses.
type GoogleIdentity struct {
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// GoogleVerifier checks a Google ID token issued for this app.
type GoogleVerifier interface {
	VerifyGoogle(ctx context.Context, credential string) (GoogleIdentity, error)
}

type idtokenVerifier struct {
	v        *idtoken.Validator
	audience string
}

// NewGoogleVerifier validates ID tokens against Google's signing keys with
// clientID as the expected audience.
func NewGoogleVerifier(ctx context.Context, clientID string) (GoogleVerifier, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrGoogleNotConfigured
	}
	v, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("google validator: %w", err)
	}
	return idtokenVerifier{v: v, audience: clientID}, nil
}

func (g idtokenVerifier) VerifyGoogle(ctx context.Context, credential string) (GoogleIdentity, error) {
	p, err := g.v.Validate(ctx, credential, g.audience)
	if err != nil {
		return GoogleIdentity{}, err
	}
	str := func(k string) string {
		s, _ := p.Claims[k].(string)
		return strings.TrimSpace(s)
	}
	verified, _ := p.Claims["email_verified"].(bool)
	return GoogleIdentity{
		Email:         str("email"),
		EmailVerified: verified,
		Name:          str("name"),
		Picture:       str("picture"),
	}, nil
}

// WithGoogleVerifier enables POST /api/auth/google.
func WithGoogleVerifier(v GoogleVerifier) HandlerOption {
	return func(h *Handler) { h.google = v }
}

type googleRequest struct {
	Credential string `json:"credential"`
}

// handleGoogle signs a user in with a Google ID token, creating the account
// on first use. Google accounts get an unusable random password.
func (h *Handler) handleGoogle(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		httpapi.WriteError(w, http.StatusNotImplemented, "not_configured", "google sign-in is not configured")
		return
	}
	var req googleRequest
	if err := httpapi.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "credential is required")
		return
	}

	ctx := r.Context()
	ip := httpapi.ClientIP(r, h.cfg.TrustProxy)
	ua := r.UserAgent()

	gid, err := h.google.VerifyGoogle(ctx, req.Credential)
	if err != nil {
		h.auditLoginFailed(ctx, "", ip, ua, "", "google_invalid_token")
		httpapi.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid google credential")
		return
	}
	if gid.Email == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "google account has no email")
		return
	}
	if !gid.EmailVerified {
		h.auditLoginFailed(ctx, "", ip, ua, gid.Email, "google_unverified_email")
		httpapi.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "google email is not verified")
		return
	}

	u, created, err := h.findOrCreateGoogleUser(ctx, gid)
	if err != nil {
		if identity.IsInvalidInput(err) {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", invalidInputMessage(err))
			return
		}
		h.log.Error("auth.google.fail", "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	raw, ok := h.issueCookie(w, u.ID)
	if !ok {
		return
	}
	if created {
		h.auditSignup(ctx, u.ID, ip, ua)
		h.userChanged(u)
	}
	h.auditLoginSuccess(ctx, u.ID, ip, ua)
	httpapi.WriteJSON(w, http.StatusOK, userResponse{User: u, Token: raw})
}

func (h *Handler) findOrCreateGoogleUser(ctx context.Context, gid GoogleIdentity) (identity.User, bool, error) {
	email := identity.NormalizeEmail(gid.Email)
	creds, err := h.users.GetCredentialsByEmail(ctx, email)
	if err == nil {
		return creds.User, false, nil
	}
	if !identity.IsNotFound(err) {
		return identity.User{}, false, err
	}

	hash, err := h.passwords.Hash(rand.Text() + rand.Text())
	if err != nil {
		return identity.User{}, false, err
	}
	name := gid.Name
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	u, err := h.users.CreateUser(ctx, identity.CreateUserInput{
		FullName:     name,
		Email:        email,
		PasswordHash: hash,
		Now:          h.now(),
	})
	if identity.IsConflict(err) {
		// A concurrent sign-in created it first.
		creds, err := h.users.GetCredentialsByEmail(ctx, email)
		return creds.User, false, err
	}
	if err != nil {
		return identity.User{}, false, err
	}

	if gid.Picture != "" {
		if withPic, err := h.users.UpdateProfilePic(ctx, u.ID, gid.Picture); err == nil {
			u = withPic
		} else {
			h.log.Warn("auth.google.picture.fail", "user_id", u.ID, "err", err)
		}
	}
	return u, true, nil
}
