package authapi

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Audit events are structured log lines under the "auth." namespace.

func (h *Handler) auditSignup(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, slog.LevelInfo, "auth.signup", ip, ua, "user_id", userID)
}

func (h *Handler) auditLoginFailed(ctx context.Context, userID string, ip net.IP, ua, email, reason string) {
	h.audit(ctx, slog.LevelWarn, "auth.login.failed", ip, ua,
		"user_id", userID,
		"email", email,
		"reason", reason,
	)
}

func (h *Handler) auditLoginSuccess(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, slog.LevelInfo, "auth.login.success", ip, ua, "user_id", userID)
}

func (h *Handler) auditLoginRateLimited(ctx context.Context, ip net.IP, ua, email string, retryAfter time.Duration) {
	h.audit(ctx, slog.LevelWarn, "auth.login.rate_limited", ip, ua,
		"email", email,
		"retry_after_s", int64(retryAfter.Seconds()),
	)
}

func (h *Handler) auditLogout(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, slog.LevelInfo, "auth.logout", ip, ua, "user_id", userID)
}

func (h *Handler) auditProfileUpdated(ctx context.Context, userID string, ip net.IP, ua string) {
	h.audit(ctx, slog.LevelInfo, "auth.profile.updated", ip, ua, "user_id", userID)
}

func (h *Handler) audit(ctx context.Context, level slog.Level, action string, ip net.IP, ua string, args ...any) {
	if h == nil || h.log == nil {
		return
	}
	var ipVal string
	if ip != nil {
		ipVal = ip.String()
	}
	args = append(args, "ip", ipVal, "user_agent", strings.TrimSpace(ua))
	h.log.Log(ctx, level, action, args...)
}
