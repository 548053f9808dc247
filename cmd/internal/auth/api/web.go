package authapi

import (
	"net/http"
	"strings"
	"time"
)

// sessionCookie builds the HttpOnly "jwt" cookie. A zero exp yields an
// expired cookie that clears the session.
func (h *Handler) sessionCookie(value string, exp time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     h.cfg.CookiePath,
		Domain:   h.cfg.CookieDomain,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	}
	if exp.IsZero() {
		c.Value = ""
		c.Expires = time.Unix(0, 0).UTC()
		c.MaxAge = -1
		return c
	}
	c.Expires = exp
	c.MaxAge = max(int(exp.Sub(h.now()).Seconds()), 1)
	return c
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, value string, exp time.Time) {
	http.SetCookie(w, h.sessionCookie(value, exp))
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, h.sessionCookie("", time.Time{}))
}

func (h *Handler) tokenFromCookie(r *http.Request) string {
	c, err := r.Cookie(h.cfg.CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
