package authapi

import (
	"net"
	"strings"
	"time"

	"pulse/cmd/internal/ratelimit"
)

type loginThrottle struct {
	byIP    *ratelimit.Pool
	byEmail *ratelimit.Pool
}

func newLoginThrottle(cfg Config) loginThrottle {
	return loginThrottle{
		byIP:    ratelimit.NewPool(float64(cfg.LoginIPPerMinute)/60, cfg.LoginIPPerMinute),
		byEmail: ratelimit.NewPool(float64(cfg.LoginEmailPerMinute)/60, cfg.LoginEmailPerMinute),
	}
}

// check consumes one attempt for ip and email. It returns the wait time
// when either bucket is empty.
func (t loginThrottle) check(ip net.IP, email string, now time.Time) (bool, time.Duration) {
	if ip != nil {
		key := ip.String()
		if !t.byIP.AllowAt(key, now) {
			return true, t.byIP.RetryAfter(key, now)
		}
	}
	if email = strings.TrimSpace(email); email != "" {
		if !t.byEmail.AllowAt(email, now) {
			return true, t.byEmail.RetryAfter(email, now)
		}
	}
	return false, 0
}
