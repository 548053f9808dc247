package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// originPolicy decides which browser origins may open a session.
//
// An origin passes on an exact match with an allowlist entry or, failing
// that, on a host match ignoring scheme and port. patterns feeds
// websocket.Accept's own cross-origin check so the two layers agree.
type originPolicy struct {
	required bool
	allowed  []string
	patterns []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{required: required, allowed: allowed}
	for _, a := range allowed {
		if h := hostOf(a); h != "" && h != "*" && !slices.Contains(p.patterns, h) {
			p.patterns = append(p.patterns, h)
		}
	}
	slices.Sort(p.patterns)
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(p.allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := hostOf(origin)
	for _, a := range p.allowed {
		switch {
		case a == "*", a == origin:
			return nil
		case host != "" && host == hostOf(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// hostOf returns the lowercase host of a URL or host[:port] string.
func hostOf(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.ToLower(strings.TrimSpace(s))
}
