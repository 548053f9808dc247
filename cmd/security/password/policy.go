package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonPasswords are rejected outright when RejectVeryWeak is on.
var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {},
	"qwerty": {}, "qwerty123": {}, "letmein": {}, "welcome": {},
	"iloveyou": {}, "abc123": {}, "chatapp": {}, "pulse123": {},
}

// Validate checks password against the policy. Length counts runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	case c.Policy.RejectVeryWeak && veryWeak(password):
		return ErrWeakPassword
	}
	return nil
}

// veryWeak catches blank, single-character, short numeric and
// well-known passwords. It is not a strength estimator.
func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return true
	}

	distinct := make(map[rune]struct{}, 8)
	digits := true
	for _, r := range s {
		distinct[r] = struct{}{}
		if !unicode.IsDigit(r) {
			digits = false
		}
	}
	if len(distinct) == 1 {
		return true
	}
	return digits && utf8.RuneCountInString(s) < 12
}
