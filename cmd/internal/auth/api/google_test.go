package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"pulse/cmd/identity"
)

type fakeGoogle map[string]GoogleIdentity

func (f fakeGoogle) VerifyGoogle(_ context.Context, credential string) (GoogleIdentity, error) {
	id, ok := f[credential]
	if !ok {
		return GoogleIdentity{}, errors.New("token signature invalid")
	}
	return id, nil
}

var googleAccounts = fakeGoogle{
	"tok-carol":      {Email: "Carol@Example.com", EmailVerified: true, Name: "Carol", Picture: "https://lh3.example/carol.png"},
	"tok-alice":      {Email: "alice@example.com", EmailVerified: true, Name: "Alice G"},
	"tok-unverified": {Email: "mallory@example.com", Name: "Mallory"},
	"tok-noname":     {Email: "dave@example.com", EmailVerified: true},
}

func TestGoogle_Responses(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "empty credential", body: `{"credential":""}`, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{name: "bad token", body: `{"credential":"forged"}`, wantCode: http.StatusUnauthorized, wantErr: "invalid_credentials"},
		{name: "unverified email", body: `{"credential":"tok-unverified"}`, wantCode: http.StatusUnauthorized, wantErr: "invalid_credentials"},
		{name: "new account", body: `{"credential":"tok-carol"}`, wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, DefaultConfig(), WithGoogleVerifier(googleAccounts))
			rec := env.do(t, http.MethodPost, "/api/auth/google", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status=%d want=%d body=%s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := errorCode(t, rec); got != tt.wantErr {
					t.Fatalf("code=%q want=%q", got, tt.wantErr)
				}
			}
		})
	}
}

func TestGoogle_CreatesThenReusesAccount(t *testing.T) {
	var changed int
	env := newTestEnv(t, DefaultConfig(),
		WithGoogleVerifier(googleAccounts),
		WithUserChangedHook(func(identity.User) { changed++ }),
	)

	first := env.do(t, http.MethodPost, "/api/auth/google", `{"credential":"tok-carol"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", first.Code, first.Body.String())
	}
	var u userResponse
	if err := json.Unmarshal(first.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Email != "carol@example.com" || u.FullName != "Carol" || u.ProfilePic != "https://lh3.example/carol.png" {
		t.Fatalf("user=%+v", u.User)
	}
	cookie := sessionCookie(t, first)

	check := env.do(t, http.MethodGet, "/api/auth/check", "", cookie)
	if check.Code != http.StatusOK {
		t.Fatalf("check status=%d", check.Code)
	}

	again := env.do(t, http.MethodPost, "/api/auth/google", `{"credential":"tok-carol"}`)
	var u2 userResponse
	if err := json.Unmarshal(again.Body.Bytes(), &u2); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u2.ID != u.ID {
		t.Fatalf("second sign-in id=%s want=%s", u2.ID, u.ID)
	}
	if changed != 1 {
		t.Fatalf("user changed hook ran %d times want=1", changed)
	}
}

func TestGoogle_LinksExistingPasswordAccount(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), WithGoogleVerifier(googleAccounts))
	signup := env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup)
	var created userResponse
	if err := json.Unmarshal(signup.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/google", `{"credential":"tok-alice"}`)
	var u userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ID != created.ID || u.FullName != "Alice" {
		t.Fatalf("google user=%+v want existing %s", u.User, created.ID)
	}

	// The password still works after a Google sign-in.
	login := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"hunter22"}`)
	if login.Code != http.StatusOK {
		t.Fatalf("password login status=%d", login.Code)
	}
}

func TestGoogle_NameFallsBackToEmail(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), WithGoogleVerifier(googleAccounts))
	rec := env.do(t, http.MethodPost, "/api/auth/google", `{"credential":"tok-noname"}`)
	var u userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.FullName != "dave" {
		t.Fatalf("full_name=%q want=dave", u.FullName)
	}
}

func TestGoogle_NotConfigured(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	rec := env.do(t, http.MethodPost, "/api/auth/google", `{"credential":"tok-carol"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d want=501", rec.Code)
	}
}

func TestNewGoogleVerifier_RequiresClientID(t *testing.T) {
	if _, err := NewGoogleVerifier(context.Background(), "  "); !errors.Is(err, ErrGoogleNotConfigured) {
		t.Fatalf("err=%v want ErrGoogleNotConfigured", err)
	}
}
