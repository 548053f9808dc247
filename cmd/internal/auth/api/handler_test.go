package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pulse/cmd/identity"
	"pulse/cmd/security/password"
	"pulse/cmd/security/token"
)

type testEnv struct {
	h     *Handler
	users *identity.MemoryStore
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T, cfg Config, opts ...HandlerOption) testEnv {
	t.Helper()

	tokens, err := token.NewManager([]byte(strings.Repeat("k", token.MinSecretBytes)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	users := identity.NewMemoryStore()
	opts = append([]HandlerOption{WithPasswordConfig(password.FastConfig())}, opts...)
	h, err := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, users, tokens, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return testEnv{h: h, users: users, mux: mux}
}

func (e testEnv) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			return c
		}
	}
	t.Fatalf("no %q cookie in response", DefaultCookieName)
	return nil
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

const aliceSignup = `{"full_name":"Alice","email":"Alice@Example.com","password":"hunter22"}`

func TestSignup(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "ok", body: aliceSignup, wantCode: http.StatusCreated},
		{name: "missing field", body: `{"full_name":"","email":"a@b.co","password":"hunter22"}`, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{name: "short password", body: `{"full_name":"A","email":"a@b.co","password":"abc"}`, wantCode: http.StatusBadRequest, wantErr: "invalid_password"},
		{name: "bad email", body: `{"full_name":"A","email":"nope","password":"hunter22"}`, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{name: "unknown field", body: `{"full_name":"A","email":"a@b.co","password":"hunter22","admin":true}`, wantCode: http.StatusBadRequest, wantErr: "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, DefaultConfig())
			rec := env.do(t, http.MethodPost, "/api/auth/signup", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status=%d want=%d body=%s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := errorCode(t, rec); got != tt.wantErr {
					t.Fatalf("code=%q want=%q", got, tt.wantErr)
				}
				return
			}
			c := sessionCookie(t, rec)
			if !c.HttpOnly {
				t.Fatalf("session cookie must be HttpOnly")
			}
			var u userResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if u.Email != "alice@example.com" || u.ID == "" || u.Token == "" {
				t.Fatalf("user=%+v", u)
			}
		})
	}
}

func TestSignup_DuplicateEmailConflicts(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	if rec := env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup); rec.Code != http.StatusCreated {
		t.Fatalf("first signup status=%d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status=%d want=409", rec.Code)
	}
}

func TestSignup_RunsUserChangedHook(t *testing.T) {
	var got []string
	env := newTestEnv(t, DefaultConfig(), WithUserChangedHook(func(u identity.User) { got = append(got, u.Email) }))
	env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup)
	if len(got) != 1 || got[0] != "alice@example.com" {
		t.Fatalf("hook calls=%v", got)
	}
}

func TestLoginCheckLogout(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup)

	bad := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"wrong-pw"}`)
	if bad.Code != http.StatusUnauthorized || errorCode(t, bad) != "invalid_credentials" {
		t.Fatalf("bad login status=%d body=%s", bad.Code, bad.Body.String())
	}
	missing := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"bob@example.com","password":"hunter22"}`)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user status=%d want=401", missing.Code)
	}

	ok := env.do(t, http.MethodPost, "/api/auth/login", `{"email":" ALICE@example.com ","password":"hunter22"}`)
	if ok.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", ok.Code, ok.Body.String())
	}
	cookie := sessionCookie(t, ok)

	check := env.do(t, http.MethodGet, "/api/auth/check", "", cookie)
	if check.Code != http.StatusOK {
		t.Fatalf("check status=%d", check.Code)
	}
	var u identity.User
	if err := json.Unmarshal(check.Body.Bytes(), &u); err != nil || u.FullName != "Alice" {
		t.Fatalf("check user=%+v err=%v", u, err)
	}

	out := env.do(t, http.MethodPost, "/api/auth/logout", "", cookie)
	if out.Code != http.StatusOK {
		t.Fatalf("logout status=%d", out.Code)
	}
	if c := sessionCookie(t, out); c.MaxAge >= 0 || c.Value != "" {
		t.Fatalf("logout cookie=%+v want expired", c)
	}
}

func TestCheck_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	tests := []struct {
		name   string
		cookie *http.Cookie
	}{
		{name: "no cookie"},
		{name: "garbage cookie", cookie: &http.Cookie{Name: DefaultCookieName, Value: "not-a-jwt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cookies []*http.Cookie
			if tt.cookie != nil {
				cookies = append(cookies, tt.cookie)
			}
			rec := env.do(t, http.MethodGet, "/api/auth/check", "", cookies...)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status=%d want=401", rec.Code)
			}
		})
	}
}

func TestAuthenticateRequest_TokenSources(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	rec := env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup)
	var u userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}

	tests := []struct {
		name   string
		build  func(r *http.Request)
		wantOK bool
	}{
		{name: "cookie", build: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: u.Token}) }, wantOK: true},
		{name: "bearer", build: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+u.Token) }, wantOK: true},
		{name: "query", build: func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", u.Token)
			r.URL.RawQuery = q.Encode()
		}, wantOK: true},
		{name: "none", build: func(*http.Request) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.build(r)
			got, err := env.h.AuthenticateRequest(r)
			if tt.wantOK {
				if err != nil || got != u.ID {
					t.Fatalf("AuthenticateRequest()=%q,%v want %q", got, err, u.ID)
				}
				return
			}
			if err == nil {
				t.Fatalf("AuthenticateRequest()=%q want error", got)
			}
		})
	}

	// Query tokens are for the upgrade only.
	r := httptest.NewRequest(http.MethodGet, "/api/auth/check?token="+u.Token, nil)
	if _, err := env.h.Authenticate(r); err == nil {
		t.Fatalf("Authenticate accepted a query token")
	}
}

func TestLogin_RehashesWeakHash(t *testing.T) {
	stronger := password.FastConfig()
	stronger.Params.Iterations = 2
	env := newTestEnv(t, DefaultConfig(), WithPasswordConfig(stronger))
	ctx := context.Background()

	weak, err := password.FastConfig().Hash("hunter22")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if _, err := env.users.CreateUser(ctx, identity.CreateUserInput{
		FullName: "Alice", Email: "alice@example.com", PasswordHash: weak,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"hunter22"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}

	creds, err := env.users.GetCredentialsByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetCredentialsByEmail: %v", err)
	}
	if creds.PasswordHash == weak || stronger.NeedsRehash(creds.PasswordHash) {
		t.Fatalf("hash not upgraded: %q", creds.PasswordHash)
	}
	if ok, err := stronger.Verify(creds.PasswordHash, "hunter22"); err != nil || !ok {
		t.Fatalf("Verify upgraded hash ok=%v err=%v", ok, err)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginEmailPerMinute = 2
	env := newTestEnv(t, cfg)

	body := `{"email":"alice@example.com","password":"wrong-pw"}`
	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/api/auth/login", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status=%d want=401", i, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/api/auth/login", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want=429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

type fakeImages struct {
	uploads []string
}

func (f *fakeImages) Upload(_ context.Context, ref string) (string, error) {
	f.uploads = append(f.uploads, ref)
	return "https://img.example/chat_app/p1.png", nil
}

func (f *fakeImages) Destroy(context.Context, string) error { return nil }

func TestUpdateProfile(t *testing.T) {
	images := &fakeImages{}
	env := newTestEnv(t, DefaultConfig(), WithImageStore(images))
	cookie := sessionCookie(t, env.do(t, http.MethodPost, "/api/auth/signup", aliceSignup))

	rec := env.do(t, http.MethodPut, "/api/auth/update-profile", `{"profile_pic":"data:image/png;base64,AAAA"}`, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var u identity.User
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.ProfilePic != "https://img.example/chat_app/p1.png" {
		t.Fatalf("profile_pic=%q", u.ProfilePic)
	}
	if len(images.uploads) != 1 {
		t.Fatalf("uploads=%d want=1", len(images.uploads))
	}

	empty := env.do(t, http.MethodPut, "/api/auth/update-profile", `{"profile_pic":""}`, cookie)
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("empty pic status=%d want=400", empty.Code)
	}
}

func TestSeedDemoUsers_Idempotent(t *testing.T) {
	users := identity.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := SeedDemoUsers(ctx, nil, users, password.FastConfig()); err != nil {
			t.Fatalf("seed #%d: %v", i, err)
		}
	}
	all, err := users.ListUsers(ctx, "")
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(all) != len(DemoUsers) {
		t.Fatalf("users=%d want=%d", len(all), len(DemoUsers))
	}
	creds, err := users.GetCredentialsByEmail(ctx, "demo1@example.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	ok, err := password.FastConfig().Verify(creds.PasswordHash, DemoPassword)
	if err != nil || !ok {
		t.Fatalf("demo password verify=%v err=%v", ok, err)
	}
}
