package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// User is an account as returned by the auth endpoints.
type User struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	Email      string    `json:"email"`
	ProfilePic string    `json:"profile_pic"`
	CreatedAt  time.Time `json:"created_at"`
}

// Contact is an entry of the contacts list.
type Contact struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profile_pic"`
	IsBot      bool   `json:"is_bot,omitempty"`
}

// SendRequest is the body of a send. ClientMsgID makes retries idempotent.
type SendRequest struct {
	Text        string `json:"text,omitempty"`
	Image       string `json:"image,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// BotExchange is the result of a bot chat turn.
type BotExchange struct {
	UserMessage v1.MessagePayload `json:"user_message"`
	BotMessage  v1.MessagePayload `json:"bot_message"`
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("pulse api: status %d", e.Status)
	}
	return fmt.Sprintf("pulse api: %d %s: %s", e.Status, e.Code, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// APIOption configures API.
type APIOption func(*API)

// WithHTTPClient replaces the default client. Its cookie jar, if any, is
// kept as is.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) {
		if c != nil {
			a.http = c
		}
	}
}

// WithToken presets the bearer token.
func WithToken(token string) APIOption {
	return func(a *API) { a.token = token }
}

// API calls the pulse HTTP endpoints. After Signup or Login the session is
// carried both by the jwt cookie and as a bearer token.
type API struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
}

// NewAPI returns a client for the server at baseURL (http or https).
func NewAPI(baseURL string, opts ...APIOption) (*API, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	a := &API{base: u, http: &http.Client{Timeout: 15 * time.Second, Jar: jar}}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Token returns the current bearer token.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// BaseURL returns the server base URL.
func (a *API) BaseURL() string { return a.base.String() }

type authResponse struct {
	User
	Token string `json:"token"`
}

// Signup creates an account and starts a session.
func (a *API) Signup(ctx context.Context, fullName, email, password string) (User, error) {
	body := map[string]string{"full_name": fullName, "email": email, "password": password}
	return a.authenticate(ctx, "/api/auth/signup", body)
}

// Login starts a session.
func (a *API) Login(ctx context.Context, email, password string) (User, error) {
	body := map[string]string{"email": email, "password": password}
	return a.authenticate(ctx, "/api/auth/login", body)
}

func (a *API) authenticate(ctx context.Context, path string, body any) (User, error) {
	var out authResponse
	if err := a.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return User{}, err
	}
	if out.Token != "" {
		a.mu.Lock()
		a.token = out.Token
		a.mu.Unlock()
	}
	return out.User, nil
}

// Logout ends the session and forgets the token.
func (a *API) Logout(ctx context.Context) error {
	err := a.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	return err
}

// Check returns the signed-in user.
func (a *API) Check(ctx context.Context) (User, error) {
	var u User
	err := a.do(ctx, http.MethodGet, "/api/auth/check", nil, &u)
	return u, err
}

// UpdateProfilePic sets the caller's picture from a URL or data URL.
func (a *API) UpdateProfilePic(ctx context.Context, ref string) (User, error) {
	var u User
	err := a.do(ctx, http.MethodPut, "/api/auth/update-profile", map[string]string{"profile_pic": ref}, &u)
	return u, err
}

// Contacts lists every other user plus the assistant.
func (a *API) Contacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	err := a.do(ctx, http.MethodGet, "/api/messages/users", nil, &out)
	return out, err
}

// Conversation fetches the history with peerID, oldest first.
func (a *API) Conversation(ctx context.Context, peerID string) ([]v1.MessagePayload, error) {
	var out []v1.MessagePayload
	err := a.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(peerID), nil, &out)
	return out, err
}

// Send persists a message to peerID and returns the stored message.
func (a *API) Send(ctx context.Context, peerID string, req SendRequest) (v1.MessagePayload, error) {
	var out v1.MessagePayload
	err := a.do(ctx, http.MethodPost, "/api/messages/send/"+url.PathEscape(peerID), req, &out)
	return out, err
}

// Delete removes a message the caller sent.
func (a *API) Delete(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil)
}

// BotChat sends text to the assistant and returns both sides of the turn.
func (a *API) BotChat(ctx context.Context, text string) (BotExchange, error) {
	var out BotExchange
	err := a.do(ctx, http.MethodPost, "/api/bot/chat", map[string]string{"text": text}, &out)
	return out, err
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := a.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return decodeAPIError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(res *http.Response) error {
	e := &APIError{Status: res.StatusCode}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if json.Unmarshal(b, &env) == nil {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(b))
	}
	if ra := res.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
