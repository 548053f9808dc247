package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Hard cap on one inbound frame. Clients only send small control envelopes.
	maxFrameBytes = 64 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Origin is required by default and only the local dev frontends are allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost:5173,http://localhost:5177,http://localhost,http://127.0.0.1"
)

// ErrUnauthenticated is returned by an Authenticator that finds no valid
// credentials on the request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind a websocket upgrade request.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) AuthenticateRequest(r *http.Request) (string, error) { return f(r) }

// wsConfig holds the PULSE_WS_* session tunables.
type wsConfig struct {
	// devInsecure disables websocket.Accept's own origin check. Dev only.
	devInsecure bool

	writeTimeout     time.Duration
	sendQueue        int
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
	rateEvents       int
	rateWindow       time.Duration
}

func loadWSConfig() wsConfig {
	c := wsConfig{
		devInsecure:      wsEnv("PULSE_WS_DEV_INSECURE", false, strconv.ParseBool),
		writeTimeout:     wsEnv("PULSE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout, positiveDuration),
		sendQueue:        wsEnv("PULSE_WS_SEND_QUEUE", wsDefaultSendQueueSize, positiveInt),
		heartbeatEvery:   wsEnv("PULSE_WS_HEARTBEAT_INTERVAL", heartbeatInterval, positiveDuration),
		heartbeatTimeout: wsEnv("PULSE_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout, positiveDuration),
		rateEvents:       wsEnv("PULSE_WS_RATE_EVENTS", rateLimitEvents, positiveInt),
		rateWindow:       wsEnv("PULSE_WS_RATE_WINDOW", rateLimitWindow, positiveDuration),
	}
	c.sendQueue = max(c.sendQueue, wsMinSendQueueSize)
	return c
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, authentication, subprotocol selection, rate
// limits and heartbeats. Each session registers its user in the Registry,
// which supersedes any older session of that user.
type WSGateway struct {
	log     *slog.Logger
	svc     *Service
	auth    Authenticator
	clock   Clock
	origins originPolicy
	cfg     wsConfig
}

// NewWSGateway constructs a gateway with secure defaults read from PULSE_WS_* env.
func NewWSGateway(log *slog.Logger, svc *Service, auth Authenticator) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if svc == nil {
		svc = NewService(log, nil, 0, nil)
	}

	return &WSGateway{
		log:   log,
		svc:   svc,
		auth:  auth,
		clock: SystemClock(),
		origins: newOriginPolicy(
			wsEnv("PULSE_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired, strconv.ParseBool),
			splitCSV(wsEnv("PULSE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins, nonEmpty)),
		),
		cfg: loadWSConfig(),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the
// session until either side ends it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.patterns,
		InsecureSkipVerify: g.cfg.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(g.clock.Now())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	g.newSession(r.Context(), conn, NewClient(userID, connID, g.cfg.sendQueue)).run(r.RemoteAddr)
}

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	if g.auth == nil {
		return "", errors.New("no authenticator configured")
	}
	userID, err := g.auth.AuthenticateRequest(r)
	if err != nil {
		return "", err
	}
	if userID = strings.TrimSpace(userID); userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

func (g *WSGateway) send(client *Client, typ string, payload any) bool {
	now := g.clock.Now()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), now, payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return false
	}
	return client.push(env)
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = g.send(client, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// ---- env helpers ----

// wsEnv parses key with parse, falling back to def when unset or invalid.
func wsEnv[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil && d <= 0 {
		err = errors.New("must be positive")
	}
	return d, err
}

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err == nil && n <= 0 {
		err = errors.New("must be positive")
	}
	return n, err
}

func nonEmpty(s string) (string, error) { return s, nil }

func splitCSV(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
