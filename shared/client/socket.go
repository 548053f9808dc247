package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	socketReadLimit    = 1 << 20
	socketWriteTimeout = 5 * time.Second
)

// ErrSuperseded is returned by Run when the server closed the session
// because the same user connected elsewhere.
var ErrSuperseded = errors.New("session superseded by a newer connection")

// SocketOption configures Dial.
type SocketOption func(*socketConfig)

type socketConfig struct {
	origin     string
	log        *slog.Logger
	onEnvelope func(v1.Envelope)
	httpClient *http.Client
}

// WithOrigin sets the Origin header sent on the handshake.
func WithOrigin(origin string) SocketOption {
	return func(c *socketConfig) { c.origin = origin }
}

// WithLogger sets the socket logger.
func WithLogger(log *slog.Logger) SocketOption {
	return func(c *socketConfig) {
		if log != nil {
			c.log = log
		}
	}
}

// WithEnvelopeHook runs fn for every envelope after it has been applied to
// Conversations. fn runs on the read loop and must not block.
func WithEnvelopeHook(fn func(v1.Envelope)) SocketOption {
	return func(c *socketConfig) { c.onEnvelope = fn }
}

// WithSocketHTTPClient sets the client used for the handshake.
func WithSocketHTTPClient(hc *http.Client) SocketOption {
	return func(c *socketConfig) { c.httpClient = hc }
}

// Socket is one realtime session. Pushes are applied to its Conversations.
type Socket struct {
	conn *websocket.Conn
	conv *Conversations
	cfg  socketConfig

	userID string
	connID string

	writeMu sync.Mutex
}

// Dial opens a realtime session at wsURL (ws or wss, path /ws) authenticated
// with token, and waits for connection_established.
func Dial(ctx context.Context, wsURL, token string, conv *Conversations, opts ...SocketOption) (*Socket, error) {
	if conv == nil {
		return nil, errors.New("client: nil conversations")
	}
	cfg := socketConfig{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws url scheme must be ws or wss, got %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	h := http.Header{}
	if cfg.origin != "" {
		h.Set("Origin", cfg.origin)
	}

	conn, res, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   cfg.httpClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("ws dial: status %d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("ws dial: server selected subprotocol %q", sp)
	}
	conn.SetReadLimit(socketReadLimit)

	s := &Socket{conn: conn, conv: conv, cfg: cfg}

	for s.connID == "" {
		env, err := s.read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
			return nil, fmt.Errorf("waiting for %s: %w", v1.TypeConnectionEstablished, err)
		}
		s.apply(env)
	}
	return s, nil
}

// UserID is the id the server authenticated this session as.
func (s *Socket) UserID() string { return s.userID }

// ConnID is the server-assigned connection id.
func (s *Socket) ConnID() string { return s.connID }

// Run reads envelopes until the session ends. It returns nil on a normal
// closure or context cancellation and ErrSuperseded when replaced by a
// newer session of the same user.
func (s *Socket) Run(ctx context.Context) error {
	for {
		env, err := s.read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				return nil
			case websocket.CloseStatus(err) == websocket.StatusPolicyViolation:
				var ce websocket.CloseError
				if errors.As(err, &ce) && strings.Contains(ce.Reason, "superseded") {
					return ErrSuperseded
				}
				return err
			default:
				return err
			}
		}
		s.apply(env)
	}
}

// Typing sends typing (true) or stop_typing (false) to receiverID.
func (s *Socket) Typing(ctx context.Context, receiverID string, typing bool) error {
	typ := v1.TypeStopTyping
	if typing {
		typ = v1.TypeTyping
	}
	return s.write(ctx, typ, v1.TypingRequestPayload{ReceiverID: receiverID})
}

// Ping asks the server for a pong envelope.
func (s *Socket) Ping(ctx context.Context) error {
	return s.write(ctx, v1.TypePing, nil)
}

// Close ends the session.
func (s *Socket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *Socket) read(ctx context.Context) (v1.Envelope, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return v1.Envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.cfg.log.Warn("client.ws.bad_json", "err", err)
			continue
		}
		return env, nil
	}
}

func (s *Socket) write(ctx context.Context, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, "", time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(wctx, websocket.MessageText, b)
}

// apply routes one envelope into Conversations.
func (s *Socket) apply(env v1.Envelope) {
	var err error
	switch env.Type {
	case v1.TypeConnectionEstablished:
		var p v1.ConnectionEstablishedPayload
		if err = env.Decode(&p); err == nil {
			s.userID, s.connID = p.UserID, p.ConnID
		}
	case v1.TypeOnlineUsers:
		var p v1.OnlineUsersPayload
		if err = env.Decode(&p); err == nil {
			s.conv.SetOnline(p.UserIDs)
		}
	case v1.TypeMessageNew:
		var p v1.MessagePayload
		if err = env.Decode(&p); err == nil {
			match := s.conv.ApplyPushed(p)
			s.cfg.log.Debug("client.ws.message_new", "id", p.ID, "match", match.String())
		}
	case v1.TypeMessageDeleted:
		var p v1.MessageDeletedPayload
		if err = env.Decode(&p); err == nil {
			s.conv.ApplyDeleted(p)
		}
	case v1.TypeTyping, v1.TypeStopTyping:
		var p v1.TypingPayload
		if err = env.Decode(&p); err == nil {
			s.conv.SetTyping(p.SenderID, env.Type == v1.TypeTyping, p.Timestamp)
		}
	case v1.TypeError:
		var p v1.ErrorPayload
		if err = env.Decode(&p); err == nil {
			s.cfg.log.Warn("client.ws.server_error", "code", p.Code, "message", p.Message)
		}
	case v1.TypePong:
	default:
		s.cfg.log.Debug("client.ws.unknown_type", "type", env.Type)
	}
	if err != nil {
		s.cfg.log.Warn("client.ws.bad_payload", "type", env.Type, "err", err)
		return
	}
	if s.cfg.onEnvelope != nil {
		s.cfg.onEnvelope(env)
	}
}
