package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// wsSession runs one accepted connection: a writer draining the client
// queue, a heartbeat pinger and the read loop on the calling goroutine.
type wsSession struct {
	g       *WSGateway
	conn    *websocket.Conn
	client  *Client
	log     *slog.Logger
	limiter *RateLimiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (g *WSGateway) newSession(parent context.Context, conn *websocket.Conn, client *Client) *wsSession {
	ctx, cancel := context.WithCancel(parent)
	return &wsSession{
		g:       g,
		conn:    conn,
		client:  client,
		log:     g.log.With("user_id", client.UserID, "conn_id", client.ConnID),
		limiter: NewRateLimiter(g.cfg.rateEvents, g.cfg.rateWindow),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// close ends the session once. It never closes client.Send.
func (s *wsSession) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.client.CloseWithReason(reason)
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) run(remote string) {
	defer s.cancel()

	svc := s.g.svc
	svc.Hub.Attach(s.client)
	svc.Registry.Register(s.client.UserID, s.client.ConnID)
	s.log.Info("ws.connect", "remote", remote)

	defer func() {
		removed := svc.Registry.Remove(s.client.UserID, s.client.ConnID)
		svc.Hub.Detach(s.client.ConnID)
		s.log.Info("ws.disconnect", "removed", removed, "reason", s.client.CloseReason())
	}()

	s.g.send(s.client, v1.TypeConnectionEstablished, v1.ConnectionEstablishedPayload{
		UserID: s.client.UserID,
		ConnID: s.client.ConnID,
	})

	writerDone := goDone(s.writeLoop)
	heartbeatDone := goDone(s.heartbeatLoop)

	s.readLoop()

	s.close(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func goDone(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			// Closed from outside the session: superseded or server shutdown.
			code := websocket.StatusNormalClosure
			if s.client.CloseReason() == ReasonSuperseded {
				code = websocket.StatusPolicyViolation
			}
			s.close(code, s.client.CloseReason())
			return
		case env := <-s.client.Send:
			if err := s.write(env); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *wsSession) write(env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func (s *wsSession) heartbeatLoop() {
	t := time.NewTicker(s.g.cfg.heartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.heartbeatTimeout)
		err := s.conn.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}

		failures++
		s.log.Info("ws.ping.fail", "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			s.close(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *wsSession) readLoop() {
	for {
		env, err := s.read()
		if err != nil {
			kind := classifyReadErr(err)
			if kind == readErrBadJSON {
				s.g.sendError(s.client, "bad_json", "invalid JSON")
				continue
			}
			if kind == readErrUnknown {
				s.log.Info("ws.read.fail", "err", err)
			}
			s.close(kind.closeStatus(), kind.String())
			return
		}

		if !s.limiter.Allow(s.g.clock.Now()) {
			s.g.sendError(s.client, "rate_limited", "too many events")
			s.close(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.g.sendError(s.client, "bad_envelope", err.Error())
			continue
		}
		s.dispatch(env)
	}
}

// read blocks until the next frame or the end of the session. There is no
// idle deadline: a client that only listens stays connected for as long as
// it answers heartbeat pings.
func (s *wsSession) read() (v1.Envelope, error) {
	mt, data, err := s.conn.Read(s.ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func (s *wsSession) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypePing:
		s.g.send(s.client, v1.TypePong, nil)
	case v1.TypeTyping, v1.TypeStopTyping:
		if err := s.onTyping(env); err != nil {
			s.g.sendError(s.client, "bad_payload", err.Error())
		}
	default:
		s.g.sendError(s.client, "unsupported", "unsupported type: "+env.Type)
	}
}

func (s *wsSession) onTyping(env v1.Envelope) error {
	var p v1.TypingRequestPayload
	if err := env.Decode(&p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	receiverID := strings.TrimSpace(p.ReceiverID)
	if receiverID == "" {
		return errors.New("missing receiver_id")
	}
	if receiverID == s.client.UserID {
		return nil
	}
	// Offline receivers simply miss typing signals.
	s.g.svc.Router.Typing(s.client.UserID, receiverID, env.Type)
	return nil
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	}
	return readErrUnknown
}

func (k readErrKind) closeStatus() websocket.StatusCode {
	switch k {
	case readErrClose, readErrCtxDone:
		return websocket.StatusNormalClosure
	}
	return websocket.StatusAbnormalClosure
}

func (k readErrKind) String() string {
	switch k {
	case readErrClose:
		return "peer closed"
	case readErrCtxDone:
		return "context done"
	case readErrConnClosed:
		return "conn closed"
	case readErrBadJSON:
		return "bad json"
	}
	return "read failed"
}
