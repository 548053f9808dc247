package realtime

import (
	"log/slog"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Pusher enqueues an envelope for one connection.
type Pusher interface {
	PushTo(connID string, env v1.Envelope) bool
}

// Router resolves users to their live connection and pushes to it.
// Pushes to users without a connection are skipped; history fetch is the
// catch-up path.
type Router struct {
	log   *slog.Logger
	reg   *Registry
	out   Pusher
	clock Clock
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, reg *Registry, out Pusher, clock Clock) *Router {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Router{log: log, reg: reg, out: out, clock: clock}
}

// DeliverMessage pushes message_new to the receiver and, when it is a
// different connection, to the sender. Returns the number of pushes made.
func (rt *Router) DeliverMessage(m v1.MessagePayload) int {
	now := rt.clock.Now()
	env, err := v1.NewEnvelope(v1.TypeMessageNew, NewEnvelopeID(now), now, m)
	if err != nil {
		rt.log.Error("router.encode.fail", "type", v1.TypeMessageNew, "err", err)
		return 0
	}
	return rt.fanout(m.SenderID, m.ReceiverID, env)
}

// DeliverDeleted pushes message_deleted to both parties of a message.
func (rt *Router) DeliverDeleted(p v1.MessageDeletedPayload) int {
	now := rt.clock.Now()
	env, err := v1.NewEnvelope(v1.TypeMessageDeleted, NewEnvelopeID(now), now, p)
	if err != nil {
		rt.log.Error("router.encode.fail", "type", v1.TypeMessageDeleted, "err", err)
		return 0
	}
	return rt.fanout(p.SenderID, p.ReceiverID, env)
}

// Typing forwards a typing or stop_typing signal to the receiver only.
// It is dropped when the receiver is offline.
func (rt *Router) Typing(senderID, receiverID, typ string) bool {
	if typ != v1.TypeTyping && typ != v1.TypeStopTyping {
		return false
	}
	connID, ok := rt.reg.Lookup(receiverID)
	if !ok {
		return false
	}

	now := rt.clock.Now()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), now, v1.TypingPayload{SenderID: senderID, Timestamp: now})
	if err != nil {
		rt.log.Error("router.encode.fail", "type", typ, "err", err)
		return false
	}
	return rt.out.PushTo(connID, env)
}

func (rt *Router) fanout(senderID, receiverID string, env v1.Envelope) int {
	pushes := 0

	receiverConn, receiverOK := rt.reg.Lookup(receiverID)
	if receiverOK {
		rt.out.PushTo(receiverConn, env)
		pushes++
	}

	senderConn, senderOK := rt.reg.Lookup(senderID)
	if senderOK && (!receiverOK || senderConn != receiverConn) {
		rt.out.PushTo(senderConn, env)
		pushes++
	}

	rt.log.Debug("router.deliver", "type", env.Type, "sender_id", senderID, "receiver_id", receiverID, "pushes", pushes)
	return pushes
}
