package realtime

import (
	"log/slog"
	"sync"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Hub owns the live websocket clients of this process, keyed by connection
// id. It is the transport the registry, presence and router push through.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		clients: make(map[string]*Client),
	}
}

// Attach adds a client to the hub.
func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	h.clients[c.ConnID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.setConnections(n)
}

// Detach removes a client by connection id.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	delete(h.clients, connID)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.setConnections(n)
}

// PushTo enqueues env for one connection without blocking.
func (h *Hub) PushTo(connID string, env v1.Envelope) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	if !c.push(env) {
		h.metrics.pushDropped(env.Type)
		h.log.Warn("hub.push.drop", "conn_id", connID, "user_id", c.UserID, "type", env.Type)
		return false
	}
	h.metrics.pushDelivered(env.Type)
	return true
}

// Broadcast enqueues env for every client. Slow clients miss it.
// Returns the number of clients that accepted the push.
func (h *Hub) Broadcast(env v1.Envelope) int {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range snapshot {
		if c.push(env) {
			sent++
			h.metrics.pushDelivered(env.Type)
			continue
		}
		h.metrics.pushDropped(env.Type)
	}
	return sent
}

// Terminate closes a connection's session with reason.
func (h *Hub) Terminate(connID, reason string) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	h.log.Info("hub.terminate", "conn_id", connID, "user_id", c.UserID, "reason", reason)
	c.CloseWithReason(reason)
	return true
}

// Len returns the number of attached clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TerminateAll closes every attached session with reason and returns how
// many were closed.
func (h *Hub) TerminateAll(reason string) int {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		c.CloseWithReason(reason)
	}
	return len(snapshot)
}
