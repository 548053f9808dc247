package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// DefaultPresenceWindow is the coalescing window for online-user broadcasts.
const DefaultPresenceWindow = 100 * time.Millisecond

// OnlineSource yields the current presence set.
type OnlineSource interface {
	Online() []string
}

// Broadcaster pushes an envelope to every connected transport.
type Broadcaster interface {
	Broadcast(env v1.Envelope) int
}

// Presence coalesces registry changes into online_users broadcasts.
//
// Each Trigger resets the pending timer; when it fires the presence set is
// read at that moment and sent to everyone.
type Presence struct {
	log     *slog.Logger
	clock   Clock
	window  time.Duration
	source  OnlineSource
	out     Broadcaster
	metrics *Metrics

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	stopped bool
}

// NewPresence constructs a Presence broadcaster. clock nil means system time
// and window <= 0 means DefaultPresenceWindow.
func NewPresence(log *slog.Logger, clock Clock, window time.Duration, source OnlineSource, out Broadcaster, metrics *Metrics) *Presence {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	if window <= 0 {
		window = DefaultPresenceWindow
	}
	return &Presence{
		log:     log,
		clock:   clock,
		window:  window,
		source:  source,
		out:     out,
		metrics: metrics,
	}
}

// Trigger schedules a broadcast, replacing any pending one.
func (p *Presence) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(p.window, func() { p.fire(gen) })
}

// Stop cancels the pending broadcast and ignores later triggers.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Presence) fire(gen uint64) {
	p.mu.Lock()
	// A timer that lost the race with Stop or a newer Trigger.
	if p.stopped || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.mu.Unlock()

	online := p.source.Online()
	now := p.clock.Now()
	env, err := v1.NewEnvelope(v1.TypeOnlineUsers, NewEnvelopeID(now), now, v1.OnlineUsersPayload{UserIDs: online})
	if err != nil {
		p.log.Error("presence.encode.fail", "err", err)
		return
	}

	sent := p.out.Broadcast(env)
	p.metrics.presenceBroadcast()
	p.log.Debug("presence.broadcast", "online", len(online), "sent", sent)
}
