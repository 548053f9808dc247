package realtime

import (
	"log/slog"
	"time"
)

// Service bundles the realtime components wired together: the registry
// terminates through the hub and triggers presence on every change.
type Service struct {
	Hub      *Hub
	Registry *Registry
	Presence *Presence
	Router   *Router
}

// NewService wires a Hub, Registry, Presence and Router.
func NewService(log *slog.Logger, clock Clock, presenceWindow time.Duration, metrics *Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	hub := NewHub(log, metrics)
	reg := NewRegistry(hub)
	presence := NewPresence(log, clock, presenceWindow, reg, hub, metrics)
	reg.OnChange(presence.Trigger)

	return &Service{
		Hub:      hub,
		Registry: reg,
		Presence: presence,
		Router:   NewRouter(log, reg, hub, clock),
	}
}

// ReasonShutdown is the close reason used when the process stops.
const ReasonShutdown = "server shutdown"

// Close stops the presence timer and ends every live session.
func (s *Service) Close() {
	s.Presence.Stop()
	s.Hub.TerminateAll(ReasonShutdown)
}
