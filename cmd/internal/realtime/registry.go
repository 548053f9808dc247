package realtime

import (
	"sort"
	"sync"
)

// Terminator forcibly ends a live connection.
type Terminator interface {
	Terminate(connID, reason string) bool
}

// ReasonSuperseded is the close reason given to a connection replaced by a
// newer one for the same user.
const ReasonSuperseded = "superseded"

// Registry maps a user to its single active connection.
//
// Mutations notify the change hook after the lock is released, so hooks may
// read the registry.
type Registry struct {
	term Terminator

	mu       sync.Mutex
	byUser   map[string]string
	onChange func()
}

// NewRegistry constructs a Registry. term may be nil in tests that only
// observe the mapping.
func NewRegistry(term Terminator) *Registry {
	return &Registry{
		term:   term,
		byUser: make(map[string]string),
	}
}

// OnChange sets the hook run after every register or effective remove.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register makes connID the active connection of userID. A different
// connection already registered for the user is terminated.
func (r *Registry) Register(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	r.mu.Lock()
	prev, had := r.byUser[userID]
	if had && prev == connID {
		r.mu.Unlock()
		return
	}
	r.byUser[userID] = connID
	hook := r.onChange
	r.mu.Unlock()

	if had && r.term != nil {
		r.term.Terminate(prev, ReasonSuperseded)
	}
	if hook != nil {
		hook()
	}
}

// Lookup returns the active connection of userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// Remove drops the entry for userID only while it still points at connID.
// A stale disconnect for a superseded connection is a no-op.
func (r *Registry) Remove(userID, connID string) bool {
	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if !ok || cur != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, userID)
	hook := r.onChange
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// Online returns the presence set, sorted.
func (r *Registry) Online() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	r.mu.Unlock()

	sort.Strings(out)
	return out
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
