package client

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"

	"github.com/google/uuid"
)

// TempIDPrefix marks placeholder ids. Durable ids never carry it.
const TempIDPrefix = "temp_"

// DefaultMatchWindow bounds how far a pushed message's created_at may be
// from a placeholder's local creation time for the fallback match.
const DefaultMatchWindow = 10 * time.Second

// ErrEmptyMessage is returned by BeginSend when both text and image are empty.
var ErrEmptyMessage = errors.New("message needs text or an image")

// ErrUnknownPlaceholder is returned when a placeholder id is not tracked.
var ErrUnknownPlaceholder = errors.New("unknown placeholder")

// Status is the local delivery state of an entry.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Entry is one row of a per-peer list: the message plus its local status.
type Entry struct {
	Message v1.MessagePayload
	Status  Status

	seq uint64 // local apply order; 0 for fetched history
}

// IsPlaceholder reports whether the entry has not been confirmed by the server.
func (e Entry) IsPlaceholder() bool { return IsTempID(e.Message.ID) }

// IsTempID reports whether id is a placeholder id.
func IsTempID(id string) bool { return strings.HasPrefix(id, TempIDPrefix) }

// Match says how ApplyPushed resolved a pushed message.
type Match int

const (
	// MatchInserted means no local entry matched and the message was added.
	MatchInserted Match = iota
	// MatchByID means an entry with the same durable id was refreshed.
	MatchByID
	// MatchByToken means a placeholder with the same client_msg_id was replaced.
	MatchByToken
	// MatchByHeuristic means a pending placeholder from the same sender
	// within the match window was replaced.
	MatchByHeuristic
)

func (m Match) String() string {
	switch m {
	case MatchByID:
		return "id"
	case MatchByToken:
		return "token"
	case MatchByHeuristic:
		return "heuristic"
	default:
		return "inserted"
	}
}

// Option configures Conversations.
type Option func(*Conversations)

// WithClock overrides the local time source used for placeholders.
func WithClock(now func() time.Time) Option {
	return func(c *Conversations) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMatchWindow overrides DefaultMatchWindow.
func WithMatchWindow(d time.Duration) Option {
	return func(c *Conversations) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithOnChange registers fn to run after every mutation of a peer's list.
// It is called without the lock held.
func WithOnChange(fn func(peerID string)) Option {
	return func(c *Conversations) { c.onChange = fn }
}

// Conversations is the client-side state for one signed-in user: a sorted
// message list per peer plus online and typing state.
//
// Sends and pushes are applied through the same locked update path, so a
// logical message converges to a single durable entry whichever of the HTTP
// response and the push arrives first.
type Conversations struct {
	self     string
	now      func() time.Time
	window   time.Duration
	onChange func(peerID string)

	mu     sync.Mutex
	seq    uint64
	peers  map[string][]Entry
	online map[string]struct{}
	typing map[string]time.Time
}

// NewConversations returns empty state for selfID.
func NewConversations(selfID string, opts ...Option) *Conversations {
	c := &Conversations{
		self:   selfID,
		now:    func() time.Time { return time.Now().UTC() },
		window: DefaultMatchWindow,
		peers:  make(map[string][]Entry),
		online: make(map[string]struct{}),
		typing: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Self returns the signed-in user id.
func (c *Conversations) Self() string { return c.self }

// BeginSend inserts a pending placeholder for an outgoing message and
// returns it. The placeholder's ClientMsgID is the request token the caller
// must send with the persist request.
func (c *Conversations) BeginSend(peerID, text, image string) (Entry, error) {
	text = strings.TrimSpace(text)
	image = strings.TrimSpace(image)
	if text == "" && image == "" {
		return Entry{}, ErrEmptyMessage
	}

	e := Entry{
		Message: v1.MessagePayload{
			ID:          TempIDPrefix + uuid.NewString(),
			SenderID:    c.self,
			ReceiverID:  peerID,
			Text:        text,
			Image:       image,
			ClientMsgID: uuid.NewString(),
			CreatedAt:   c.now(),
		},
		Status: StatusPending,
	}

	c.mu.Lock()
	c.peers[peerID] = insertSorted(c.peers[peerID], e)
	c.mu.Unlock()

	c.changed(peerID)
	return e, nil
}

// ConfirmSend applies the direct response of the send that created the
// placeholder tempID. If a push already delivered the durable message the
// call only drops a leftover placeholder.
func (c *Conversations) ConfirmSend(tempID string, m v1.MessagePayload) {
	peer := c.peerOf(m)

	c.mu.Lock()
	list := c.peers[peer]
	pi := indexByID(list, tempID)
	di := indexByID(list, m.ID)

	switch {
	case di >= 0:
		list[di] = c.durableLocked(m)
		if pi >= 0 {
			list = removeAt(list, pi)
		}
	case pi >= 0:
		list[pi] = c.durableLocked(m)
	default:
		// Placeholder was discarded or consumed by a mismatched push; the
		// message is still persisted, so show it.
		list = append(list, c.durableLocked(m))
	}
	sortEntries(list)
	c.peers[peer] = list
	c.mu.Unlock()

	c.changed(peer)
}

// FailSend marks a pending placeholder failed. It is never retried
// automatically.
func (c *Conversations) FailSend(tempID string) bool {
	c.mu.Lock()
	peer, i := c.findLocked(tempID)
	ok := i >= 0 && c.peers[peer][i].Status == StatusPending
	if ok {
		c.peers[peer][i].Status = StatusFailed
	}
	c.mu.Unlock()

	if ok {
		c.changed(peer)
	}
	return ok
}

// Discard removes a placeholder, pending or failed.
func (c *Conversations) Discard(tempID string) bool {
	if !IsTempID(tempID) {
		return false
	}
	c.mu.Lock()
	peer, i := c.findLocked(tempID)
	if i >= 0 {
		c.peers[peer] = removeAt(c.peers[peer], i)
	}
	c.mu.Unlock()

	if i < 0 {
		return false
	}
	c.changed(peer)
	return true
}

// Resend replaces a failed placeholder with a new pending one carrying the
// same content and a fresh request token.
func (c *Conversations) Resend(tempID string) (Entry, error) {
	c.mu.Lock()
	peer, i := c.findLocked(tempID)
	if i < 0 || c.peers[peer][i].Status != StatusFailed {
		c.mu.Unlock()
		return Entry{}, ErrUnknownPlaceholder
	}
	old := c.peers[peer][i].Message
	c.peers[peer] = removeAt(c.peers[peer], i)
	c.mu.Unlock()

	return c.BeginSend(old.ReceiverID, old.Text, old.Image)
}

// ApplyPushed merges a pushed message_new into local state.
//
// Match order: durable id, then client_msg_id, then the oldest pending
// placeholder from the same sender whose local time is within the match
// window, else insert.
func (c *Conversations) ApplyPushed(m v1.MessagePayload) Match {
	peer := c.peerOf(m)

	c.mu.Lock()
	list := c.peers[peer]
	match := MatchInserted

	if i := indexByID(list, m.ID); i >= 0 {
		list[i] = c.durableLocked(m)
		match = MatchByID
	} else if i := c.indexByToken(list, m); i >= 0 {
		list[i] = c.durableLocked(m)
		match = MatchByToken
	} else if i := c.indexByHeuristic(list, m); i >= 0 {
		list[i] = c.durableLocked(m)
		match = MatchByHeuristic
	} else {
		list = append(list, c.durableLocked(m))
	}

	sortEntries(list)
	c.peers[peer] = list
	if m.SenderID != c.self {
		delete(c.typing, m.SenderID)
	}
	c.mu.Unlock()

	c.changed(peer)
	return match
}

func (c *Conversations) indexByToken(list []Entry, m v1.MessagePayload) int {
	if m.ClientMsgID == "" || m.SenderID != c.self {
		return -1
	}
	for i, e := range list {
		if e.IsPlaceholder() && e.Message.ClientMsgID == m.ClientMsgID {
			return i
		}
	}
	return -1
}

func (c *Conversations) indexByHeuristic(list []Entry, m v1.MessagePayload) int {
	if m.SenderID != c.self {
		return -1
	}
	best := -1
	for i, e := range list {
		if !e.IsPlaceholder() || e.Status != StatusPending {
			continue
		}
		// Two known tokens that differ are two different sends.
		if m.ClientMsgID != "" && e.Message.ClientMsgID != "" {
			continue
		}
		if absDuration(m.CreatedAt.Sub(e.Message.CreatedAt)) > c.window {
			continue
		}
		if best < 0 || e.Message.CreatedAt.Before(list[best].Message.CreatedAt) {
			best = i
		}
	}
	return best
}

// ApplyDeleted removes a deleted message. No tombstone is kept.
func (c *Conversations) ApplyDeleted(p v1.MessageDeletedPayload) bool {
	c.mu.Lock()
	var peer string
	i := -1
	if p.SenderID != "" || p.ReceiverID != "" {
		peer = c.peerOf(v1.MessagePayload{SenderID: p.SenderID, ReceiverID: p.ReceiverID})
		i = indexByID(c.peers[peer], p.ID)
	}
	if i < 0 {
		peer, i = c.findLocked(p.ID)
	}
	if i >= 0 {
		c.peers[peer] = removeAt(c.peers[peer], i)
	}
	c.mu.Unlock()

	if i < 0 {
		return false
	}
	c.changed(peer)
	return true
}

// HistoryMark returns a watermark to take before fetching a conversation
// and hand to ReplaceHistory with the fetched result.
func (c *Conversations) HistoryMark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// ReplaceHistory installs a fetched conversation as the durable state for
// peerID. Placeholders not yet resolved by the fetched set are kept, and so
// are durable entries applied after mark: the fetch may have been read
// before they were stored.
func (c *Conversations) ReplaceHistory(peerID string, msgs []v1.MessagePayload, mark uint64) {
	fetchedIDs := make(map[string]struct{}, len(msgs))
	fetchedTokens := make(map[string]struct{}, len(msgs))
	list := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := fetchedIDs[m.ID]; dup {
			continue
		}
		fetchedIDs[m.ID] = struct{}{}
		if m.ClientMsgID != "" && m.SenderID == c.self {
			fetchedTokens[m.ClientMsgID] = struct{}{}
		}
		list = append(list, Entry{Message: m, Status: StatusConfirmed})
	}

	c.mu.Lock()
	for _, e := range c.peers[peerID] {
		if !e.IsPlaceholder() {
			if _, fetched := fetchedIDs[e.Message.ID]; !fetched && e.seq > mark {
				list = append(list, e)
			}
			continue
		}
		if _, done := fetchedTokens[e.Message.ClientMsgID]; done && e.Message.ClientMsgID != "" {
			continue
		}
		list = append(list, e)
	}
	sortEntries(list)
	c.peers[peerID] = list
	c.mu.Unlock()

	c.changed(peerID)
}

// Messages returns a copy of peerID's list sorted by created_at.
func (c *Conversations) Messages(peerID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.peers[peerID]...)
}

// Pending returns the placeholders still awaiting a response, across peers.
func (c *Conversations) Pending() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, list := range c.peers {
		for _, e := range list {
			if e.IsPlaceholder() && e.Status == StatusPending {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out
}

// SetOnline replaces the online set.
func (c *Conversations) SetOnline(userIDs []string) {
	c.mu.Lock()
	c.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		c.online[id] = struct{}{}
	}
	c.mu.Unlock()
}

// Online returns the online user ids sorted.
func (c *Conversations) Online() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID was in the last online set.
func (c *Conversations) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.online[userID]
	return ok
}

// SetTyping records a typing or stop_typing event from senderID.
func (c *Conversations) SetTyping(senderID string, typing bool, at time.Time) {
	c.mu.Lock()
	if typing {
		c.typing[senderID] = at
	} else {
		delete(c.typing, senderID)
	}
	c.mu.Unlock()
}

// IsTyping reports whether peerID is currently typing.
func (c *Conversations) IsTyping(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[peerID]
	return ok
}

// durableLocked wraps a server message as a confirmed entry stamped with the
// next local sequence number.
func (c *Conversations) durableLocked(m v1.MessagePayload) Entry {
	c.seq++
	return Entry{Message: m, Status: StatusConfirmed, seq: c.seq}
}

func (c *Conversations) peerOf(m v1.MessagePayload) string {
	if m.SenderID == c.self {
		return m.ReceiverID
	}
	return m.SenderID
}

func (c *Conversations) findLocked(id string) (string, int) {
	for peer, list := range c.peers {
		if i := indexByID(list, id); i >= 0 {
			return peer, i
		}
	}
	return "", -1
}

func (c *Conversations) changed(peerID string) {
	if c.onChange != nil {
		c.onChange(peerID)
	}
}

func indexByID(list []Entry, id string) int {
	if id == "" {
		return -1
	}
	for i, e := range list {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

func removeAt(list []Entry, i int) []Entry {
	return append(list[:i], list[i+1:]...)
}

func insertSorted(list []Entry, e Entry) []Entry {
	list = append(list, e)
	sortEntries(list)
	return list
}

// sortEntries orders by created_at, then id.
func sortEntries(list []Entry) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].Message, list[j].Message
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
