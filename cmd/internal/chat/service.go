package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pulse/cmd/identity/ids"
	"pulse/cmd/internal/media"
	"pulse/cmd/internal/ratelimit"
	v1 "pulse/shared/contracts/realtime/v1"
)

// Notifier pushes committed changes to live connections.
type Notifier interface {
	DeliverMessage(p v1.MessagePayload) int
	DeliverDeleted(p v1.MessageDeletedPayload) int
}

// SendInput is one send request. Text and Image are raw client input.
type SendInput struct {
	SenderID    string
	ReceiverID  string
	Text        string
	Image       string
	ClientMsgID string
}

// BotExchange is the user's question and the assistant's reply.
type BotExchange struct {
	UserMessage Message `json:"user_message"`
	BotMessage  Message `json:"bot_message"`
}

// Service implements the messaging operations.
type Service struct {
	log     *slog.Logger
	store   Store
	notify  Notifier
	images  media.Store
	limiter *ratelimit.Pool
	bot     Completer
	metrics *Metrics
	now     func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithImageStore sets where message images are uploaded.
func WithImageStore(s media.Store) ServiceOption {
	return func(svc *Service) {
		if s != nil {
			svc.images = s
		}
	}
}

// WithSendLimiter rate-limits sends per sender.
func WithSendLimiter(p *ratelimit.Pool) ServiceOption {
	return func(svc *Service) { svc.limiter = p }
}

// WithCompleter sets the assistant model.
func WithCompleter(c Completer) ServiceOption {
	return func(svc *Service) {
		if c != nil {
			svc.bot = c
		}
	}
}

// WithMetrics records chat counters.
func WithMetrics(m *Metrics) ServiceOption {
	return func(svc *Service) { svc.metrics = m }
}

// WithClock overrides the service time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) {
		if now != nil {
			svc.now = now
		}
	}
}

// NewService constructs a Service. notify may be nil when nothing is live.
func NewService(log *slog.Logger, store Store, notify Notifier, opts ...ServiceOption) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	s := &Service{
		log:    log,
		store:  store,
		notify: notify,
		images: media.Passthrough{},
		bot:    CannedCompleter{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Send validates, persists and delivers a message. A retried request with
// the same ClientMsgID returns the stored message without pushing again.
func (s *Service) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "chat.Send"

	in.Text = strings.TrimSpace(in.Text)
	in.Image = strings.TrimSpace(in.Image)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)

	if err := validateSend(op, in); err != nil {
		s.metrics.send("rejected")
		return Message{}, err
	}

	if in.ClientMsgID != "" {
		prev, err := s.store.FindByClientMsgID(ctx, in.SenderID, in.ClientMsgID)
		if err == nil {
			s.metrics.send("duplicate")
			s.log.Info("chat.send.duplicate", "message_id", prev.ID, "sender_id", in.SenderID)
			return prev, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Message{}, err
		}
	}

	now := s.now()
	if s.limiter != nil && !s.limiter.AllowAt(in.SenderID, now) {
		s.metrics.send("rejected")
		return Message{}, RateLimitError{RetryAfter: s.limiter.RetryAfter(in.SenderID, now)}
	}

	var imageURL string
	if in.Image != "" {
		u, err := s.images.Upload(ctx, in.Image)
		if err != nil {
			if errors.Is(err, media.ErrInvalidImage) {
				return Message{}, invalid(op, "image must be a data or http(s) url")
			}
			return Message{}, err
		}
		imageURL = u
	}

	m, err := newMessage(now, in.SenderID, in.ReceiverID, in.Text, imageURL, in.ClientMsgID)
	if err != nil {
		return Message{}, err
	}
	stored, dup, err := s.store.Append(ctx, m)
	if err != nil {
		s.discardUpload(ctx, imageURL, in.Image)
		return Message{}, err
	}
	if dup {
		// Lost a race with a concurrent retry; that request delivered it.
		if stored.Image != imageURL {
			s.discardUpload(ctx, imageURL, in.Image)
		}
		s.metrics.send("duplicate")
		return stored, nil
	}

	s.metrics.send("stored")
	pushes := s.deliver(stored)
	s.log.Info("chat.send.ok",
		"message_id", stored.ID,
		"sender_id", stored.SenderID,
		"receiver_id", stored.ReceiverID,
		"has_image", stored.Image != "",
		"pushes", pushes,
	)
	return stored, nil
}

// Delete removes a message sent by requesterID and notifies both parties.
func (s *Service) Delete(ctx context.Context, requesterID, id string) (Message, error) {
	const op = "chat.Delete"

	id = strings.TrimSpace(id)
	if id == "" {
		return Message{}, invalid(op, "message id is required")
	}
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != requesterID {
		return Message{}, OpError{Op: op, Kind: ErrForbidden, Msg: "only the sender can delete a message"}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return Message{}, err
	}
	s.metrics.delete()

	if m.Image != "" {
		if err := s.images.Destroy(ctx, m.Image); err != nil {
			s.log.Warn("chat.delete.image.fail", "message_id", id, "err", err)
		}
	}

	pushes := 0
	if s.notify != nil {
		pushes = s.notify.DeliverDeleted(v1.MessageDeletedPayload{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
		})
	}
	s.log.Info("chat.delete.ok", "message_id", id, "sender_id", requesterID, "pushes", pushes)
	return m, nil
}

// Conversation returns the history between userID and peerID, oldest first.
func (s *Service) Conversation(ctx context.Context, userID, peerID string) ([]Message, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, invalid("chat.Conversation", "peer id is required")
	}
	ms, err := s.store.Conversation(ctx, userID, peerID, 0)
	if err != nil {
		return nil, err
	}
	SortMessages(ms)
	return ms, nil
}

// ChatWithBot stores the user's question, asks the assistant with the recent
// conversation as context, and stores and delivers the reply.
func (s *Service) ChatWithBot(ctx context.Context, userID, text string) (BotExchange, error) {
	const op = "chat.ChatWithBot"

	text = strings.TrimSpace(text)
	if text == "" {
		return BotExchange{}, invalid(op, "text is required")
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return BotExchange{}, invalid(op, "text is too long")
	}

	q, err := newMessage(s.now(), userID, BotID, text, "", "")
	if err != nil {
		return BotExchange{}, err
	}
	if q, _, err = s.store.Append(ctx, q); err != nil {
		return BotExchange{}, err
	}

	history, err := s.store.Conversation(ctx, userID, BotID, BotContextMessages)
	if err != nil {
		return BotExchange{}, err
	}

	reply, err := s.bot.Complete(ctx, buildBotPrompt(userID, history, text))
	if err != nil {
		s.metrics.completion("error")
		s.log.Warn("chat.bot.complete.fail", "user_id", userID, "err", err)
		reply = botOfflineReply
	} else {
		s.metrics.completion("ok")
	}

	// The reply must sort after the question even within one millisecond.
	at := s.now().UTC().Truncate(time.Millisecond)
	if !at.After(q.CreatedAt) {
		at = q.CreatedAt.Add(time.Millisecond)
	}
	a, err := newMessage(at, BotID, userID, reply, "", "")
	if err != nil {
		return BotExchange{}, err
	}
	if a, _, err = s.store.Append(ctx, a); err != nil {
		return BotExchange{}, err
	}
	s.deliver(a)
	return BotExchange{UserMessage: q, BotMessage: a}, nil
}

// discardUpload destroys an image uploaded for a send that did not persist
// it. References the image store returned unchanged are left alone.
func (s *Service) discardUpload(ctx context.Context, url, ref string) {
	if url == "" || url == ref {
		return
	}
	if err := s.images.Destroy(context.WithoutCancel(ctx), url); err != nil {
		s.log.Warn("chat.send.image.cleanup.fail", "url", url, "err", err)
	}
}

func (s *Service) deliver(m Message) int {
	if s.notify == nil {
		return 0
	}
	return s.notify.DeliverMessage(m.Payload())
}

func validateSend(op string, in SendInput) error {
	switch {
	case in.SenderID == "":
		return invalid(op, "sender id is required")
	case strings.TrimSpace(in.ReceiverID) == "":
		return invalid(op, "receiver id is required")
	case in.Text == "" && in.Image == "":
		return invalid(op, "message must have text or image")
	case utf8.RuneCountInString(in.Text) > MaxTextRunes:
		return invalid(op, "text is too long")
	case len(in.ClientMsgID) > MaxClientMsgIDLen:
		return invalid(op, "client_msg_id is too long")
	}
	return nil
}

// newMessage stamps a message with a ULID and a millisecond timestamp, the
// precision every store keeps.
func newMessage(now time.Time, sender, receiver, text, image, clientMsgID string) (Message, error) {
	now = now.UTC().Truncate(time.Millisecond)
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:          id,
		SenderID:    sender,
		ReceiverID:  strings.TrimSpace(receiver),
		Text:        text,
		Image:       image,
		ClientMsgID: clientMsgID,
		CreatedAt:   now,
	}, nil
}
