package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pulse/cmd/internal/ratelimit"
	v1 "pulse/shared/contracts/realtime/v1"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []v1.MessagePayload
	deleted  []v1.MessageDeletedPayload
}

func (n *recordingNotifier) DeliverMessage(p v1.MessagePayload) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, p)
	return 2
}

func (n *recordingNotifier) DeliverDeleted(p v1.MessageDeletedPayload) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, p)
	return 2
}

type fakeImages struct {
	uploaded    []string
	destroyed   []string
	failWith    error
	passthrough bool
}

func (f *fakeImages) Upload(_ context.Context, ref string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	if f.passthrough {
		return ref, nil
	}
	f.uploaded = append(f.uploaded, ref)
	return "https://res.example/chat_app/img" + string(rune('0'+len(f.uploaded))) + ".png", nil
}

func (f *fakeImages) Destroy(_ context.Context, url string) error {
	f.destroyed = append(f.destroyed, url)
	return nil
}

type fakeCompleter struct {
	prompts []string
	reply   string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

type serviceEnv struct {
	svc    *Service
	store  *MemoryStore
	notify *recordingNotifier
	images *fakeImages
	now    time.Time
}

func newServiceEnv(t *testing.T, opts ...ServiceOption) *serviceEnv {
	t.Helper()
	env := &serviceEnv{
		store:  NewMemoryStore(),
		notify: &recordingNotifier{},
		images: &fakeImages{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []ServiceOption{
		WithImageStore(env.images),
		WithClock(func() time.Time { return env.now }),
	}
	svc, err := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), env.store, env.notify, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	return env
}

func TestService_SendValidation(t *testing.T) {
	tests := []struct {
		name string
		in   SendInput
	}{
		{name: "no receiver", in: SendInput{SenderID: "alice", Text: "hi"}},
		{name: "empty after trim", in: SendInput{SenderID: "alice", ReceiverID: "bob", Text: "   "}},
		{name: "too long", in: SendInput{SenderID: "alice", ReceiverID: "bob", Text: strings.Repeat("é", MaxTextRunes+1)}},
		{name: "token too long", in: SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hi", ClientMsgID: strings.Repeat("x", MaxClientMsgIDLen+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServiceEnv(t)
			_, err := env.svc.Send(context.Background(), tt.in)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err=%v want ErrInvalidInput", err)
			}
			if len(env.notify.messages) != 0 {
				t.Fatalf("pushed %d messages for a rejected send", len(env.notify.messages))
			}
		})
	}
}

func TestService_SendAtLimitAccepted(t *testing.T) {
	env := newServiceEnv(t)
	text := strings.Repeat("é", MaxTextRunes)
	m, err := env.svc.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Text: "  " + text + "  "})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Text != text {
		t.Fatalf("text not trimmed")
	}
}

func TestService_SendPersistsAndDelivers(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	m, err := env.svc.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Text: " hello ", ClientMsgID: "tok-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Text != "hello" || m.ClientMsgID != "tok-1" || !m.CreatedAt.Equal(env.now) {
		t.Fatalf("message=%+v", m)
	}
	if len(env.notify.messages) != 1 || env.notify.messages[0].ID != m.ID {
		t.Fatalf("deliveries=%+v", env.notify.messages)
	}
	if env.notify.messages[0].ClientMsgID != "tok-1" {
		t.Fatalf("client_msg_id not echoed in push")
	}
	if _, err := env.store.Get(ctx, m.ID); err != nil {
		t.Fatalf("not persisted: %v", err)
	}
}

func TestService_SendRetryIsIdempotent(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	in := SendInput{SenderID: "alice", ReceiverID: "bob", Text: "once", Image: "data:image/png;base64,AAAA", ClientMsgID: "tok-1"}

	first, err := env.svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	env.now = env.now.Add(3 * time.Second)
	again, err := env.svc.Send(ctx, in)
	if err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("retry id=%s want=%s", again.ID, first.ID)
	}
	if len(env.notify.messages) != 1 {
		t.Fatalf("deliveries=%d want=1", len(env.notify.messages))
	}
	if len(env.images.uploaded) != 1 {
		t.Fatalf("uploads=%d want=1", len(env.images.uploaded))
	}
}

func TestService_SendImageUploaded(t *testing.T) {
	env := newServiceEnv(t)
	m, err := env.svc.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Image: "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(m.Image, "https://res.example/chat_app/") {
		t.Fatalf("image=%q want uploaded url", m.Image)
	}
}

func TestService_SendUploadFailure(t *testing.T) {
	env := newServiceEnv(t)
	env.images.failWith = errors.New("cloud down")
	_, err := env.svc.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Image: "data:image/png;base64,AAAA"})
	if err == nil || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v want upstream failure", err)
	}
	if got, _ := env.store.Conversation(context.Background(), "alice", "bob", 0); len(got) != 0 {
		t.Fatalf("stored %d messages after failed upload", len(got))
	}
}

// racyStore hides earlier sends from the idempotency lookup so Append is the
// one that detects the duplicate, as with two concurrent retries.
type racyStore struct {
	*MemoryStore
	appendErr error
}

func (s racyStore) FindByClientMsgID(context.Context, string, string) (Message, error) {
	return Message{}, notFound("chat.FindByClientMsgID")
}

func (s racyStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	if s.appendErr != nil {
		return Message{}, false, s.appendErr
	}
	return s.MemoryStore.Append(ctx, m)
}

func TestService_SendDiscardsUnpersistedUpload(t *testing.T) {
	in := SendInput{SenderID: "alice", ReceiverID: "bob", Image: "data:image/png;base64,AAAA", ClientMsgID: "tok-1"}
	tests := []struct {
		name          string
		appendErr     error
		wantErr       bool
		wantDestroyed string
	}{
		{name: "append fails", appendErr: errors.New("disk full"), wantErr: true, wantDestroyed: "https://res.example/chat_app/img2.png"},
		{name: "duplicate race", wantDestroyed: "https://res.example/chat_app/img2.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			images := &fakeImages{}
			mem := NewMemoryStore()
			log := slog.New(slog.NewTextHandler(io.Discard, nil))

			seed, err := NewService(log, mem, &recordingNotifier{}, WithImageStore(images))
			if err != nil {
				t.Fatalf("NewService: %v", err)
			}
			first, err := seed.Send(ctx, in)
			if err != nil {
				t.Fatalf("first Send: %v", err)
			}

			svc, err := NewService(log, racyStore{MemoryStore: mem, appendErr: tt.appendErr}, &recordingNotifier{}, WithImageStore(images))
			if err != nil {
				t.Fatalf("NewService: %v", err)
			}
			got, err := svc.Send(ctx, in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got.ID != first.ID {
				t.Fatalf("id=%s want=%s", got.ID, first.ID)
			}
			if len(images.destroyed) != 1 || images.destroyed[0] != tt.wantDestroyed {
				t.Fatalf("destroyed=%v want=[%s]", images.destroyed, tt.wantDestroyed)
			}
			if images.destroyed[0] == first.Image {
				t.Fatalf("destroyed the stored image %s", first.Image)
			}
		})
	}
}

func TestService_SendKeepsPassthroughReference(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	svc, err := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), racyStore{MemoryStore: env.store, appendErr: errors.New("down")}, env.notify, WithImageStore(env.images))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	// A reference the image store hands back unchanged was never uploaded.
	env.images.passthrough = true
	if _, err := svc.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Image: "https://cdn.example/a.png"}); err == nil {
		t.Fatalf("Send succeeded with failing store")
	}
	if len(env.images.destroyed) != 0 {
		t.Fatalf("destroyed=%v want none", env.images.destroyed)
	}
}

func TestService_SendRateLimited(t *testing.T) {
	env := newServiceEnv(t, WithSendLimiter(ratelimit.NewPool(1, 2)))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := env.svc.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hi"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := env.svc.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hi"})
	var rl RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v want RateLimitError", err)
	}
	if rl.RetryAfter <= 0 {
		t.Fatalf("RetryAfter=%v want > 0", rl.RetryAfter)
	}
	if _, err := env.svc.Send(ctx, SendInput{SenderID: "bob", ReceiverID: "alice", Text: "hi"}); err != nil {
		t.Fatalf("other sender limited: %v", err)
	}
}

func TestService_Delete(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	m, err := env.svc.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Text: "oops", Image: "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	tests := []struct {
		name      string
		requester string
		id        string
		wantKind  error
	}{
		{name: "missing", requester: "alice", id: "01HZZZZZZZZZZZZZZZZZZZZZZZ", wantKind: ErrNotFound},
		{name: "not the sender", requester: "bob", id: m.ID, wantKind: ErrForbidden},
		{name: "sender", requester: "alice", id: m.ID},
		{name: "already deleted", requester: "alice", id: m.ID, wantKind: ErrNotFound},
	}
	for _, tt := range tests {
		_, err := env.svc.Delete(ctx, tt.requester, tt.id)
		if tt.wantKind == nil {
			if err != nil {
				t.Fatalf("%s: Delete: %v", tt.name, err)
			}
			continue
		}
		if !errors.Is(err, tt.wantKind) {
			t.Fatalf("%s: err=%v want %v", tt.name, err, tt.wantKind)
		}
	}

	if len(env.notify.deleted) != 1 {
		t.Fatalf("deleted pushes=%d want=1", len(env.notify.deleted))
	}
	d := env.notify.deleted[0]
	if d.ID != m.ID || d.SenderID != "alice" || d.ReceiverID != "bob" {
		t.Fatalf("deleted payload=%+v", d)
	}
	if len(env.images.destroyed) != 1 || env.images.destroyed[0] != m.Image {
		t.Fatalf("destroyed=%v want [%s]", env.images.destroyed, m.Image)
	}
}

func TestService_ConversationSorted(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	for i, who := range []string{"alice", "bob", "alice"} {
		peer := "bob"
		if who == "bob" {
			peer = "alice"
		}
		env.now = time.Date(2026, 3, 1, 12, 0, 10-i, 0, time.UTC) // newest first
		if _, err := env.svc.Send(ctx, SendInput{SenderID: who, ReceiverID: peer, Text: string(rune('a' + i))}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	ms, err := env.svc.Conversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got := texts(ms); got != "cba" {
		t.Fatalf("conversation=%q want=cba", got)
	}
	if _, err := env.svc.Conversation(ctx, "bob", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank peer err=%v", err)
	}
}

func TestService_ChatWithBot(t *testing.T) {
	bot := &fakeCompleter{reply: "use a mutex"}
	env := newServiceEnv(t, WithCompleter(bot))
	ctx := context.Background()

	if _, err := env.svc.ChatWithBot(ctx, "alice", "first question"); err != nil {
		t.Fatalf("ChatWithBot #1: %v", err)
	}
	ex, err := env.svc.ChatWithBot(ctx, "alice", "  how do I avoid races?  ")
	if err != nil {
		t.Fatalf("ChatWithBot #2: %v", err)
	}

	if ex.UserMessage.SenderID != "alice" || ex.UserMessage.ReceiverID != BotID || ex.UserMessage.Text != "how do I avoid races?" {
		t.Fatalf("user message=%+v", ex.UserMessage)
	}
	if ex.BotMessage.SenderID != BotID || ex.BotMessage.Text != "use a mutex" {
		t.Fatalf("bot message=%+v", ex.BotMessage)
	}
	if !ex.BotMessage.CreatedAt.After(ex.UserMessage.CreatedAt) {
		t.Fatalf("reply must sort after the question")
	}

	prompt := bot.prompts[len(bot.prompts)-1]
	for _, want := range []string{"User: first question", "DevBot: use a mutex", "Question: how do I avoid races?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}

	// Only bot replies are pushed.
	if len(env.notify.messages) != 2 || env.notify.messages[1].SenderID != BotID {
		t.Fatalf("deliveries=%+v", env.notify.messages)
	}
}

func TestService_ChatWithBotFallback(t *testing.T) {
	env := newServiceEnv(t, WithCompleter(&fakeCompleter{err: errors.New("quota")}))
	ex, err := env.svc.ChatWithBot(context.Background(), "alice", "hello")
	if err != nil {
		t.Fatalf("ChatWithBot: %v", err)
	}
	if ex.BotMessage.Text != botOfflineReply {
		t.Fatalf("reply=%q want offline reply", ex.BotMessage.Text)
	}
	if _, err := env.svc.ChatWithBot(context.Background(), "alice", " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank text err=%v", err)
	}
}
