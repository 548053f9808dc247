package realtime

import (
	"reflect"
	"sync"
	"testing"
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

type push struct {
	connID string
	env    v1.Envelope
}

type recordingPusher struct {
	mu     sync.Mutex
	pushes []push
}

func (p *recordingPusher) PushTo(connID string, env v1.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push{connID: connID, env: env})
	return true
}

func (p *recordingPusher) conns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pushes))
	for _, x := range p.pushes {
		out = append(out, x.connID)
	}
	return out
}

func newTestRouter() (*Registry, *Router, *recordingPusher) {
	reg := NewRegistry(nil)
	out := &recordingPusher{}
	return reg, NewRouter(nil, reg, out, newFakeClock()), out
}

func TestRouter_DeliverMessage(t *testing.T) {
	msg := v1.MessagePayload{ID: "m1", SenderID: "alice", ReceiverID: "bob", Text: "hi", CreatedAt: time.Now().UTC()}

	tests := []struct {
		name      string
		online    map[string]string
		wantConns []string
	}{
		{name: "both online distinct", online: map[string]string{"alice": "c1", "bob": "c2"}, wantConns: []string{"c2", "c1"}},
		{name: "receiver offline echoes to sender", online: map[string]string{"alice": "c1"}, wantConns: []string{"c1"}},
		{name: "sender offline", online: map[string]string{"bob": "c2"}, wantConns: []string{"c2"}},
		{name: "nobody online", online: map[string]string{}, wantConns: []string{}},
		{name: "same connection pushed once", online: map[string]string{"alice": "shared", "bob": "shared"}, wantConns: []string{"shared"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, rt, out := newTestRouter()
			for u, c := range tt.online {
				reg.Register(u, c)
			}

			n := rt.DeliverMessage(msg)
			if n != len(tt.wantConns) {
				t.Fatalf("pushes=%d want %d", n, len(tt.wantConns))
			}
			if got := out.conns(); !reflect.DeepEqual(got, tt.wantConns) {
				t.Fatalf("conns=%v want %v", got, tt.wantConns)
			}
			for _, p := range out.pushes {
				if p.env.Type != v1.TypeMessageNew {
					t.Fatalf("type=%q want %q", p.env.Type, v1.TypeMessageNew)
				}
				var got v1.MessagePayload
				if err := p.env.Decode(&got); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if got.ID != "m1" || got.Text != "hi" || got.SenderID != "alice" {
					t.Fatalf("payload=%+v", got)
				}
			}
		})
	}
}

func TestRouter_SelfMessageSingleConnection(t *testing.T) {
	reg, rt, out := newTestRouter()
	reg.Register("alice", "c1")

	n := rt.DeliverMessage(v1.MessagePayload{ID: "m1", SenderID: "alice", ReceiverID: "alice", Text: "note"})
	if n != 1 || len(out.pushes) != 1 {
		t.Fatalf("pushes=%d recorded=%d want 1", n, len(out.pushes))
	}
}

func TestRouter_DeliverDeletedToBothParties(t *testing.T) {
	reg, rt, out := newTestRouter()
	reg.Register("alice", "c1")
	reg.Register("bob", "c2")

	n := rt.DeliverDeleted(v1.MessageDeletedPayload{ID: "m1", SenderID: "alice", ReceiverID: "bob"})
	if n != 2 {
		t.Fatalf("pushes=%d want 2", n)
	}
	for _, p := range out.pushes {
		if p.env.Type != v1.TypeMessageDeleted {
			t.Fatalf("type=%q want %q", p.env.Type, v1.TypeMessageDeleted)
		}
		var got v1.MessageDeletedPayload
		if err := p.env.Decode(&got); err != nil || got.ID != "m1" {
			t.Fatalf("payload=%+v err=%v", got, err)
		}
	}
}

func TestRouter_TypingReceiverOnly(t *testing.T) {
	reg, rt, out := newTestRouter()
	reg.Register("alice", "c1")
	reg.Register("bob", "c2")

	if !rt.Typing("alice", "bob", v1.TypeTyping) {
		t.Fatalf("Typing() = false want true")
	}
	if got := out.conns(); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Fatalf("conns=%v want [c2]", got)
	}

	var p v1.TypingPayload
	if err := out.pushes[0].env.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.SenderID != "alice" || p.Timestamp.IsZero() {
		t.Fatalf("payload=%+v", p)
	}
}

func TestRouter_TypingDroppedWhenOffline(t *testing.T) {
	reg, rt, out := newTestRouter()
	reg.Register("alice", "c1")

	if rt.Typing("alice", "bob", v1.TypeStopTyping) {
		t.Fatalf("Typing() = true for offline receiver")
	}
	if rt.Typing("alice", "alice", "message_new") {
		t.Fatalf("Typing() accepted a non-typing type")
	}
	if len(out.pushes) != 0 {
		t.Fatalf("pushes=%d want 0", len(out.pushes))
	}
}
