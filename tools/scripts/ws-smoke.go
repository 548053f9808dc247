// Package main provides a CI-friendly end-to-end smoke test for pulse.
//
// It validates:
//   - signup for two fresh users
//   - handshake + subprotocol selection + connection_established
//   - online_users includes both users
//   - send -> 201 + message_new fanout to the receiver
//   - sender converges to one durable entry
//   - idempotent retry by client_msg_id
//   - delete -> message_deleted on the receiver
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"pulse/shared/client"
)

type smokeUser struct {
	name   string
	chat   *client.Chat
	socket *client.Socket

	changes chan string
	done    chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:5001", "API base URL (ws URL is derived)")
		origin  = flag.String("origin", "http://localhost:5173", "Origin header for the WS handshake")
		text    = flag.String("text", "hello pulse 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := deriveWSURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	run := time.Now().UnixNano()
	a := mustSignup(root, "A", *baseURL, run, *timeout)
	b := mustSignup(root, "B", *baseURL, run, *timeout)

	mustConnect(root, a, wsURL, *origin, log, *timeout)
	defer a.socket.Close()
	mustConnect(root, b, wsURL, *origin, log, *timeout)
	defer b.socket.Close()

	aID := a.chat.Conversations.Self()
	bID := b.chat.Conversations.Self()
	if *verbose {
		fmt.Printf("connected: A=%s (%s) B=%s (%s)\n", aID, a.socket.ConnID(), bID, b.socket.ConnID())
	}

	waitUntil(b, *timeout, "B sees A online", func() bool {
		return b.chat.Conversations.IsOnline(aID)
	})

	sent := mustSend(root, a, bID, *text, *timeout)
	if *verbose {
		fmt.Printf("sent: id=%s client_msg_id=%s\n", sent.Message.ID, sent.Message.ClientMsgID)
	}

	waitUntil(b, *timeout, "B receives message_new", func() bool {
		return hasMessage(b.chat.Conversations.Messages(aID), sent.Message.ID)
	})

	waitUntil(a, *timeout, "A converges to one durable entry", func() bool {
		list := a.chat.Conversations.Messages(bID)
		return len(list) == 1 && list[0].Message.ID == sent.Message.ID && !list[0].IsPlaceholder()
	})

	mustIdempotentRetry(root, a, bID, sent, *timeout)

	mustDelete(root, a, sent.Message.ID, *timeout)
	waitUntil(b, *timeout, "B receives message_deleted", func() bool {
		return !hasMessage(b.chat.Conversations.Messages(aID), sent.Message.ID)
	})

	for _, u := range []*smokeUser{a, b} {
		select {
		case err := <-u.done:
			fatalf("%s: socket ended early: %v", u.name, err)
		default:
		}
	}

	fmt.Println("OK")
}

func deriveWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustSignup(parent context.Context, name, baseURL string, run int64, stepTimeout time.Duration) *smokeUser {
	api, err := client.NewAPI(baseURL)
	if err != nil {
		fatalf("%s: api: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	email := fmt.Sprintf("smoke-%s-%d@example.com", strings.ToLower(name), run)
	u, err := api.Signup(ctx, "Smoke "+name, email, "smoke-password-123")
	if err != nil {
		fatalf("%s: signup: %v", name, err)
	}

	su := &smokeUser{name: name, changes: make(chan string, 64), done: make(chan error, 1)}
	conv := client.NewConversations(u.ID, client.WithOnChange(func(peerID string) {
		select {
		case su.changes <- peerID:
		default:
		}
	}))
	su.chat, err = client.NewChat(api, conv)
	if err != nil {
		fatalf("%s: chat: %v", name, err)
	}
	return su
}

func mustConnect(parent context.Context, u *smokeUser, wsURL, origin string, log *slog.Logger, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	sock, err := client.Dial(ctx, wsURL, u.chat.API.Token(), u.chat.Conversations,
		client.WithOrigin(origin),
		client.WithLogger(log.With("user", u.name)),
	)
	if err != nil {
		fatalf("%s: dial: %v", u.name, err)
	}
	u.socket = sock

	go func() { u.done <- sock.Run(parent) }()
}

func mustSend(parent context.Context, u *smokeUser, peerID, text string, stepTimeout time.Duration) client.Entry {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	e, err := u.chat.Send(ctx, peerID, text, "")
	if err != nil {
		fatalf("%s: send: %v", u.name, err)
	}
	if e.Message.ClientMsgID == "" {
		fatalf("%s: stored message lost client_msg_id", u.name)
	}
	return e
}

func mustIdempotentRetry(parent context.Context, u *smokeUser, peerID string, sent client.Entry, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	again, err := u.chat.API.Send(ctx, peerID, client.SendRequest{
		Text:        sent.Message.Text,
		ClientMsgID: sent.Message.ClientMsgID,
	})
	if err != nil {
		fatalf("%s: retry: %v", u.name, err)
	}
	if again.ID != sent.Message.ID {
		fatalf("%s: retry stored a duplicate: got id=%s want id=%s", u.name, again.ID, sent.Message.ID)
	}

	history, err := u.chat.Load(ctx, peerID)
	if err != nil {
		fatalf("%s: history: %v", u.name, err)
	}
	if n := countMessage(history, sent.Message.ID); n != 1 || len(history) != 1 {
		fatalf("%s: history has %d entries (%d matching) after retry, want 1", u.name, len(history), n)
	}
}

func mustDelete(parent context.Context, u *smokeUser, id string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := u.chat.Delete(ctx, id); err != nil {
		fatalf("%s: delete: %v", u.name, err)
	}
}

// waitUntil re-checks cond after every local state change until it holds.
func waitUntil(u *smokeUser, stepTimeout time.Duration, what string, cond func() bool) {
	deadline := time.NewTimer(stepTimeout)
	defer deadline.Stop()

	for !cond() {
		select {
		case <-u.changes:
		case err := <-u.done:
			fatalf("%s: socket ended while waiting for %s: %v", u.name, what, err)
		case <-deadline.C:
			fatalf("%s: timeout waiting for %s", u.name, what)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func hasMessage(list []client.Entry, id string) bool {
	return countMessage(list, id) > 0
}

func countMessage(list []client.Entry, id string) int {
	n := 0
	for _, e := range list {
		if e.Message.ID == id {
			n++
		}
	}
	return n
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
