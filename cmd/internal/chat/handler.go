package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pulse/cmd/identity"
	authapi "pulse/cmd/internal/auth/api"
	"pulse/cmd/internal/cache"
	"pulse/cmd/internal/httpapi"
)

// ContactsCacheKey holds the full contacts list; callers are filtered out
// per request.
const ContactsCacheKey = "contacts:all"

const defaultReplyCacheTTL = 5 * time.Minute

// ReplyCacheKey names the cached smart replies userID sees for peerID.
func ReplyCacheKey(userID, peerID string) string {
	return "replies:" + userID + ":" + peerID
}

// Handler wires the messages and bot HTTP endpoints.
type Handler struct {
	log         *slog.Logger
	svc         *Service
	users       identity.Store
	contacts    *cache.Loader[[]Contact]
	replies     *cache.Loader[[]string]
	requireAuth func(http.Handler) http.Handler
	maxBody     int64
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithReplyCache sets where smart replies are cached.
func WithReplyCache(l *cache.Loader[[]string]) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.replies = l
		}
	}
}

// NewHandler constructs a Handler. requireAuth must store the caller id with
// authapi.WithUserID.
func NewHandler(log *slog.Logger, svc *Service, users identity.Store, contacts *cache.Loader[[]Contact], requireAuth func(http.Handler) http.Handler, maxBody int64, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil || users == nil || contacts == nil || requireAuth == nil {
		return nil, errors.New("chat: incomplete handler dependencies")
	}
	h := &Handler{
		log:         log,
		svc:         svc,
		users:       users,
		contacts:    contacts,
		requireAuth: requireAuth,
		maxBody:     maxBody,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.replies == nil {
		h.replies = cache.NewLoader[[]string](log, cache.NewMemory(), defaultReplyCacheTTL)
	}
	return h, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.requireAuth(fn))
	}
	route("GET /api/messages/users", h.handleContacts)
	route("GET /api/messages/{peerId}", h.handleConversation)
	route("POST /api/messages/send/{peerId}", h.handleSend)
	route("DELETE /api/messages/{id}", h.handleDelete)
	route("POST /api/bot/chat", h.handleBotChat)
	route("GET /api/bot/info", h.handleBotInfo)
	route("GET /api/ai/summarize/{peerId}", h.handleSummarize)
	route("GET /api/ai/smart-replies/{peerId}", h.handleSmartReplies)
	route("POST /api/ai/moderate", h.handleModerate)
	route("POST /api/ai/translate", h.handleTranslate)
	route("POST /api/ai/detect-language", h.handleDetectLanguage)
	route("POST /api/widget/chat", h.handleWidgetChat)
}

// InvalidateContacts drops the cached contacts list.
func (h *Handler) InvalidateContacts(ctx context.Context) {
	h.contacts.Invalidate(ctx, ContactsCacheKey)
}

type sendRequest struct {
	Text        string `json:"text"`
	Image       string `json:"image"`
	ClientMsgID string `json:"client_msg_id"`
}

type botChatRequest struct {
	Text string `json:"text"`
}

type textRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

func (h *Handler) handleContacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := authapi.UserIDFrom(ctx)

	all, err := h.contacts.Get(ctx, ContactsCacheKey, h.loadContacts)
	if err != nil {
		h.log.Error("chat.contacts.fail", "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	out := make([]Contact, 0, len(all)+1)
	out = append(out, BotProfile)
	for _, c := range all {
		if c.ID != userID {
			out = append(out, c)
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) loadContacts(ctx context.Context) ([]Contact, error) {
	users, err := h.users.ListUsers(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(users))
	for _, u := range users {
		out = append(out, Contact{ID: u.ID, FullName: u.FullName, Email: u.Email, ProfilePic: u.ProfilePic})
	}
	return out, nil
}

func (h *Handler) handleConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := authapi.UserIDFrom(r.Context())
	ms, err := h.svc.Conversation(r.Context(), userID, r.PathValue("peerId"))
	if err != nil {
		h.writeServiceError(w, "chat.conversation.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, ms)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := httpapi.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		if httpapi.IsBodyTooLarge(err) {
			httpapi.WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "message too large")
			return
		}
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	userID, _ := authapi.UserIDFrom(r.Context())
	m, err := h.svc.Send(r.Context(), SendInput{
		SenderID:    userID,
		ReceiverID:  r.PathValue("peerId"),
		Text:        req.Text,
		Image:       req.Image,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		h.writeServiceError(w, "chat.send.fail", err)
		return
	}
	h.invalidateReplies(r.Context(), m)
	httpapi.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, _ := authapi.UserIDFrom(r.Context())
	m, err := h.svc.Delete(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "chat.delete.fail", err)
		return
	}
	h.invalidateReplies(r.Context(), m)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"message": "message deleted", "id": m.ID})
}

func (h *Handler) handleBotChat(w http.ResponseWriter, r *http.Request) {
	var req botChatRequest
	if err := httpapi.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	userID, _ := authapi.UserIDFrom(r.Context())
	ex, err := h.svc.ChatWithBot(r.Context(), userID, req.Text)
	if err != nil {
		h.writeServiceError(w, "chat.bot.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, ex)
}

func (h *Handler) handleBotInfo(w http.ResponseWriter, _ *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, BotProfile)
}

func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	limit := DefaultSummaryMessages
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	userID, _ := authapi.UserIDFrom(r.Context())
	sum, err := h.svc.Summarize(r.Context(), userID, r.PathValue("peerId"), limit)
	if err != nil {
		h.writeServiceError(w, "chat.summarize.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleSmartReplies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := authapi.UserIDFrom(ctx)
	peerID := r.PathValue("peerId")
	replies, err := h.replies.Get(ctx, ReplyCacheKey(userID, peerID), func(ctx context.Context) ([]string, error) {
		return h.svc.SmartReplies(ctx, userID, peerID)
	})
	if err != nil {
		h.writeServiceError(w, "chat.replies.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string][]string{"replies": replies})
}

func (h *Handler) handleModerate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeText(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Moderate(r.Context(), req.Text)
	if err != nil {
		h.writeServiceError(w, "chat.moderate.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeText(w, r)
	if !ok {
		return
	}
	v, err := h.svc.Translate(r.Context(), req.Text, req.TargetLanguage)
	if err != nil {
		h.writeServiceError(w, "chat.translate.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) handleDetectLanguage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeText(w, r)
	if !ok {
		return
	}
	v, err := h.svc.DetectLanguage(r.Context(), req.Text)
	if err != nil {
		h.writeServiceError(w, "chat.detect.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) handleWidgetChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeText(w, r)
	if !ok {
		return
	}
	v, err := h.svc.WidgetChat(r.Context(), req.Text)
	if err != nil {
		h.writeServiceError(w, "chat.widget.fail", err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) decodeText(w http.ResponseWriter, r *http.Request) (textRequest, bool) {
	var req textRequest
	if err := httpapi.DecodeJSON(w, r, h.maxBody, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return req, false
	}
	return req, true
}

// invalidateReplies drops suggestions for both sides of m's conversation.
func (h *Handler) invalidateReplies(ctx context.Context, m Message) {
	h.replies.Invalidate(ctx, ReplyCacheKey(m.SenderID, m.ReceiverID), ReplyCacheKey(m.ReceiverID, m.SenderID))
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	var rl RateLimitError
	var oe OpError
	switch {
	case errors.As(err, &rl):
		httpapi.WriteRateLimited(w, rl.RetryAfter, "sending too fast")
	case errors.Is(err, ErrInvalidInput):
		msg := "invalid input"
		if errors.As(err, &oe) && oe.Msg != "" {
			msg = oe.Msg
		}
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_request", msg)
	case errors.Is(err, ErrNotFound):
		httpapi.WriteError(w, http.StatusNotFound, "not_found", "message not found")
	case errors.Is(err, ErrForbidden):
		httpapi.WriteError(w, http.StatusForbidden, "forbidden", "you can only delete your own messages")
	case errors.Is(err, ErrUnavailable):
		h.log.Warn(event, "err", err)
		httpapi.WriteError(w, http.StatusServiceUnavailable, "unavailable", "assistant unavailable")
	default:
		h.log.Error(event, "err", err)
		httpapi.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
