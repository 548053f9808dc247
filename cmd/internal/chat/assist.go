package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultSummaryMessages is how many recent messages a summary covers.
	DefaultSummaryMessages = 50
	MaxSummaryMessages     = 200

	// Conversations shorter than this are described, not summarized.
	minSummaryMessages = 3

	replyContextMessages = 10
	replyPromptMessages  = 5
	maxSmartReplies      = 3
)

var (
	openingReplies  = []string{"Hello!", "How are you?", "Nice to meet you!"}
	fallbackReplies = []string{"Thanks!", "Got it", "Sounds good"}
)

const quotaSummary = "Summary unavailable: the daily model quota is exhausted. Try again later."

// TimeRange spans the first and last message a summary covers.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary is the result of Summarize.
type Summary struct {
	Summary      string     `json:"summary"`
	MessageCount int        `json:"message_count"`
	TimeRange    *TimeRange `json:"time_range,omitempty"`
}

// Moderation is a toxicity verdict for one text.
type Moderation struct {
	IsToxic    bool    `json:"is_toxic"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Translation is the result of Translate.
type Translation struct {
	OriginalText   string  `json:"original_text"`
	TranslatedText string  `json:"translated_text"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
	Confidence     float64 `json:"confidence"`
}

// Detection is the result of DetectLanguage.
type Detection struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// WidgetReply is the result of WidgetChat.
type WidgetReply struct {
	UserMessage string `json:"user_message"`
	BotResponse string `json:"bot_response"`
}

var languageNames = map[string]string{
	"en": "English", "es": "Spanish", "fr": "French", "de": "German",
	"it": "Italian", "pt": "Portuguese", "ru": "Russian", "ja": "Japanese",
	"ko": "Korean", "zh": "Chinese", "ar": "Arabic", "hi": "Hindi",
}

// Summarize condenses the recent conversation between userID and peerID.
// Fewer than three messages get a short description instead of a model call.
func (s *Service) Summarize(ctx context.Context, userID, peerID string, limit int) (Summary, error) {
	const op = "chat.Summarize"

	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return Summary{}, invalid(op, "peer id is required")
	}
	if limit <= 0 {
		limit = DefaultSummaryMessages
	}
	limit = min(limit, MaxSummaryMessages)

	ms, err := s.store.Conversation(ctx, userID, peerID, limit)
	if err != nil {
		return Summary{}, err
	}
	if len(ms) == 0 {
		return Summary{}, invalid(op, "no messages found in this conversation")
	}

	out := Summary{
		MessageCount: len(ms),
		TimeRange:    &TimeRange{Start: ms[0].CreatedAt, End: ms[len(ms)-1].CreatedAt},
	}
	if len(ms) < minSummaryMessages {
		noun := "messages"
		if len(ms) == 1 {
			noun = "message"
		}
		out.Summary = fmt.Sprintf("This conversation has %d %s. Too few messages to generate a meaningful summary.", len(ms), noun)
		return out, nil
	}

	transcript := renderTranscript(userID, ms)
	if transcript == "" {
		out.Summary = "No text messages found to summarize."
		return out, nil
	}

	text, err := s.complete(ctx, "Summarize in 2 sentences:\n"+transcript)
	switch {
	case err == nil:
		out.Summary = text
	case isQuotaError(err):
		out.Summary = quotaSummary
	default:
		return Summary{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "summary service unavailable"}
	}
	return out, nil
}

// SmartReplies suggests up to three short replies userID could send to peerID.
// Model failures degrade to generic replies.
func (s *Service) SmartReplies(ctx context.Context, userID, peerID string) ([]string, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, invalid("chat.SmartReplies", "peer id is required")
	}
	ms, err := s.store.Conversation(ctx, userID, peerID, replyContextMessages)
	if err != nil {
		return nil, err
	}
	if len(ms) > replyPromptMessages {
		ms = ms[len(ms)-replyPromptMessages:]
	}
	transcript := renderTranscript(userID, ms)
	if transcript == "" {
		return openingReplies, nil
	}

	text, err := s.complete(ctx, "Reply options for Me:\n"+transcript+"\n\nJSON array of 3 brief replies:")
	if err != nil {
		return fallbackReplies, nil
	}
	var replies []string
	if err := json.Unmarshal([]byte(extractJSON(text)), &replies); err != nil {
		replies = nonEmptyLines(text)
	}
	replies = compactReplies(replies)
	if len(replies) == 0 {
		return fallbackReplies, nil
	}
	return replies, nil
}

// Moderate asks the model whether text is toxic. An unusable verdict is
// reported as not toxic with zero confidence.
func (s *Service) Moderate(ctx context.Context, text string) (Moderation, error) {
	text, err := assistText("chat.Moderate", text)
	if err != nil {
		return Moderation{}, err
	}
	raw, err := s.complete(ctx, `Is this toxic? JSON: {"isToxic": bool, "confidence": 0-1, "reason": "text"}`+"\n"+quoteText(text))
	if err != nil {
		return Moderation{Reason: "Moderation unavailable"}, nil
	}
	var v struct {
		IsToxic    bool    `json:"isToxic"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
		return Moderation{Reason: "Unable to analyze"}, nil
	}
	return Moderation{IsToxic: v.IsToxic, Confidence: clamp01(v.Confidence), Reason: v.Reason}, nil
}

// Translate renders text in target (an ISO 639-1 code, default "en").
// Failures return the original text with zero confidence.
func (s *Service) Translate(ctx context.Context, text, target string) (Translation, error) {
	text, err := assistText("chat.Translate", text)
	if err != nil {
		return Translation{}, err
	}
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		target = "en"
	}
	name := languageNames[target]
	if name == "" {
		name = target
	}

	out := Translation{OriginalText: text, TranslatedText: text, SourceLanguage: "unknown", TargetLanguage: target}
	raw, err := s.complete(ctx, "Translate the following text to "+name+". Also detect the source language. "+
		`Respond in JSON format: {"translatedText": "translation", "sourceLanguage": "detected_language_code", "confidence": 0.95}`+
		"\n\nText: "+quoteText(text))
	if err != nil {
		return out, nil
	}
	var v struct {
		TranslatedText string  `json:"translatedText"`
		SourceLanguage string  `json:"sourceLanguage"`
		Confidence     float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
		out.TranslatedText = raw
		out.Confidence = 0.8
		return out, nil
	}
	if v.TranslatedText != "" {
		out.TranslatedText = v.TranslatedText
	}
	if v.SourceLanguage != "" {
		out.SourceLanguage = v.SourceLanguage
	}
	out.Confidence = 0.9
	if v.Confidence > 0 {
		out.Confidence = clamp01(v.Confidence)
	}
	return out, nil
}

// DetectLanguage guesses the language of text, defaulting to English.
func (s *Service) DetectLanguage(ctx context.Context, text string) (Detection, error) {
	text, err := assistText("chat.DetectLanguage", text)
	if err != nil {
		return Detection{}, err
	}
	raw, err := s.complete(ctx, `Detect the language of this text and respond with JSON format: {"language": "language_code", "confidence": 0.95}`+
		"\n\nText: "+quoteText(text))
	if err != nil {
		return Detection{Language: "en"}, nil
	}
	var v Detection
	if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
		return Detection{Language: "en", Confidence: 0.5}, nil
	}
	if v.Language == "" {
		v.Language = "en"
	}
	if v.Confidence <= 0 {
		v.Confidence = 0.9
	}
	v.Confidence = clamp01(v.Confidence)
	return v, nil
}

const widgetPersona = `You are PulseBot, a helpful general-purpose assistant.
Answer strictly within the topic of the question, be concise and friendly,
and say so when you are unsure.`

// WidgetChat answers a one-off question without storing it.
func (s *Service) WidgetChat(ctx context.Context, text string) (WidgetReply, error) {
	text, err := assistText("chat.WidgetChat", text)
	if err != nil {
		return WidgetReply{}, err
	}
	reply, err := s.complete(ctx, widgetPersona+"\n\nQuestion: "+text+"\n\nResponse:")
	switch {
	case err == nil:
	case isQuotaError(err):
		reply = "I've reached my daily quota limit. Please try again later."
	default:
		reply = "I'm having trouble processing your request right now. Please try again in a moment."
	}
	return WidgetReply{UserMessage: text, BotResponse: reply}, nil
}

// complete runs one model call and records its outcome.
func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	text, err := s.bot.Complete(ctx, prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	if err != nil {
		s.metrics.completion("error")
		s.log.Warn("chat.assist.complete.fail", "err", err)
		return "", err
	}
	s.metrics.completion("ok")
	return strings.TrimSpace(text), nil
}

func assistText(op, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", invalid(op, "text is required")
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return "", invalid(op, "text is too long")
	}
	return text, nil
}

// renderTranscript writes text messages as "Me:"/"Them:" lines from
// userID's point of view.
func renderTranscript(userID string, ms []Message) string {
	var b strings.Builder
	for _, m := range ms {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		who := "Them"
		if m.SenderID == userID {
			who = "Me"
		}
		b.WriteString(who)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func isQuotaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted")
}

// extractJSON returns the outermost JSON object or array in s, ignoring
// markdown fences and surrounding prose.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s
	}
	return s[start : end+1]
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "```") {
			out = append(out, line)
		}
	}
	return out
}

// compactReplies trims list markers and quotes and keeps the first three.
func compactReplies(in []string) []string {
	out := make([]string, 0, maxSmartReplies)
	for _, r := range in {
		r = strings.TrimSpace(strings.TrimLeft(r, "-*0123456789. "))
		r = strings.Trim(r, `"`)
		if r == "" {
			continue
		}
		out = append(out, r)
		if len(out) == maxSmartReplies {
			break
		}
	}
	return out
}

func clamp01(f float64) float64 {
	return max(0, min(f, 1))
}

func quoteText(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
