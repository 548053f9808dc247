package chat

import (
	"context"
	"strings"
)

// BotID is the synthetic participant id of the assistant.
const BotID = "ai-assistant-bot"

// BotContextMessages is how many recent messages are sent as context.
const BotContextMessages = 10

// Contact is an entry of the contacts sidebar.
type Contact struct {
	ID         string `json:"id"`
	FullName   string `json:"full_name"`
	Email      string `json:"email,omitempty"`
	ProfilePic string `json:"profile_pic"`
	IsBot      bool   `json:"is_bot,omitempty"`
}

// BotProfile is the assistant as advertised to clients.
var BotProfile = Contact{
	ID:         BotID,
	FullName:   "DevBot - Expert Developer",
	ProfilePic: "/bot-avatar.svg",
	IsBot:      true,
}

// Completer turns a prompt into a reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CannedCompleter answers without a model. Used when no API key is set.
type CannedCompleter struct{}

func (CannedCompleter) Complete(context.Context, string) (string, error) {
	return "DevBot is running without a model key. Set GEMINI_API_KEY to get real answers.", nil
}

const botOfflineReply = "DevBot is temporarily offline. Please try again in a moment."

const botPersona = `You are DevBot, a senior full-stack developer and technical architect.
Give expert, actionable advice with short code examples when useful.
Be concise.`

// buildBotPrompt renders the persona, the recent transcript and the question.
func buildBotPrompt(userID string, history []Message, question string) string {
	var b strings.Builder
	b.WriteString(botPersona)
	if len(history) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		for _, m := range history {
			if strings.TrimSpace(m.Text) == "" {
				continue
			}
			who := "User"
			if m.SenderID == BotID {
				who = "DevBot"
			} else if m.SenderID != userID {
				continue
			}
			b.WriteString(who)
			b.WriteString(": ")
			b.WriteString(m.Text)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:")
	return b.String()
}
