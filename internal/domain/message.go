package domain

import (
	"time"
	"unicode/utf8"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatMessage is one persisted turn of a conversation.
// SessionID is empty for messages sent outside a named session.
type ChatMessage struct {
	ID        string    `json:"id" bson:"_id"`
	UserID    string    `json:"-" bson:"user_id"`
	Email     string    `json:"-" bson:"email,omitempty"`
	Name      string    `json:"-" bson:"name,omitempty"`
	SessionID string    `json:"session_id,omitempty" bson:"session_id"`
	Role      string    `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	Persona   string    `json:"persona,omitempty" bson:"persona,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// StoredMessage is the role/content pair fed back to the model.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turns strips persistence fields from messages.
func Turns(msgs []ChatMessage) []StoredMessage {
	out := make([]StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StoredMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// ValidRole reports whether role may be persisted.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	maxTitleRunes   = 40
	shortTitleRunes = 15
)

// TitleFromPrompt derives a session title from the first user message.
func TitleFromPrompt(prompt string) string {
	title := collapseSpaces(prompt)
	if title == "" {
		return "New chat"
	}
	return truncateRunes(title, maxTitleRunes, "")
}

// ShortTitle returns a sidebar-sized title.
func ShortTitle(title string) string {
	return truncateRunes(title, shortTitleRunes, "...")
}

func truncateRunes(s string, n int, suffix string) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + suffix
}

func collapseSpaces(s string) string {
	out := make([]rune, 0, len(s))
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			space = len(out) > 0
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, r)
	}
	return string(out)
}
