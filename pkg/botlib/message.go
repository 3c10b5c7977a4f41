// Package botlib provides a simple library for building WISP bots.
package botlib

import (
	"strings"
	"time"

	"github.com/aeolun/wisp/pkg/protocol"
)

// Message represents a conversation message received by the bot.
type Message struct {
	From      string // The friend the bot is talking to
	Text      string
	CreatedAt time.Time

	// Internal: the bot's user name for mention detection
	botUser string
}

func newMessage(from, botUser string, msg *protocol.Message) *Message {
	return &Message{
		From:      from,
		Text:      msg.Text,
		CreatedAt: msg.Time(),
		botUser:   botUser,
	}
}

// IsEmpty returns true for a message with no text.
func (m *Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == ""
}

// MentionsMe returns true if the text addresses the bot by name.
// Checks for @name anywhere and "name:" or "name," at the start
// (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botUser == "" {
		return false
	}

	text := strings.ToLower(m.Text)
	name := strings.ToLower(m.botUser)

	if strings.Contains(text, "@"+name) {
		return true
	}
	return strings.HasPrefix(text, name+":") || strings.HasPrefix(text, name+",")
}

// MentionedContent returns the text with the bot mention removed.
func (m *Message) MentionedContent() string {
	if m.botUser == "" {
		return m.Text
	}

	text := strings.ReplaceAll(m.Text, "@"+m.botUser, "")
	lower := strings.ToLower(text)
	name := strings.ToLower(m.botUser)
	if strings.HasPrefix(lower, name+":") || strings.HasPrefix(lower, name+",") {
		text = text[len(name)+1:]
	}
	return strings.TrimSpace(text)
}
