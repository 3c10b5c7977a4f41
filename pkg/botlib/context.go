package botlib

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Context provides methods for responding to messages.
// It is passed to handlers and wraps the bot's conversation.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context, or nil when the
// context comes from OnConversation.
func (c *Context) Message() *Message {
	return c.message
}

// Reply sends text to the friend. Long text is split over several
// messages; empty text is ignored because it would end the conversation.
func (c *Context) Reply(text string) error {
	if text == "" {
		return nil
	}
	return c.bot.transport.SendText(text)
}

// Friend returns the user the bot is talking to.
func (c *Context) Friend() string {
	return c.bot.config.Friend
}

// User returns the name the bot signed in with.
func (c *Context) User() string {
	return c.bot.config.User
}

// Logger returns the bot's logger.
func (c *Context) Logger() *zerolog.Logger {
	return &c.bot.logger
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	if c.message == nil {
		return fmt.Sprintf("Context{friend=%s}", c.bot.config.Friend)
	}
	return fmt.Sprintf("Context{friend=%s, text=%q}", c.bot.config.Friend, c.message.Text)
}
