package botlib

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aeolun/wisp/pkg/client"
	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// reasonUserOffline is the CONV failure that can succeed on a later attempt
const reasonUserOffline = "User offline"

var (
	// ErrAuthRejected means the server refused the bot's credentials
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrConversationRejected means CONV failed for a reason retrying won't fix
	ErrConversationRejected = errors.New("conversation rejected")
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// ConversationHandler is called once the conversation is established.
type ConversationHandler func(ctx *Context)

// Config holds the bot configuration.
type Config struct {
	// Server address, in any form the client accepts (host:port, ws://, ssh://)
	Server string

	// Credentials the bot signs in with
	User     string
	Password string

	// Friend to hold the conversation with
	Friend string

	// Logger for debug output (optional, defaults to a disabled logger)
	Logger *zerolog.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// RetryInterval between CONV attempts while the friend is offline (default: 2s)
	RetryInterval time.Duration

	// HostKey verifies ssh:// servers (default: trust on first use)
	HostKey ssh.HostKeyCallback
}

// Bot is a scripted conversation participant.
type Bot struct {
	config    Config
	logger    zerolog.Logger
	transport client.TransportInterface

	// Handlers
	onMessage      MessageHandler
	onConversation ConversationHandler

	// Lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 2 * time.Second
	}

	return &Bot{
		config: config,
		logger: logger.With().Str("bot", config.User).Logger(),
		stopCh: make(chan struct{}),
	}
}

// OnMessage registers a handler for every message from the friend.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnConversation registers a handler run when the conversation starts.
func (b *Bot) OnConversation(handler ConversationHandler) {
	b.onConversation = handler
}

// Run connects, signs in, waits for the friend to come online and then
// handles the conversation. Blocks until ctx is done, Stop is called or the
// connection is lost.
func (b *Bot) Run(ctx context.Context) error {
	tr, err := client.NewTransport(b.config.Server, client.Options{
		Logger:  b.logger,
		HostKey: b.config.HostKey,
	})
	if err != nil {
		return err
	}
	return b.run(ctx, tr)
}

func (b *Bot) run(ctx context.Context, tr client.TransportInterface) error {
	b.transport = tr

	b.logger.Info().Str("server", tr.Address()).Msg("Connecting")
	connectCtx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
	err := tr.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer tr.Close()

	resp, err := b.do(ctx, &protocol.Request{Command: protocol.CmdAuth, Arg1: b.config.User, Arg2: b.config.Password})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !resp.IsOK() {
		return fmt.Errorf("%w: %s", ErrAuthRejected, resp.Reason())
	}
	b.logger.Info().Msg("Signed in")

	if err := b.startConversation(ctx); err != nil {
		if errors.Is(err, errStopped) {
			b.shutdown()
			return nil
		}
		return err
	}
	b.logger.Info().Str("friend", b.config.Friend).Msg("Conversation started")

	if b.onConversation != nil {
		b.onConversation(&Context{bot: b})
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Context done")
			b.shutdown()
			return nil

		case <-b.stopCh:
			b.logger.Info().Msg("Stop requested")
			b.shutdown()
			return nil

		case err := <-tr.Errors():
			return fmt.Errorf("connection lost: %w", err)

		case ev := <-tr.Inbound():
			if ev.Message == nil {
				continue
			}
			b.handleMessage(newMessage(b.config.Friend, b.config.User, ev.Message))
		}
	}
}

var errStopped = errors.New("stopped")

// startConversation retries CONV until the friend is online
func (b *Bot) startConversation(ctx context.Context) error {
	ticker := time.NewTicker(b.config.RetryInterval)
	defer ticker.Stop()

	for {
		resp, err := b.do(ctx, &protocol.Request{Command: protocol.CmdConv, Arg1: b.config.Friend})
		if err != nil {
			if ctx.Err() != nil {
				return errStopped
			}
			return fmt.Errorf("conv: %w", err)
		}
		if resp.IsOK() {
			return nil
		}
		if resp.Reason() != reasonUserOffline {
			return fmt.Errorf("%w: %s", ErrConversationRejected, resp.Reason())
		}
		b.logger.Debug().Str("friend", b.config.Friend).Msg("Friend offline, retrying")

		select {
		case <-ctx.Done():
			return errStopped
		case <-b.stopCh:
			return errStopped
		case <-ticker.C:
		}
	}
}

func (b *Bot) do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.ResponseTimeout)
	defer cancel()
	return b.transport.Do(ctx, req)
}

func (b *Bot) handleMessage(msg *Message) {
	b.logger.Debug().Str("text", msg.Text).Msg("Message received")
	if b.onMessage != nil {
		b.onMessage(&Context{bot: b, message: msg}, msg)
	}
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// shutdown leaves the conversation and ends the session
func (b *Bot) shutdown() {
	if b.transport.Phase() == protocol.PhaseConversation {
		if err := b.transport.SendText(""); err != nil {
			b.logger.Debug().Err(err).Msg("Failed to leave conversation")
		}
	}
	if err := b.transport.Quit(); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to send QUIT")
	} else {
		// The server hangs up once QUIT is processed
		select {
		case <-b.transport.Done():
		case <-time.After(b.config.ResponseTimeout):
		}
	}
	b.logger.Info().Msg("Bot stopped")
}
