package botlib

import (
	"context"
	"testing"
	"time"

	"github.com/aeolun/wisp/pkg/client"
	"github.com/aeolun/wisp/pkg/database"
	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 3 * time.Second

func startServer(t *testing.T) string {
	t.Helper()
	store := database.NewMemDB(database.DefaultSeed())
	srv := server.NewServer(server.Config{TCPAddr: "127.0.0.1:0"}, store, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		store.Close()
	})
	return srv.TCPAddr().String()
}

func echoBot(cfg Config) *Bot {
	bot := New(cfg)
	bot.OnMessage(func(ctx *Context, msg *Message) {
		ctx.Reply(msg.Text)
	})
	return bot
}

// runBot starts b over tr and returns the channel its result arrives on
func runBot(ctx context.Context, b *Bot, tr client.TransportInterface) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.run(ctx, tr) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("bot did not return")
		return nil
	}
}

func TestEchoBotAgainstServer(t *testing.T) {
	addr := startServer(t)

	ready := make(chan struct{})
	bot := echoBot(Config{
		Server:          addr,
		User:            "andrei",
		Password:        "dorin",
		Friend:          "colbert",
		ResponseTimeout: testTimeout,
		RetryInterval:   20 * time.Millisecond,
	})
	bot.OnConversation(func(ctx *Context) {
		assert.Equal(t, "colbert", ctx.Friend())
		assert.Equal(t, "andrei", ctx.User())
		close(ready)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	colbert, err := client.NewTransport(addr, client.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), testTimeout)
	defer connectCancel()
	require.NoError(t, colbert.Connect(connectCtx))
	defer colbert.Close()

	resp, err := colbert.Do(connectCtx, &protocol.Request{Command: protocol.CmdAuth, Arg1: "colbert", Arg2: "zhu"})
	require.NoError(t, err)
	require.True(t, resp.IsOK())

	// The bot signs in concurrently, so andrei may not be online yet
	require.Eventually(t, func() bool {
		resp, err := colbert.Do(connectCtx, &protocol.Request{Command: protocol.CmdConv, Arg1: "andrei"})
		return err == nil && resp.IsOK()
	}, testTimeout, 20*time.Millisecond)

	select {
	case <-ready:
	case <-time.After(testTimeout):
		t.Fatal("bot never started the conversation")
	}

	require.NoError(t, colbert.SendText("ping"))
	select {
	case ev := <-colbert.Inbound():
		require.NotNil(t, ev.Message)
		assert.Equal(t, "ping", ev.Message.Text)
	case <-time.After(testTimeout):
		t.Fatal("no echo")
	}

	cancel()
	assert.NoError(t, waitResult(t, done))
}

func TestBotWithMockTransport(t *testing.T) {
	cfg := Config{
		User:            "andrei",
		Password:        "dorin",
		Friend:          "colbert",
		ResponseTimeout: time.Second,
		RetryInterval:   5 * time.Millisecond,
	}

	t.Run("auth rejected", func(t *testing.T) {
		mock := client.NewMockTransport("mock")
		mock.Script(protocol.CmdAuth, protocol.Error("Invalid Cred"))

		err := waitResult(t, runBot(context.Background(), New(cfg), mock))
		assert.ErrorIs(t, err, ErrAuthRejected)
		assert.Contains(t, err.Error(), "Invalid Cred")
	})

	t.Run("connect failure", func(t *testing.T) {
		mock := client.NewMockTransport("mock")
		mock.SetConnectError(client.ErrNoVersions)

		err := waitResult(t, runBot(context.Background(), New(cfg), mock))
		assert.ErrorIs(t, err, client.ErrNoVersions)
	})

	t.Run("friend unknown is not retried", func(t *testing.T) {
		mock := client.NewMockTransport("mock")
		mock.Script(protocol.CmdConv, protocol.Error("Friend Unknown"))

		err := waitResult(t, runBot(context.Background(), New(cfg), mock))
		assert.ErrorIs(t, err, ErrConversationRejected)
		assert.Len(t, mock.SentRequests, 2)
	})

	t.Run("retries until online then echoes", func(t *testing.T) {
		mock := client.NewMockTransport("mock")
		mock.Script(protocol.CmdConv,
			protocol.Error("User offline"),
			protocol.Error("User offline"),
			protocol.OK(),
		)

		bot := echoBot(cfg)
		bot.OnConversation(func(ctx *Context) {
			ctx.Reply("hello")
			ctx.Reply("")
		})
		done := runBot(context.Background(), bot, mock)

		require.Eventually(t, func() bool {
			return len(mock.Texts()) == 1
		}, testTimeout, 5*time.Millisecond)

		mock.SimulateMessage("hi there")
		require.Eventually(t, func() bool {
			return len(mock.Texts()) == 2
		}, testTimeout, 5*time.Millisecond)

		bot.Stop()
		require.NoError(t, waitResult(t, done))

		assert.Equal(t, []string{"hello", "hi there", ""}, mock.Texts())
		assert.True(t, mock.QuitCalled)

		convs := 0
		for _, req := range mock.SentRequests {
			if req.Command == protocol.CmdConv {
				convs++
			}
		}
		assert.Equal(t, 3, convs)
	})

	t.Run("stop while waiting for friend", func(t *testing.T) {
		mock := client.NewMockTransport("mock")
		mock.Script(protocol.CmdConv, protocol.Error("User offline"))

		bot := New(cfg)
		ctx, cancel := context.WithCancel(context.Background())
		done := runBot(ctx, bot, mock)

		time.Sleep(30 * time.Millisecond)
		cancel()
		require.NoError(t, waitResult(t, done))
		assert.True(t, mock.QuitCalled)
		assert.Empty(t, mock.Texts(), "never joined a conversation")
	})

	t.Run("connection failure ends the run", func(t *testing.T) {
		mock := client.NewMockTransport("mock")
		bot := New(cfg)
		bot.OnConversation(func(ctx *Context) {
			mock.SimulateError(client.ErrFraming)
		})

		err := waitResult(t, runBot(context.Background(), bot, mock))
		assert.ErrorIs(t, err, client.ErrFraming)
	})
}

func TestMessageMentions(t *testing.T) {
	tests := []struct {
		text     string
		mentions bool
		stripped string
	}{
		{"@andrei what time is it", true, "what time is it"},
		{"Andrei: hello", true, "hello"},
		{"andrei, hello", true, "hello"},
		{"hello andrei", false, "hello andrei"},
		{"", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			msg := newMessage("colbert", "andrei", &protocol.Message{Text: tt.text})
			assert.Equal(t, tt.mentions, msg.MentionsMe())
			assert.Equal(t, tt.stripped, msg.MentionedContent())
			assert.Equal(t, "colbert", msg.From)
		})
	}

	anonymous := &Message{Text: "@andrei hi"}
	assert.False(t, anonymous.MentionsMe())
	assert.Equal(t, "@andrei hi", anonymous.MentionedContent())
	assert.True(t, (&Message{Text: "  "}).IsEmpty())
}
