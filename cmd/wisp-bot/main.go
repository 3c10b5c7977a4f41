// Command wisp-bot signs in as a WISP user, waits for a friend to come
// online and echoes everything the friend says.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeolun/wisp/pkg/botlib"
	"github.com/aeolun/wisp/pkg/logging"
)

func main() {
	server := flag.String("server", "localhost:32500", "Server address (host:port, ws://, ssh://)")
	user := flag.String("user", "", "User to sign in as")
	password := flag.String("password", os.Getenv("WISP_BOT_PASSWORD"), "Password (default $WISP_BOT_PASSWORD)")
	friend := flag.String("friend", "", "Friend to talk to")
	greeting := flag.String("greeting", "echo bot here, say something", "First message once the conversation starts")
	retry := flag.Duration("retry", 2*time.Second, "Interval between attempts while the friend is offline")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *logLevel, App: "wisp-bot"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "wisp-bot: %v\n", err)
		os.Exit(1)
	}
	if *user == "" || *friend == "" {
		logger.Fatal().Msg("-user and -friend are required")
	}

	bot := botlib.New(botlib.Config{
		Server:          *server,
		User:            *user,
		Password:        *password,
		Friend:          *friend,
		Logger:          &logger,
		ResponseTimeout: *timeout,
		RetryInterval:   *retry,
	})

	bot.OnConversation(func(ctx *botlib.Context) {
		if err := ctx.Reply(*greeting); err != nil {
			ctx.Logger().Warn().Err(err).Msg("Failed to greet")
		}
	})

	bot.OnMessage(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Logger().Info().Str("from", msg.From).Str("text", msg.Text).Msg("Echoing")
		if err := ctx.Reply(msg.Text); err != nil {
			ctx.Logger().Warn().Err(err).Msg("Failed to reply")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("server", *server).
		Str("user", *user).
		Str("friend", *friend).
		Msg("Starting bot")

	if err := bot.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Bot error")
		stop()
		os.Exit(1)
	}
}
