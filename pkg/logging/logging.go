// Package logging builds the zerolog loggers shared by the WISP binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options controls logger construction
type Options struct {
	Level  string    // trace, debug, info, warn, error; empty means info
	Format string    // console or json; empty means console
	App    string    // value of the "app" field on every event
	Out    io.Writer // defaults to os.Stderr
}

// New builds a logger from opts and installs it as the global zerolog logger.
func New(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(opts.Format) {
	case "", FormatConsole:
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", opts.Format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger, nil
}

// ParseLevel accepts the usual level names, case-insensitively
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}
