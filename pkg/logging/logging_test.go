package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: FormatJSON, App: "wisp-test", Out: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("session", "abc").Msg("visible")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "visible", event["message"])
	assert.Equal(t, "wisp-test", event["app"])
	assert.Equal(t, "abc", event["session"])
	assert.Contains(t, event, "time")
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Out: &buf})
	require.NoError(t, err)

	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}
