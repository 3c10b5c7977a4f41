package server

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestMain silences the global logger once before any test runs, so no
// test writes to it while goroutines from a previous test still log.
func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}
