package protocol

import (
	"fmt"
	"slices"
)

const (
	// DefaultHost is the address the server binds when none is configured
	DefaultHost = "0.0.0.0"

	// DefaultPort is used for TCP sessions and UDP discovery alike
	DefaultPort = 32500

	// DefaultSSHPort carries sessions over an SSH "session" channel
	DefaultSSHPort = 32501

	// DefaultHTTPPort serves the WebSocket transport, metrics and health
	DefaultHTTPPort = 32502

	// DefaultBacklog mirrors the listen queue length of the reference server
	DefaultBacklog = 100

	// ProbeRequest is the exact payload a client broadcasts to find a server
	ProbeRequest = "Is anyone there?"

	// ProbeResponsePrefix precedes the server's dotted-decimal IP in a discovery reply
	ProbeResponsePrefix = "WISPRES:"
)

// SupportedVersions lists the protocol versions this implementation speaks,
// most preferred first.
var SupportedVersions = []string{"1.1"}

// Command is the 4-byte ASCII code at the head of every request PDU
type Command string

const (
	CmdVersion Command = "VERS"
	CmdAuth    Command = "USPS"
	CmdAdd     Command = "ADDU"
	CmdDel     Command = "DELU"
	CmdList    Command = "LIST"
	CmdSearch  Command = "SRCH"
	CmdConv    Command = "CONV"
	CmdQuit    Command = "QUIT"
)

var commandNames = map[Command]string{
	CmdVersion: "VERSION",
	CmdAuth:    "AUTH",
	CmdAdd:     "ADD",
	CmdDel:     "DEL",
	CmdList:    "LIST",
	CmdSearch:  "SEARCH",
	CmdConv:    "CONV",
	CmdQuit:    "QUIT",
}

// Valid reports whether c is one of the eight known command codes
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// String returns the symbolic name of the command (e.g. "AUTH" for "USPS")
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%q)", string(c))
}

// ParseCommand validates a raw command code read off the wire
func ParseCommand(code string) (Command, error) {
	c := Command(code)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, code)
	}
	return c, nil
}

// Phase is the protocol state of a connection
type Phase int

const (
	PhaseListening Phase = iota + 1
	PhaseAuthentication
	PhaseCommand
	PhaseConversation
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "Listening"
	case PhaseAuthentication:
		return "Authentication"
	case PhaseCommand:
		return "Command"
	case PhaseConversation:
		return "Conversation"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Conversation has no entry: only message PDUs are read in that phase.
var legalCommands = map[Phase][]Command{
	PhaseListening:      {CmdVersion},
	PhaseAuthentication: {CmdAuth},
	PhaseCommand:        {CmdAdd, CmdDel, CmdList, CmdSearch, CmdConv, CmdQuit},
}

// Allowed reports whether cmd may be sent while a connection is in phase p
func Allowed(p Phase, cmd Command) bool {
	return slices.Contains(legalCommands[p], cmd)
}

// LegalCommands returns a copy of the command set accepted in phase p
func LegalCommands(p Phase) []Command {
	return slices.Clone(legalCommands[p])
}

// IsSupportedVersion reports whether v appears in SupportedVersions
func IsSupportedVersion(v string) bool {
	return slices.Contains(SupportedVersions, v)
}
