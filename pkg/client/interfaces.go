package client

import (
	"context"

	"github.com/aeolun/wisp/pkg/protocol"
)

// TransportInterface is the part of Transport the UI and bot depend on.
// Transport implements it; MockTransport stands in for it in tests.
type TransportInterface interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error
	Address() string
	Phase() protocol.Phase

	// Requests and conversation text
	Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	Send(req *protocol.Request) error
	SendText(text string) error
	Quit() error

	// Channels for receiving data
	Inbound() <-chan Event
	Errors() <-chan error
	Done() <-chan struct{}
}

var (
	_ TransportInterface = (*Transport)(nil)
	_ TransportInterface = (*MockTransport)(nil)
)

// StateInterface is the client state the UI persists through.
// State implements it; MockState stands in for it in tests.
type StateInterface interface {
	GetLastUser() string
	SetLastUser(user string) error

	// Conversation history
	AppendHistory(server, peer string, entry HistoryEntry) error
	LoadHistory(server, peer string, limit int) ([]HistoryEntry, error)
}

var (
	_ StateInterface = (*State)(nil)
	_ StateInterface = (*MockState)(nil)
)
