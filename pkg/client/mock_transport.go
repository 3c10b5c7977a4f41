package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/wisp/pkg/protocol"
)

// MockTransport is a test implementation of TransportInterface. Requests
// are answered from scripted responses and recorded for verification.
type MockTransport struct {
	mu sync.RWMutex

	// State
	connected  bool
	phase      protocol.Phase
	address    string
	connectErr error
	doErr      error
	responses  map[protocol.Command][]*protocol.Response

	// Channels for communication
	inbound   chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	// Sent PDUs for verification
	SentRequests []*protocol.Request
	SentTexts    []string
	QuitCalled   bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport(address string) *MockTransport {
	return &MockTransport{
		phase:     protocol.PhaseListening,
		address:   address,
		responses: make(map[protocol.Command][]*protocol.Response),
		inbound:   make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Connect simulates connecting and the version handshake
func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}

	m.connected = true
	m.phase = protocol.PhaseAuthentication
	return nil
}

// Close marks the mock as disconnected
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Address returns the mock address
func (m *MockTransport) Address() string {
	return m.address
}

func (m *MockTransport) Phase() protocol.Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Do records req and returns the next scripted response for its command.
// With nothing scripted the answer is OK with no data.
func (m *MockTransport) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doErr != nil {
		return nil, m.doErr
	}
	if !protocol.Allowed(m.phase, req.Command) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotAllowed, req.Command, m.phase)
	}

	m.SentRequests = append(m.SentRequests, req)
	resp := m.nextResponse(req.Command)
	if resp.IsOK() {
		switch req.Command {
		case protocol.CmdAuth:
			m.phase = protocol.PhaseCommand
		case protocol.CmdConv:
			m.phase = protocol.PhaseConversation
		}
	}
	return resp, nil
}

func (m *MockTransport) nextResponse(cmd protocol.Command) *protocol.Response {
	queue := m.responses[cmd]
	if len(queue) == 0 {
		return protocol.OK()
	}
	resp := queue[0]
	// The last scripted response repeats
	if len(queue) > 1 {
		m.responses[cmd] = queue[1:]
	}
	return resp
}

// Send records req and delivers its scripted response on Inbound
func (m *MockTransport) Send(req *protocol.Request) error {
	resp, err := m.Do(context.Background(), req)
	if err != nil {
		return err
	}
	m.inbound <- Event{Request: req, Response: resp}
	return nil
}

// SendText records text; empty text leaves the conversation
func (m *MockTransport) SendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != protocol.PhaseConversation {
		return fmt.Errorf("%w: message in %s", ErrNotAllowed, m.phase)
	}
	m.SentTexts = append(m.SentTexts, text)
	if text == "" {
		m.phase = protocol.PhaseCommand
	}
	return nil
}

// Quit records the call and disconnects
func (m *MockTransport) Quit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuitCalled = true
	m.connected = false
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Inbound returns the inbound event channel
func (m *MockTransport) Inbound() <-chan Event {
	return m.inbound
}

// Errors returns the error channel
func (m *MockTransport) Errors() <-chan error {
	return m.errors
}

// Done is closed by Close and Quit
func (m *MockTransport) Done() <-chan struct{} {
	return m.done
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockTransport) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetDoError sets an error to return from Do()
func (m *MockTransport) SetDoError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doErr = err
}

// SetPhase forces the tracked phase
func (m *MockTransport) SetPhase(p protocol.Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = p
}

// Script queues responses for cmd, answered in order
func (m *MockTransport) Script(cmd protocol.Command, responses ...*protocol.Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmd] = append(m.responses[cmd], responses...)
}

// IsConnected returns the connection status
func (m *MockTransport) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SimulateMessage delivers a conversation message on Inbound
func (m *MockTransport) SimulateMessage(text string) {
	msg := protocol.NewMessage(text)
	m.inbound <- Event{Message: &msg}
}

// SimulateError sends an error to the errors channel
func (m *MockTransport) SimulateError(err error) {
	m.errors <- err
}

// LastRequest returns the most recent request, or an error if none
func (m *MockTransport) LastRequest() (*protocol.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.SentRequests) == 0 {
		return nil, fmt.Errorf("no requests sent")
	}
	return m.SentRequests[len(m.SentRequests)-1], nil
}

// Texts returns a copy of the conversation text sent so far
func (m *MockTransport) Texts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.SentTexts...)
}
