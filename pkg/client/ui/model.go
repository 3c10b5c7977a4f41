package ui

import (
	"context"
	"time"

	"github.com/aeolun/wisp/pkg/client"
	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
)

// ViewState represents the current view
type ViewState int

const (
	ViewLogin ViewState = iota
	ViewMenu
	ViewSearch
	ViewConversation
)

func (v ViewState) String() string {
	switch v {
	case ViewLogin:
		return "login"
	case ViewMenu:
		return "menu"
	case ViewSearch:
		return "search"
	case ViewConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// Options configure the terminal client
type Options struct {
	Logger zerolog.Logger
	// RequestTimeout bounds every request; zero means client.DefaultRequestTimeout
	RequestTimeout time.Duration
	// Notify raises a desktop notification for each incoming message
	Notify bool
	// Username pre-fills the login form; empty means the last user in State
	Username string
	// State keeps the last user and conversation history between runs; nil
	// disables persistence
	State client.StateInterface
}

// historyLimit is how many stored lines a conversation opens with
const historyLimit = 50

// chatLine is one rendered conversation entry
type chatLine struct {
	at   time.Time
	from string
	text string
	own  bool
}

// Model represents the application state
type Model struct {
	conn    client.TransportInterface
	state   client.StateInterface
	logger  zerolog.Logger
	timeout time.Duration
	notify  bool

	currentView ViewState
	width       int
	height      int

	// Login
	username   textinput.Model
	password   textinput.Model
	loginFocus int // 0 = username, 1 = password
	self       string

	// Menu
	friends      []string
	friendCursor int

	// Search
	phrase         textinput.Model
	results        []string
	resultCursor   int
	resultsFocused bool

	// Conversation
	peer     string
	lines    []chatLine
	chat     viewport.Model
	chatText textinput.Model

	// Status
	pending       bool // A request is in flight
	errorMessage  string
	statusMessage string
	err           error // Fatal error that ended the program
}

// NewModel creates the client model over conn. conn must already be
// connected and in the Authentication phase.
func NewModel(conn client.TransportInterface, opts Options) Model {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = client.DefaultRequestTimeout
	}
	if opts.Username == "" && opts.State != nil {
		opts.Username = opts.State.GetLastUser()
	}

	username := textinput.New()
	username.Placeholder = "username"
	username.CharLimit = protocol.FieldSize
	username.SetValue(opts.Username)
	username.Focus()

	password := textinput.New()
	password.Placeholder = "password"
	password.CharLimit = protocol.FieldSize
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'

	phrase := textinput.New()
	phrase.Placeholder = "name or part of a name"
	phrase.CharLimit = protocol.FieldSize

	chatText := textinput.New()
	chatText.Placeholder = "type a message, empty line to leave"

	m := Model{
		conn:        conn,
		state:       opts.State,
		logger:      opts.Logger,
		timeout:     timeout,
		notify:      opts.Notify,
		currentView: ViewLogin,
		username:    username,
		password:    password,
		phrase:      phrase,
		chat:        viewport.New(80, 16),
		chatText:    chatText,
	}
	if opts.Username != "" {
		m.focusLogin(1)
	}
	return m
}

// Err returns the error that ended the program, if any
func (m Model) Err() error {
	return m.err
}

// CurrentView returns the active view
func (m Model) CurrentView() ViewState {
	return m.currentView
}

// Message types for bubbletea

// ResponseMsg carries the outcome of a request made with Do
type ResponseMsg struct {
	Request  *protocol.Request
	Response *protocol.Response
	Err      error
}

// InboundMsg wraps an event pushed by the transport
type InboundMsg struct {
	Event client.Event
}

// TransportErrorMsg is sent when the connection ends
type TransportErrorMsg struct {
	Err error
}

// notifyFailedMsg reports a desktop notification that could not be shown
type notifyFailedMsg struct {
	err error
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		listenForInbound(m.conn),
	)
}

// listenForInbound waits for the next pushed event or transport error
func listenForInbound(conn client.TransportInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-conn.Inbound():
			return InboundMsg{Event: ev}
		case err := <-conn.Errors():
			return TransportErrorMsg{Err: err}
		}
	}
}

// request runs req through Do with the configured timeout
func (m *Model) request(req *protocol.Request) tea.Cmd {
	m.pending = true
	conn := m.conn
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := conn.Do(ctx, req)
		return ResponseMsg{Request: req, Response: resp, Err: err}
	}
}

func (m *Model) focusLogin(field int) {
	m.loginFocus = field
	if field == 0 {
		m.username.Focus()
		m.password.Blur()
		return
	}
	m.username.Blur()
	m.password.Focus()
}
