package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/wisp/pkg/client"
	"github.com/aeolun/wisp/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// notify is swapped out in tests
var notify = func(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m.quit()
		}
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatHeight := msg.Height - 6 // Title, input and help lines
		if chatHeight < 3 {
			chatHeight = 3
		}
		m.chat.Width = msg.Width - 2
		m.chat.Height = chatHeight
		m.chatText.Width = msg.Width - 4
		m.chat.SetContent(m.buildChatContent())
		return m, nil

	case ResponseMsg:
		m.pending = false
		if msg.Err != nil {
			return m.handleRequestError(msg)
		}
		return m.handleResponse(msg.Request, msg.Response)

	case InboundMsg:
		return m.handleInbound(msg.Event)

	case TransportErrorMsg:
		m.logger.Error().Err(msg.Err).Msg("Connection ended")
		m.err = msg.Err
		return m, tea.Quit

	case notifyFailedMsg:
		m.logger.Debug().Err(msg.err).Msg("Failed to send desktop notification")
		return m, nil
	}

	return m.updateFocusedInput(msg)
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.currentView {
	case ViewLogin:
		return m.handleLoginKeys(msg)
	case ViewMenu:
		return m.handleMenuKeys(msg)
	case ViewSearch:
		return m.handleSearchKeys(msg)
	case ViewConversation:
		return m.handleConversationKeys(msg)
	}
	return m, nil
}

func (m Model) handleLoginKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		m.focusLogin(1 - m.loginFocus)
		return m, nil

	case tea.KeyEsc:
		return m.quit()

	case tea.KeyEnter:
		if m.loginFocus == 0 {
			m.focusLogin(1)
			return m, nil
		}
		if m.pending {
			return m, nil
		}

		user := strings.TrimSpace(m.username.Value())
		if user == "" {
			m.errorMessage = "Username is required"
			m.focusLogin(0)
			return m, nil
		}
		if err := checkField("username", user); err != nil {
			m.errorMessage = err.Error()
			return m, nil
		}
		if err := checkField("password", m.password.Value()); err != nil {
			m.errorMessage = err.Error()
			return m, nil
		}

		m.errorMessage = ""
		m.statusMessage = "Signing in..."
		return m, m.request(&protocol.Request{Command: protocol.CmdAuth, Arg1: user, Arg2: m.password.Value()})
	}

	return m.updateFocusedInput(msg)
}

func (m Model) handleMenuKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pending {
		return m, nil
	}

	switch msg.String() {
	case "up", "k":
		if m.friendCursor > 0 {
			m.friendCursor--
		}
	case "down", "j":
		if m.friendCursor < len(m.friends)-1 {
			m.friendCursor++
		}
	case "r":
		m.errorMessage = ""
		return m, m.request(&protocol.Request{Command: protocol.CmdList})
	case "s", "/":
		m.currentView = ViewSearch
		m.errorMessage = ""
		m.statusMessage = ""
		m.results = nil
		m.resultCursor = 0
		m.resultsFocused = false
		m.phrase.Reset()
		return m, m.phrase.Focus()
	case "d", "delete":
		friend, ok := m.selectedFriend()
		if !ok {
			return m, nil
		}
		m.errorMessage = ""
		return m, m.request(&protocol.Request{Command: protocol.CmdDel, Arg1: friend})
	case "enter", "t":
		friend, ok := m.selectedFriend()
		if !ok {
			return m, nil
		}
		m.errorMessage = ""
		m.statusMessage = fmt.Sprintf("Calling %s...", friend)
		return m, m.request(&protocol.Request{Command: protocol.CmdConv, Arg1: friend})
	case "q":
		return m.quit()
	}
	return m, nil
}

func (m Model) handleSearchKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.currentView = ViewMenu
		m.phrase.Blur()
		return m, nil

	case tea.KeyTab:
		if len(m.results) == 0 {
			return m, nil
		}
		m.resultsFocused = !m.resultsFocused
		if m.resultsFocused {
			m.phrase.Blur()
			return m, nil
		}
		return m, m.phrase.Focus()

	case tea.KeyUp:
		if m.resultsFocused && m.resultCursor > 0 {
			m.resultCursor--
		}
		return m, nil

	case tea.KeyDown:
		if m.resultsFocused && m.resultCursor < len(m.results)-1 {
			m.resultCursor++
		}
		return m, nil

	case tea.KeyEnter:
		if m.pending {
			return m, nil
		}
		m.errorMessage = ""
		if m.resultsFocused {
			if m.resultCursor >= len(m.results) {
				return m, nil
			}
			return m, m.request(&protocol.Request{Command: protocol.CmdAdd, Arg1: m.results[m.resultCursor]})
		}

		phrase := strings.TrimSpace(m.phrase.Value())
		if err := checkField("search phrase", phrase); err != nil {
			m.errorMessage = err.Error()
			return m, nil
		}
		return m, m.request(&protocol.Request{Command: protocol.CmdSearch, Arg1: phrase})
	}

	if m.resultsFocused {
		return m, nil
	}
	return m.updateFocusedInput(msg)
}

func (m Model) handleConversationKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		return m.leaveConversation()

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		text := m.chatText.Value()
		if text == "" {
			return m.leaveConversation()
		}
		if err := m.conn.SendText(text); err != nil {
			m.errorMessage = err.Error()
			return m, nil
		}
		m.chatText.Reset()
		m.appendLine(chatLine{at: time.Now(), from: m.self, text: text, own: true})
		return m, nil
	}

	return m.updateFocusedInput(msg)
}

func (m Model) leaveConversation() (tea.Model, tea.Cmd) {
	if err := m.conn.SendText(""); err != nil {
		m.errorMessage = err.Error()
	}
	m.logger.Debug().Str("peer", m.peer).Msg("Left conversation")
	m.chatText.Blur()
	m.chatText.Reset()
	m.currentView = ViewMenu
	m.statusMessage = ""
	return m, m.request(&protocol.Request{Command: protocol.CmdList})
}

// updateFocusedInput forwards msg to the text input of the current view
func (m Model) updateFocusedInput(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.currentView {
	case ViewLogin:
		if m.loginFocus == 0 {
			m.username, cmd = m.username.Update(msg)
		} else {
			m.password, cmd = m.password.Update(msg)
		}
	case ViewSearch:
		m.phrase, cmd = m.phrase.Update(msg)
	case ViewConversation:
		m.chatText, cmd = m.chatText.Update(msg)
	}
	return m, cmd
}

func (m Model) handleRequestError(msg ResponseMsg) (tea.Model, tea.Cmd) {
	m.statusMessage = ""
	switch {
	case errors.Is(msg.Err, client.ErrTimeout):
		m.errorMessage = fmt.Sprintf("%s timed out", msg.Request.Command)
		return m, nil
	case errors.Is(msg.Err, client.ErrNotAllowed):
		m.errorMessage = msg.Err.Error()
		return m, nil
	default:
		// The transport is gone; the fatal error itself arrives on Errors
		m.logger.Error().Err(msg.Err).Str("request", msg.Request.String()).Msg("Request failed")
		m.err = msg.Err
		return m, tea.Quit
	}
}

func (m Model) handleResponse(req *protocol.Request, resp *protocol.Response) (tea.Model, tea.Cmd) {
	m.statusMessage = ""
	if !resp.IsOK() {
		m.errorMessage = resp.Reason()
		if req.Command == protocol.CmdAuth {
			m.password.Reset()
			m.focusLogin(1)
		}
		return m, nil
	}

	switch req.Command {
	case protocol.CmdAuth:
		m.self = req.Arg1
		m.password.Reset()
		m.username.Blur()
		m.password.Blur()
		m.errorMessage = ""
		m.currentView = ViewMenu
		m.logger.Info().Str("user", m.self).Msg("Signed in")
		if m.state != nil {
			if err := m.state.SetLastUser(m.self); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to save last user")
			}
		}
		return m, m.request(&protocol.Request{Command: protocol.CmdList})

	case protocol.CmdList:
		m.friends = resp.Data
		if m.friendCursor >= len(m.friends) {
			m.friendCursor = max(len(m.friends)-1, 0)
		}

	case protocol.CmdSearch:
		m.results = resp.Data
		m.resultCursor = 0
		if len(m.results) == 0 {
			m.statusMessage = "Nobody matches"
			return m, nil
		}
		m.resultsFocused = true
		m.phrase.Blur()

	case protocol.CmdAdd:
		m.statusMessage = fmt.Sprintf("Added %s", req.Arg1)
		m.currentView = ViewMenu
		return m, m.request(&protocol.Request{Command: protocol.CmdList})

	case protocol.CmdDel:
		m.statusMessage = fmt.Sprintf("Removed %s", req.Arg1)
		return m, m.request(&protocol.Request{Command: protocol.CmdList})

	case protocol.CmdConv:
		m.peer = req.Arg1
		m.lines = m.loadHistory()
		m.chat.SetContent(m.buildChatContent())
		m.chat.GotoBottom()
		m.currentView = ViewConversation
		m.logger.Debug().Str("peer", m.peer).Msg("Conversation started")
		return m, m.chatText.Focus()
	}
	return m, nil
}

func (m Model) handleInbound(ev client.Event) (tea.Model, tea.Cmd) {
	next := listenForInbound(m.conn)

	if ev.Message == nil {
		// Only Do is used, so a response here has no caller
		if ev.Response != nil {
			m.logger.Warn().Str("response", ev.Response.String()).Msg("Ignoring unexpected response")
		}
		return m, next
	}

	from := m.peer
	if from == "" {
		from = "?"
	}
	m.appendLine(chatLine{at: ev.Message.Time(), from: from, text: ev.Message.Text})

	if !m.notify {
		return m, next
	}
	title := fmt.Sprintf("WISP - %s", from)
	body := ev.Message.Text
	return m, tea.Batch(next, func() tea.Msg {
		if err := notify(title, body); err != nil {
			return notifyFailedMsg{err: err}
		}
		return nil
	})
}

func (m *Model) appendLine(line chatLine) {
	m.lines = append(m.lines, line)
	m.chat.SetContent(m.buildChatContent())
	m.chat.GotoBottom()

	if m.state == nil || m.peer == "" {
		return
	}
	entry := client.HistoryEntry{At: line.at, From: line.from, Text: line.text, Own: line.own}
	if err := m.state.AppendHistory(m.conn.Address(), m.peer, entry); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to save history")
	}
}

// loadHistory returns the stored lines of the conversation with m.peer
func (m Model) loadHistory() []chatLine {
	if m.state == nil {
		return nil
	}
	entries, err := m.state.LoadHistory(m.conn.Address(), m.peer, historyLimit)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to load history")
		return nil
	}

	lines := make([]chatLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, chatLine{at: e.At, from: e.From, text: e.Text, own: e.Own})
	}
	return lines
}

func (m Model) selectedFriend() (string, bool) {
	if m.friendCursor < 0 || m.friendCursor >= len(m.friends) {
		return "", false
	}
	return m.friends[m.friendCursor], true
}

// quit ends the session. QUIT is only legal in the Command phase; from
// anywhere else the connection is just closed.
func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.conn.Phase() == protocol.PhaseConversation {
		m.conn.SendText("")
	}
	if err := m.conn.Quit(); err != nil {
		m.conn.Close()
	}
	return m, tea.Quit
}

// checkField rejects values that do not fit a request argument
func checkField(name, value string) error {
	if len(value) > protocol.FieldSize {
		return fmt.Errorf("%s is longer than %d bytes", name, protocol.FieldSize)
	}
	return nil
}
