package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("78"))

	ownStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	peerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

// View renders the current view
func (m Model) View() string {
	var body string
	switch m.currentView {
	case ViewLogin:
		body = m.renderLogin()
	case ViewMenu:
		body = m.renderMenu()
	case ViewSearch:
		body = m.renderSearch()
	case ViewConversation:
		body = m.renderConversation()
	default:
		body = "Unknown view"
	}

	return body + "\n" + m.renderFooter()
}

func (m Model) renderLogin() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("WISP - sign in"))
	b.WriteString("\n")
	b.WriteString(m.username.View())
	b.WriteString("\n")
	b.WriteString(m.password.View())
	b.WriteString("\n\n")
	b.WriteString(mutedStyle.Render("tab: switch field • enter: sign in • esc: quit"))
	return boxStyle.Render(b.String())
}

func (m Model) renderMenu() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("WISP - %s", m.self)))
	b.WriteString("\n")

	if len(m.friends) == 0 {
		b.WriteString(mutedStyle.Render("No friends yet. Press s to search."))
		b.WriteString("\n")
	}
	for i, friend := range m.friends {
		if i == m.friendCursor {
			b.WriteString(selectedStyle.Render("> " + friend))
		} else {
			b.WriteString("  " + friend)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("enter: talk • s: search • d: delete • r: refresh • q: quit"))
	return boxStyle.Render(b.String())
}

func (m Model) renderSearch() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Find friends"))
	b.WriteString("\n")
	b.WriteString(m.phrase.View())
	b.WriteString("\n\n")

	for i, user := range m.results {
		if m.resultsFocused && i == m.resultCursor {
			b.WriteString(selectedStyle.Render("> " + user))
		} else {
			b.WriteString("  " + user)
		}
		b.WriteString("\n")
	}
	if len(m.results) > 0 {
		b.WriteString("\n")
	}

	if m.resultsFocused {
		b.WriteString(mutedStyle.Render("enter: add friend • tab: edit search • esc: back"))
	} else {
		b.WriteString(mutedStyle.Render("enter: search • tab: results • esc: back"))
	}
	return boxStyle.Render(b.String())
}

func (m Model) renderConversation() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Talking to %s", m.peer)))
	b.WriteString("\n")
	b.WriteString(m.chat.View())
	b.WriteString("\n")
	b.WriteString(m.chatText.View())
	return b.String()
}

func (m Model) buildChatContent() string {
	if len(m.lines) == 0 {
		return mutedStyle.Render("No messages yet")
	}

	var b strings.Builder
	for i, line := range m.lines {
		if i > 0 {
			b.WriteString("\n")
		}
		name := peerStyle.Render(line.from)
		if line.own {
			name = ownStyle.Render(line.from)
		}
		fmt.Fprintf(&b, "%s %s: %s", mutedStyle.Render(line.at.Format("15:04:05")), name, line.text)
	}
	return b.String()
}

func (m Model) renderFooter() string {
	switch {
	case m.errorMessage != "":
		return errorStyle.Render(m.errorMessage)
	case m.statusMessage != "":
		return statusStyle.Render(m.statusMessage)
	case m.pending:
		return mutedStyle.Render("Waiting for server...")
	default:
		return ""
	}
}
