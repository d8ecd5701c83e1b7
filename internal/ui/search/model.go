// Package search is the query prompt and result list of the status view.
package search

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

// QueryMsg is emitted when the user submits a query.
type QueryMsg string

// ResultsMsg carries the entries matching a query.
type ResultsMsg struct {
	Query   string
	Entries []model.Entry
	Err     error
}

// Model is the search view.
type Model struct {
	input   textinput.Model
	results ResultsMsg
	width   int
	height  int
}

// New creates a new search model.
func New(width, height int) Model {
	ti := textinput.New()
	ti.Placeholder = "subject, sender or labels:unread"
	ti.Prompt = "/ "
	ti.Focus()
	ti.Width = width - 6

	return Model{
		input:  ti,
		width:  width,
		height: height,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update handles messages for the search view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ResultsMsg:
		m.results = msg
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "enter" {
			q := strings.TrimSpace(m.input.Value())
			return m, func() tea.Msg {
				return QueryMsg(q)
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the prompt above the results.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	lines := []string{titleStyle.Render("Search"), m.input.View(), ""}

	switch {
	case m.results.Err != nil:
		lines = append(lines, theme.ErrorTextStyle.Render(m.results.Err.Error()))
	case m.results.Entries == nil:
	case len(m.results.Entries) == 0:
		lines = append(lines, theme.DimmedStyle.Render("no matches"))
	default:
		limit := max(m.height-8, 1)
		for i, e := range m.results.Entries {
			if i == limit {
				lines = append(lines, theme.DimmedStyle.Render(fmt.Sprintf("… %d more", len(m.results.Entries)-i)))
				break
			}
			lines = append(lines, renderEntry(e))
		}
	}

	return theme.DetailPanelStyle.
		Width(m.width - 4).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderEntry(e model.Entry) string {
	date := "          "
	if !e.Date.IsZero() {
		date = e.Date.Format("2006-01-02")
	}
	subject := e.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf("%s  %s  %s %s",
		theme.DimmedStyle.Render(date),
		subject,
		theme.DimmedStyle.Render(e.From),
		theme.DimmedStyle.Render(strings.Join(e.Labels, ",")),
	)
}

// SetSize updates the search view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.input.Width = width - 6
}

// Focus gives keyboard focus to the text input.
func (m *Model) Focus() tea.Cmd {
	return m.input.Focus()
}
