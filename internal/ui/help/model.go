package help

import (
	"fmt"

	"github.com/charmbracelet/bubbles/help"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/keys"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/theme"
)

// Model shows every keybinding and the unread notifications.
type Model struct {
	keys          *keys.KeyMap
	help          help.Model
	notifications []model.Notification
	width         int
	height        int
}

// New creates a new help view model.
func New(keys *keys.KeyMap, width, height int) Model {
	h := help.New()
	h.Width = width
	return Model{
		keys:   keys,
		help:   h,
		width:  width,
		height: height,
	}
}

// Init returns the initial command.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages for the help view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

// SetNotifications replaces the listed notifications.
func (m *Model) SetNotifications(ns []model.Notification) {
	m.notifications = ns
}

// View renders shortcuts followed by notifications, newest first.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	m.help.Width = m.width - 4
	m.help.ShowAll = true

	sections := []string{
		titleStyle.Render("Keyboard Shortcuts"),
		m.help.View(m.keys),
		"",
		titleStyle.Render(fmt.Sprintf("Notifications (%d unread)", len(m.notifications))),
	}
	for _, n := range m.notifications {
		sections = append(sections, fmt.Sprintf("%s  #%d %s",
			theme.DimmedStyle.Render(n.CreatedAt.Format("Jan 02 15:04")),
			n.StoreID,
			theme.ErrorTextStyle.Render(n.Message),
		))
	}

	return theme.DetailPanelStyle.
		Width(m.width - 4).
		Height(max(m.height-4, 0)).
		Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

// SetSize updates the help view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.help.Width = width - 4
}
