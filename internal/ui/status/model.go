// Package status renders the registered stores and their sync health.
package status

import (
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/keys"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

// Model is the store status list.
type Model struct {
	list     list.Model
	spinner  spinner.Model
	keys     *keys.KeyMap
	statuses []appsync.StoreStatus
	results  map[int64]appsync.StoreResult
	polling  map[int64]bool
	width    int
	height   int
}

// New creates a status view.
func New(k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, ItemDelegate{}, width, height)
	l.Title = "Stores"
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = theme.HeaderStyle

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		list:    l,
		spinner: sp,
		keys:    k,
		results: make(map[int64]appsync.StoreResult),
		polling: make(map[int64]bool),
		width:   width,
		height:  height,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// SetStatuses replaces the displayed stores.
func (m *Model) SetStatuses(statuses []appsync.StoreStatus) tea.Cmd {
	m.statuses = statuses
	return m.refresh()
}

// SetPolling marks stores as being polled. A nil ids marks every usual
// store.
func (m *Model) SetPolling(ids []int64) tea.Cmd {
	clear(m.polling)
	if ids == nil {
		for _, s := range m.statuses {
			if s.Record.Usual {
				m.polling[s.Record.ID] = true
			}
		}
	}
	for _, id := range ids {
		m.polling[id] = true
	}
	return m.refresh()
}

// RecordReport stores the latest result of each polled store.
func (m *Model) RecordReport(r appsync.Report) {
	for _, res := range r.Results {
		if res.Outcome == appsync.OutcomeSkipped {
			continue
		}
		m.results[res.StoreID] = res
		delete(m.polling, res.StoreID)
	}
}

// Polling reports whether any store is being polled.
func (m Model) Polling() bool {
	return len(m.polling) > 0
}

func (m *Model) refresh() tea.Cmd {
	items := make([]list.Item, len(m.statuses))
	for i, s := range m.statuses {
		item := StoreItem{Status: s, Polling: m.polling[s.Record.ID]}
		if res, ok := m.results[s.Record.ID]; ok {
			item.Last = &res
		}
		items[i] = item
	}
	return m.list.SetItems(items)
}

// Selected returns the id of the highlighted store.
func (m Model) Selected() (int64, bool) {
	item, ok := m.list.SelectedItem().(StoreItem)
	if !ok {
		return 0, false
	}
	return item.Status.Record.ID, true
}

// Update handles navigation and spinner ticks.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Spinner renders the activity indicator, or nothing when idle.
func (m Model) Spinner() string {
	if !m.Polling() {
		return ""
	}
	return m.spinner.View()
}

// View renders the store list.
func (m Model) View() string {
	if len(m.statuses) == 0 {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No stores registered.\n\nRun 'mailsync add <uri>' to add one.")
	}
	return m.list.View()
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height)
}
