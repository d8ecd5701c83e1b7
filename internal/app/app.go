package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/model"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/ui"
	helpview "github.com/nhle/mailsync/internal/ui/help"
	"github.com/nhle/mailsync/internal/ui/search"
	"github.com/nhle/mailsync/internal/ui/status"
)

// statusesMsg carries a fresh snapshot of every store's state.
type statusesMsg struct {
	statuses []appsync.StoreStatus
}

// notificationsMsg carries the unread notifications to the UI.
type notificationsMsg struct {
	notifications []model.Notification
}

// rebuildDoneMsg is sent when a store rebuild finishes.
type rebuildDoneMsg struct {
	result appsync.StoreResult
}

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewStores ViewState = iota
	ViewSearch
	ViewHelp
)

// Model is the root Bubble Tea model of the watch view.
type Model struct {
	currentView ViewState
	layout      ui.Layout
	rt          *Runtime
	poller      *appsync.Poller
	keys        *KeyMap
	statusView  status.Model
	searchView  search.Model
	helpView    helpview.Model
	ready       bool
	unread      []model.Notification
	message     string
}

// New creates the root model over a wired runtime and its poller.
func New(rt *Runtime, p *appsync.Poller) Model {
	keys := DefaultKeyMap()
	return Model{
		currentView: ViewStores,
		rt:          rt,
		poller:      p,
		keys:        keys,
		statusView:  status.New(keys, 80, 22),
		searchView:  search.New(80, 22),
		helpView:    helpview.New(keys, 80, 22),
	}
}

// Init starts the poller and loads the initial store states.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.statusView.Init(),
		m.poller.Start(),
		m.loadStatuses(),
		m.fetchNotifications(),
	)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.statusView.SetSize(w, h)
		m.searchView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		return m, nil

	case appsync.PollStartedMsg:
		cmd := m.statusView.SetPolling(msg.StoreIDs)
		return m, tea.Batch(cmd, m.poller.WaitForNextResult())

	case appsync.PollResultMsg:
		m.statusView.RecordReport(msg.Report)
		m.message = msg.Report.Summary()
		return m, tea.Batch(
			m.loadStatuses(),
			m.fetchNotifications(),
			m.poller.WaitForNextResult(),
		)

	case statusesMsg:
		return m, m.statusView.SetStatuses(msg.statuses)

	case notificationsMsg:
		m.unread = msg.notifications
		m.helpView.SetNotifications(msg.notifications)
		return m, nil

	case rebuildDoneMsg:
		res := msg.result
		if res.Err != nil {
			m.message = fmt.Sprintf("rebuild of store %d %s: %v", res.StoreID, res.Outcome, res.Err)
		} else {
			m.message = fmt.Sprintf("rebuilt store %d: %d added, %d moved, %d removed",
				res.StoreID, res.Added, res.Updated, res.Removed)
		}
		return m, tea.Batch(m.loadStatuses(), m.fetchNotifications())

	case search.QueryMsg:
		return m, m.runSearch(string(msg))

	case search.ResultsMsg:
		var cmd tea.Cmd
		m.searchView, cmd = m.searchView.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.updateActiveView(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.currentView == ViewSearch {
		switch {
		case msg.Type == tea.KeyCtrlC:
			return m, m.quit()
		case key.Matches(msg, m.keys.Back):
			m.currentView = ViewStores
			return m, nil
		}
		return m.updateActiveView(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, m.quit()

	case key.Matches(msg, m.keys.Back):
		m.currentView = ViewStores
		return m, nil

	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = ViewStores
		} else {
			m.currentView = ViewHelp
		}
		return m, nil

	case key.Matches(msg, m.keys.Search):
		m.currentView = ViewSearch
		return m, m.searchView.Focus()

	case key.Matches(msg, m.keys.RefreshAll):
		return m, m.poller.RefreshAll()

	case key.Matches(msg, m.keys.Dismiss):
		return m, m.dismissNotifications()
	}

	id, ok := m.statusView.Selected()
	if ok && m.currentView == ViewStores {
		switch {
		case key.Matches(msg, m.keys.Refresh):
			m.message = fmt.Sprintf("polling store %d", id)
			return m, m.poller.RefreshStore(id)

		case key.Matches(msg, m.keys.Rebuild):
			m.message = fmt.Sprintf("rebuilding store %d", id)
			return m, m.rebuild(id)

		case key.Matches(msg, m.keys.Clear):
			if err := m.rt.Engine.Clear(id); err != nil {
				m.message = err.Error()
				return m, nil
			}
			m.message = fmt.Sprintf("cleared store %d; it is polled again", id)
			return m, m.loadStatuses()
		}
	}

	return m.updateActiveView(msg)
}

func (m Model) quit() tea.Cmd {
	m.poller.Stop()
	return tea.Quit
}

// updateActiveView forwards a message to the active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.currentView {
	case ViewSearch:
		m.searchView, cmd = m.searchView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	default:
		m.statusView, cmd = m.statusView.Update(msg)
	}
	return m, cmd
}

// View renders the full frame.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	badge := ""
	if n := len(m.unread); n > 0 {
		badge = fmt.Sprintf("%d", n)
	}

	header := m.layout.RenderHeader("mailsync", m.pollStatus(), badge)
	statusBar := m.layout.RenderStatusBar(m.keyHints())
	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

func (m Model) renderContent() string {
	switch m.currentView {
	case ViewSearch:
		return m.searchView.View()
	case ViewHelp:
		return m.helpView.View()
	default:
		return m.statusView.View()
	}
}

// pollStatus describes what the poller is doing for the header.
func (m Model) pollStatus() string {
	state, last := m.poller.State()
	if state == appsync.PollRunning || m.statusView.Polling() {
		return m.statusView.Spinner() + " polling"
	}
	if last.IsZero() {
		return "idle"
	}
	return "polled " + last.Format(time.Kitchen)
}

func (m Model) keyHints() string {
	var hints []string
	switch m.currentView {
	case ViewSearch:
		hints = []string{"enter: search", "esc: back"}
	case ViewHelp:
		hints = []string{"n: dismiss notifications", "?: close", "q: quit"}
	default:
		hints = []string{"r: poll", "R: poll all", "b: rebuild", "c: clear", "/: search", "?: help", "q: quit"}
	}
	line := strings.Join(hints, "  ")
	if m.message != "" {
		line = m.message + "  |  " + line
	}
	return line
}

func (m Model) loadStatuses() tea.Cmd {
	eng := m.rt.Engine
	return func() tea.Msg {
		return statusesMsg{statuses: eng.Statuses()}
	}
}

func (m Model) fetchNotifications() tea.Cmd {
	st := m.rt.Store
	return func() tea.Msg {
		ns, err := st.GetUnreadNotifications(context.Background())
		if err != nil {
			return notificationsMsg{}
		}
		return notificationsMsg{notifications: ns}
	}
}

func (m Model) dismissNotifications() tea.Cmd {
	st := m.rt.Store
	unread := m.unread
	log := m.rt.Log
	return func() tea.Msg {
		ctx := context.Background()
		for _, n := range unread {
			if err := st.MarkNotificationRead(ctx, n.ID); err != nil {
				log.Warn().Err(err).Str("notification", n.ID).Msg("marking notification read")
			}
		}
		ns, _ := st.GetUnreadNotifications(ctx)
		return notificationsMsg{notifications: ns}
	}
}

func (m Model) rebuild(id int64) tea.Cmd {
	eng := m.rt.Engine
	return func() tea.Msg {
		return rebuildDoneMsg{result: eng.Rebuild(context.Background(), id)}
	}
}

func (m Model) runSearch(q string) tea.Cmd {
	ix := m.rt.Index
	return func() tea.Msg {
		entries, err := ix.Search(context.Background(), q, 200)
		if entries == nil && err == nil {
			entries = []model.Entry{}
		}
		return search.ResultsMsg{Query: q, Entries: entries, Err: err}
	}
}
