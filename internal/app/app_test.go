package app

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/ui/search"
	"github.com/nhle/mailsync/tests/testutil"
)

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestModel(t *testing.T) (Model, *Runtime) {
	t.Helper()
	path := testutil.WriteMbox(t, testutil.MboxMessage("one@x", "quarterly numbers"))
	rt := openTestRuntime(t, &model.AppConfig{
		Concurrency: 1,
		Remote:      model.DefaultRemoteConfig(),
		Stores:      []model.StoreConfig{{URI: path}},
	})
	p := appsync.NewPoller(rt.Engine, time.Hour, zerolog.Nop())

	m := New(rt, p)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	m = updated.(Model)
	updated, _ = m.Update(m.loadStatuses()())
	return updated.(Model), rt
}

func TestModelListsStores(t *testing.T) {
	m, rt := newTestModel(t)

	recs := rt.Engine.Statuses()
	require.Len(t, recs, 1)
	assert.Contains(t, m.View(), recs[0].Record.URI)
	assert.Contains(t, m.View(), "not polled yet")
}

func TestModelRebuildKey(t *testing.T) {
	m, _ := newTestModel(t)

	updated, cmd := m.Update(runeKey("b"))
	m = updated.(Model)
	require.NotNil(t, cmd)
	assert.Contains(t, m.message, "rebuilding store 1")

	msg := cmd()
	done, ok := msg.(rebuildDoneMsg)
	require.True(t, ok)
	assert.Equal(t, appsync.OutcomeOK, done.result.Outcome)

	updated, _ = m.Update(msg)
	m = updated.(Model)
	assert.Contains(t, m.message, "rebuilt store 1: 1 added")
}

func TestModelSearch(t *testing.T) {
	m, rt := newTestModel(t)
	rt.Engine.PollAll(t.Context())

	updated, _ := m.Update(runeKey("/"))
	m = updated.(Model)
	assert.Equal(t, ViewSearch, m.currentView)

	// q is typed into the prompt rather than quitting
	updated, _ = m.Update(runeKey("q"))
	m = updated.(Model)
	assert.Equal(t, ViewSearch, m.currentView)

	updated, cmd := m.Update(search.QueryMsg("quarterly"))
	m = updated.(Model)
	require.NotNil(t, cmd)
	res, ok := cmd().(search.ResultsMsg)
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.Len(t, res.Entries, 1)

	updated, _ = m.Update(res)
	m = updated.(Model)
	assert.Contains(t, m.View(), "quarterly numbers")

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ViewStores, updated.(Model).currentView)
}

func TestModelPollResultUpdatesSummary(t *testing.T) {
	m, rt := newTestModel(t)

	report := rt.Engine.PollAll(t.Context())
	updated, _ := m.Update(appsync.PollResultMsg{Report: report})
	m = updated.(Model)
	assert.Equal(t, "1 new message from 1 store", m.message)
}
