package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	appsync "github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/theme"
)

// StoreItem wraps a store status so it can be used in a bubbles/list.
type StoreItem struct {
	Status  appsync.StoreStatus
	Last    *appsync.StoreResult
	Polling bool
}

// FilterValue returns the string used for fuzzy filtering.
func (i StoreItem) FilterValue() string { return i.Status.Record.URI }

// Title returns the store URI.
func (i StoreItem) Title() string { return i.Status.Record.URI }

// Description returns a short summary line for the list.
func (i StoreItem) Description() string {
	parts := []string{string(i.Status.Record.Kind()), i.state(), relativeTime(i.Status.LastPoll)}
	return strings.Join(parts, " | ")
}

func (i StoreItem) state() string {
	if i.Polling {
		return "polling"
	}
	return i.Status.State.String()
}

// ItemDelegate implements list.ItemDelegate for rendering store lines.
type ItemDelegate struct{}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 2 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a store as its summary line and a detail line.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	si, ok := item.(StoreItem)
	if !ok {
		return
	}
	rec := si.Status.Record

	kind := string(rec.Kind())
	kindBadge := theme.KindStyle(kind).Render(fmt.Sprintf("%-8s", kind))
	stateBadge := theme.StateStyle(si.state()).Render(si.state())

	flags := ""
	if !rec.Usual {
		flags += " unusual"
	}
	if rec.Archived {
		flags += " archived"
	}

	line := fmt.Sprintf("#%-3d %s %s %s%s", rec.ID, kindBadge, rec.URI, stateBadge, theme.DimmedStyle.Render(flags))

	var detail string
	switch {
	case si.Status.Err != nil:
		detail = theme.ErrorTextStyle.Render(si.Status.Err.Error())
	case si.Last != nil:
		detail = theme.DimmedStyle.Render(fmt.Sprintf(
			"last poll %s: %d added, %d moved", relativeTime(si.Status.LastPoll), si.Last.Added, si.Last.Updated))
	case !si.Status.LastPoll.IsZero():
		detail = theme.DimmedStyle.Render("last poll " + relativeTime(si.Status.LastPoll))
	default:
		detail = theme.DimmedStyle.Render("not polled yet")
	}

	style := theme.ListItemStyle
	if index == m.Index() {
		style = theme.SelectedItemStyle
	}
	fmt.Fprint(w, style.Render(line+"\n      "+detail))
}

// relativeTime returns a human-friendly relative time string.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
