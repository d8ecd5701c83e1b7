package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailsync/internal/theme"
)

// Layout manages the frame around the active view.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions and
// one-line header and status bar.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the height left between header and status bar.
func (l Layout) ContentHeight() int {
	return max(l.Height-l.HeaderHeight-l.StatusBarHeight, 0)
}

// fill pads rendered to the full width using style's background.
func (l Layout) fill(style lipgloss.Style, parts ...string) string {
	used := 0
	for _, p := range parts {
		used += lipgloss.Width(p)
	}
	gap := max(l.Width-used, 0)
	filler := style.Render(
		lipgloss.NewStyle().
			Width(gap).
			Background(style.GetBackground()).
			Render(""),
	)
	if len(parts) < 2 {
		return lipgloss.JoinHorizontal(lipgloss.Top, append(parts, filler)...)
	}
	// title, filler, then everything right-aligned
	return lipgloss.JoinHorizontal(lipgloss.Top, append([]string{parts[0], filler}, parts[1:]...)...)
}

// RenderHeader renders the top bar: title on the left, poll status and
// an optional badge on the right.
func (l Layout) RenderHeader(title, pollStatus, badge string) string {
	parts := []string{
		theme.HeaderStyle.Render(title),
		theme.HeaderStyle.Align(lipgloss.Right).Render(pollStatus),
	}
	if badge != "" {
		parts = append(parts, theme.BadgeStyle.Render(badge))
	}
	return l.fill(theme.HeaderStyle, parts...)
}

// RenderStatusBar renders the bottom bar with keyboard hints.
func (l Layout) RenderStatusBar(hints string) string {
	return l.fill(theme.StatusBarStyle, theme.StatusBarStyle.Render(hints))
}

// RenderWithFrame stacks header, content and status bar.
func (l Layout) RenderWithFrame(header, content, statusBar string) string {
	return lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
}
