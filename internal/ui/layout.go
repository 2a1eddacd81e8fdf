package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailterm/internal/theme"
)

// sidebarWidth is the fixed width of the folder pane.
const sidebarWidth = 24

// Layout manages the terminal layout: header, folder sidebar, content
// area, and status bar.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions.
// HeaderHeight and StatusBarHeight default to 1.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// SidebarWidth returns the folder pane width, collapsed to zero on
// narrow terminals.
func (l Layout) SidebarWidth() int {
	if l.Width < 2*sidebarWidth {
		return 0
	}
	return sidebarWidth
}

// ContentWidth returns the width available beside the sidebar.
func (l Layout) ContentWidth() int {
	return l.Width - l.SidebarWidth()
}

// ContentHeight returns the height available for the main content area,
// accounting for the header and status bar.
func (l Layout) ContentHeight() int {
	return l.Height - l.HeaderHeight - l.StatusBarHeight
}

// RenderHeader renders the top header bar with a title on the left and
// the account status segments on the right.
func (l Layout) RenderHeader(title string, accountStatus string) string {
	titleRendered := theme.HeaderStyle.Render(title)

	statusRendered := theme.HeaderStyle.
		Align(lipgloss.Right).
		Render(accountStatus)

	gap := l.Width -
		lipgloss.Width(titleRendered) -
		lipgloss.Width(statusRendered)
	if gap < 0 {
		gap = 0
	}

	filler := theme.HeaderStyle.Render(
		lipgloss.NewStyle().
			Width(gap).
			Background(theme.HeaderStyle.GetBackground()).
			Render(""),
	)

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		titleRendered,
		filler,
		statusRendered,
	)
}

// RenderStatusBar renders the bottom status bar with keyboard hints.
func (l Layout) RenderStatusBar(hints string) string {
	rendered := theme.StatusBarStyle.Render(hints)

	gap := l.Width - lipgloss.Width(rendered)
	if gap < 0 {
		gap = 0
	}

	filler := theme.StatusBarStyle.Render(
		lipgloss.NewStyle().
			Width(gap).
			Background(theme.StatusBarStyle.GetBackground()).
			Render(""),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered, filler)
}

// RenderWithFrame composes the full terminal view: header on top, the
// sidebar and content side by side, and the status bar at the bottom.
// An empty sidebar is omitted.
func (l Layout) RenderWithFrame(
	header string,
	sidebar string,
	content string,
	statusBar string,
) string {
	middle := content
	if sidebar != "" && l.SidebarWidth() > 0 {
		middle = lipgloss.JoinHorizontal(
			lipgloss.Top,
			theme.SidebarStyle.
				Width(l.SidebarWidth()).
				Height(l.ContentHeight()).
				Render(sidebar),
			content,
		)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		middle,
		statusBar,
	)
}
