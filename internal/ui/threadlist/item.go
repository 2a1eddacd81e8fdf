package threadlist

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailterm/internal/theme"
	"github.com/nhle/mailterm/internal/thread"
)

// ThreadItem wraps a conversation thread so it can be used in a
// bubbles/list.
type ThreadItem struct {
	Thread thread.Thread

	// From is the sender of the thread's latest message.
	From string

	// Starred is set when any message in the thread is starred.
	Starred bool

	// Pending marks a thread whose visible state includes an
	// unconfirmed optimistic mutation.
	Pending bool
}

// FilterValue returns the string used for fuzzy filtering.
func (i ThreadItem) FilterValue() string { return i.Thread.Subject }

// Title returns the thread subject for the list.
func (i ThreadItem) Title() string { return i.Thread.Subject }

// Description returns a short summary line for the list.
func (i ThreadItem) Description() string {
	return fmt.Sprintf("%s | %d messages", i.From, i.Thread.TotalCount)
}

// ItemDelegate implements list.ItemDelegate for rendering thread rows.
type ItemDelegate struct{}

// Height returns the number of lines each item takes.
func (d ItemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d ItemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d ItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single thread row.
func (d ItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	ti, ok := item.(ThreadItem)
	if !ok {
		return
	}

	t := ti.Thread
	isSelected := index == m.Index()

	marker := " "
	if t.HasUnread() {
		marker = "●"
	}

	star := " "
	if ti.Starred {
		star = theme.StarStyle.Render("★")
	}

	count := ""
	if t.TotalCount > 1 {
		count = lipgloss.NewStyle().
			Foreground(theme.ColorGray).
			Render(fmt.Sprintf(" (%d)", t.TotalCount))
	}

	attach := ""
	if t.HasAttachments {
		attach = " @"
	}

	subject := t.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	if t.HasUnread() {
		subject = theme.UnreadStyle.Render(subject)
	}

	timeStr := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		Render(relativeTime(time.Unix(t.LatestDate, 0)))

	line := fmt.Sprintf(
		"%s %s %s · %s%s%s  %s",
		marker, star, ti.From, subject, count, attach, timeStr,
	)

	if ti.Pending {
		line = theme.PendingStyle.Render(line)
	}

	if isSelected {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}

	fmt.Fprint(w, line)
}

// relativeTime returns a human-friendly relative time string.
func relativeTime(t time.Time) string {
	if t.IsZero() || t.Unix() == 0 {
		return ""
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case d < 24*time.Hour:
		hrs := int(d.Hours())
		if hrs == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hrs)
	case d < 7*24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("Jan 02")
	}
}
