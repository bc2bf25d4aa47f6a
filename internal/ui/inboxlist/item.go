package inboxlist

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/notifycenter/internal/model"
	"github.com/nhle/notifycenter/internal/theme"
)

// Item wraps a model.Notification so it can be used in a bubbles/list.
type Item struct {
	Notification model.Notification
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Notification.Title }

// Title returns the notification title for the list.
func (i Item) Title() string { return i.Notification.Title }

// Description returns a short summary line for the list.
func (i Item) Description() string {
	parts := []string{
		typeLabel(i.Notification.Type),
		i.Notification.Message,
		relativeTime(i.Notification.CreatedDate.Time),
	}
	return strings.Join(parts, " | ")
}

// Delegate implements list.ItemDelegate for notification rows.
type Delegate struct{}

// Height returns the number of lines each item takes.
func (d Delegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d Delegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d Delegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single notification line.
func (d Delegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	it, ok := item.(Item)
	if !ok {
		return
	}
	n := it.Notification

	prefix := "●"
	if !n.IsUnread() {
		prefix = "○"
	}

	typeBadge := theme.TypeLabelStyle(n.Type).Render(typeLabel(n.Type))

	title := n.Title
	if title == "" {
		title = n.Message
	}

	timeStr := lipgloss.NewStyle().
		Foreground(theme.ColorGray).
		Render(relativeTime(n.CreatedDate.Time))

	line := fmt.Sprintf("%s %s %s  %s", prefix, typeBadge, title, timeStr)

	if !n.IsUnread() {
		line = theme.DimmedStyle.Render(line)
	}

	if index == m.Index() {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}

	fmt.Fprint(w, line)
}

// typeLabel returns a short label for a notification type.
func typeLabel(t string) string {
	switch t {
	case model.TypePvPResult:
		return "PVP"
	case model.TypePurchase:
		return "BUY"
	case model.TypeComment:
		return "CMT"
	case model.TypeRanking:
		return "RNK"
	case "":
		return "---"
	default:
		return strings.ToUpper(t)[:min(3, len(t))]
	}
}

// relativeTime returns a human-friendly relative time string.
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 02")
	}
}
