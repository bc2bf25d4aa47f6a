package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/notifycenter/internal/theme"
)

// Layout manages the terminal layout dimensions.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	TabsHeight      int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions. The
// header, tab strip and status bar take one line each.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		TabsHeight:      1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the height left for the main content area.
func (l Layout) ContentHeight() int {
	h := l.Height - l.HeaderHeight - l.TabsHeight - l.StatusBarHeight
	if h < 0 {
		return 0
	}
	return h
}

// RenderHeader renders the title bar: the title with its unread badge on
// the left and the connection status on the right.
func (l Layout) RenderHeader(title string, badge int, status string) string {
	left := theme.HeaderStyle.Render(title)
	if badge > 0 {
		left = lipgloss.JoinHorizontal(lipgloss.Top, left, theme.BadgeStyle.Render(badgeText(badge)))
	}

	statusRendered := theme.HeaderStyle.
		Align(lipgloss.Right).
		Render(status)

	gap := max(l.Width-lipgloss.Width(left)-lipgloss.Width(statusRendered), 0)

	filler := theme.HeaderStyle.Render(
		lipgloss.NewStyle().
			Width(gap).
			Background(theme.HeaderStyle.GetBackground()).
			Render(""),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, left, filler, statusRendered)
}

// RenderTabs renders the tab strip with the active tab highlighted.
func (l Layout) RenderTabs(labels []string, active int) string {
	rendered := make([]string, len(labels))
	for i, label := range labels {
		if i == active {
			rendered[i] = theme.ActiveTabStyle.Render(label)
		} else {
			rendered[i] = theme.TabStyle.Render(label)
		}
	}
	return lipgloss.NewStyle().
		MaxWidth(l.Width).
		Render(strings.Join(rendered, " "))
}

// RenderStatusBar renders the bottom status bar with keyboard hints.
func (l Layout) RenderStatusBar(hints string) string {
	rendered := theme.StatusBarStyle.Render(hints)

	gap := max(l.Width-lipgloss.Width(rendered), 0)

	filler := theme.StatusBarStyle.Render(
		lipgloss.NewStyle().
			Width(gap).
			Background(theme.StatusBarStyle.GetBackground()).
			Render(""),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered, filler)
}

// RenderWithFrame composes a full terminal view by vertically joining
// the header, tab strip, content area and status bar.
func (l Layout) RenderWithFrame(
	header string,
	tabs string,
	content string,
	statusBar string,
) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		tabs,
		content,
		statusBar,
	)
}

// badgeText caps the badge at 99+.
func badgeText(n int) string {
	if n > 99 {
		return "99+"
	}
	return fmt.Sprintf("%d", n)
}
