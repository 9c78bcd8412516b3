package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentworkforce/collabsync/internal/tasks"
)

// MinWidth is the narrowest layout; three columns need at least this much.
const MinWidth = 60

type Styles struct {
	Title    lipgloss.Style
	Subtle   lipgloss.Style
	Column   lipgloss.Style
	Heading  lipgloss.Style
	Urgent   lipgloss.Style
	Unread   lipgloss.Style
	Section  lipgloss.Style
	Warning  lipgloss.Style
	Reaction lipgloss.Style
}

func DefaultStyles() Styles {
	border := lipgloss.Color("#3b4261")
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7")),
		Subtle:   lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")),
		Column:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		Heading:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#bb9af7")),
		Urgent:   lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
		Unread:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ece6a")),
		Section:  lipgloss.NewStyle().MarginTop(1),
		Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68")),
		Reaction: lipgloss.NewStyle().Foreground(lipgloss.Color("#7dcfff")),
	}
}

// Terminal lays f out for a terminal width columns wide: the board as three
// side-by-side columns, then threads and the notification feed.
func Terminal(f Frame, width int, st Styles) string {
	if width < MinWidth {
		width = MinWidth
	}
	header := st.Title.Render("Project "+f.ProjectID) + "  " + st.Subtle.Render(f.GeneratedAt.UTC().Format(stampLayout))
	if f.Pending > 0 {
		header += "  " + st.Warning.Render(fmt.Sprintf("%d pending", f.Pending))
	}
	if len(f.Online) > 0 {
		header += "  " + st.Subtle.Render("online: "+strings.Join(f.Online, ", "))
	}

	// Each column's border and padding take four cells.
	colWidth := width/len(tasks.Statuses) - 4
	cols := make([]string, 0, len(tasks.Statuses))
	for _, status := range tasks.Statuses {
		col := f.Board.Column(status)
		lines := []string{st.Heading.Render(fmt.Sprintf("%s (%d)", columnTitle(status), len(col)))}
		for _, t := range col {
			line := taskLine(t)
			if t.Priority == tasks.PriorityUrgent {
				line = st.Urgent.Render(line)
			}
			lines = append(lines, line)
		}
		cols = append(cols, st.Column.Width(colWidth).Render(strings.Join(lines, "\n")))
	}
	board := lipgloss.JoinHorizontal(lipgloss.Top, cols...)

	var threads []string
	threads = append(threads, st.Heading.Render("Threads"))
	if len(f.Threads) == 0 {
		threads = append(threads, st.Subtle.Render("no messages"))
	}
	for _, th := range f.Threads {
		root := fmt.Sprintf("%s: %s", th.Root.AuthorID, headline(th.Root.Content))
		if summary := reactionSummary(th.Root.Reactions); summary != "" {
			root += " " + st.Reaction.Render(summary)
		}
		if n := len(th.Replies); n > 0 {
			root += st.Subtle.Render(fmt.Sprintf("  %d replies", n))
		}
		threads = append(threads, root)
	}

	feed := []string{st.Heading.Render(fmt.Sprintf("Notifications (%d unread)", f.Unread))}
	for _, day := range f.Feed {
		feed = append(feed, st.Subtle.Render(day.Label))
		for _, n := range day.Items {
			if n.IsRead {
				feed = append(feed, "  "+n.Title)
				continue
			}
			feed = append(feed, st.Unread.Render("• ")+n.Title)
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		board,
		st.Section.Render(strings.Join(threads, "\n")),
		st.Section.Render(strings.Join(feed, "\n")),
	)
}
