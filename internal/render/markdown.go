package render

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/tasks"
)

const (
	stampLayout   = "2006-01-02 15:04 MST"
	dueLayout     = "2006-01-02"
	clockLayout   = "15:04"
	headlineRunes = 48
)

// Markdown renders f as a standalone page.
func Markdown(f Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Project %s\n\n", f.ProjectID)
	fmt.Fprintf(&b, "_Updated %s_\n", f.GeneratedAt.UTC().Format(stampLayout))
	if f.Pending > 0 {
		fmt.Fprintf(&b, "\n_%d pending_\n", f.Pending)
	}

	b.WriteString("\n## Board\n")
	if f.Overdue > 0 {
		fmt.Fprintf(&b, "\n%d overdue\n", f.Overdue)
	}
	for _, status := range tasks.Statuses {
		col := f.Board.Column(status)
		fmt.Fprintf(&b, "\n### %s (%d)\n\n", columnTitle(status), len(col))
		if len(col) == 0 {
			b.WriteString("_empty_\n")
			continue
		}
		for _, t := range col {
			b.WriteString("- " + taskLine(t) + "\n")
		}
	}

	b.WriteString("\n## Threads\n")
	if len(f.Threads) == 0 {
		b.WriteString("\n_no messages_\n")
	}
	for _, th := range f.Threads {
		fmt.Fprintf(&b, "\n### %s (%d replies)\n\n", headline(th.Root.Content), len(th.Replies))
		b.WriteString("- " + messageLine(th.Root) + "\n")
		for _, r := range th.Replies {
			b.WriteString("  - " + messageLine(r) + "\n")
		}
	}

	fmt.Fprintf(&b, "\n## Notifications (%d unread)\n", f.Unread)
	if len(f.Feed) == 0 {
		b.WriteString("\n_nothing new_\n")
	}
	for _, day := range f.Feed {
		fmt.Fprintf(&b, "\n### %s\n\n", day.Label)
		for _, n := range day.Items {
			mark := " "
			if n.IsRead {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, n.Title)
		}
	}

	if len(f.Online) > 0 {
		fmt.Fprintf(&b, "\n## Online\n\n%s\n", strings.Join(f.Online, ", "))
	}
	return b.String()
}

func columnTitle(s tasks.Status) string {
	switch s {
	case tasks.StatusInProgress:
		return "In progress"
	case tasks.StatusDone:
		return "Done"
	default:
		return "To do"
	}
}

func taskLine(t tasks.Task) string {
	line := fmt.Sprintf("[%s] %s", t.Priority, t.Title)
	if t.AssigneeID != "" {
		line += " @" + t.AssigneeID
	}
	if t.DueDate != nil {
		line += " due " + t.DueDate.UTC().Format(dueLayout)
	}
	return line
}

func messageLine(m messages.Message) string {
	line := fmt.Sprintf("**%s** %s: %s", m.AuthorID, m.CreatedAt.UTC().Format(clockLayout), m.Content)
	if m.IsEdited && !m.Deleted() {
		line += " _(edited)_"
	}
	if summary := reactionSummary(m.Reactions); summary != "" {
		line += " [" + summary + "]"
	}
	return line
}

// reactionSummary counts reactions per emoji in order of first use.
func reactionSummary(reactions []messages.Reaction) string {
	if len(reactions) == 0 {
		return ""
	}
	counts := map[string]int{}
	var order []string
	for _, r := range reactions {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	parts := make([]string, 0, len(order))
	for _, emoji := range order {
		parts = append(parts, fmt.Sprintf("%s %d", emoji, counts[emoji]))
	}
	return strings.Join(parts, ", ")
}

// headline is the first line of content, cut to a heading-sized prefix.
func headline(content string) string {
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		content = content[:idx]
	}
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= headlineRunes {
		return string(runes)
	}
	return strings.TrimSpace(string(runes[:headlineRunes])) + "…"
}
