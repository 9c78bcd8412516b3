// Package render turns the derived views of a session into something a
// person reads: a lipgloss terminal screen, a markdown page and a YAML
// export.
package render

import (
	"time"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/session"
	"github.com/agentworkforce/collabsync/internal/tasks"
)

// Frame is one consistent capture of everything rendered.
type Frame struct {
	ProjectID   string                    `yaml:"project,omitempty"`
	GeneratedAt time.Time                 `yaml:"generatedAt"`
	Board       tasks.Board               `yaml:"board"`
	Overdue     int                       `yaml:"overdue"`
	Threads     []messages.Thread         `yaml:"threads"`
	Feed        []notifications.DayBucket `yaml:"feed"`
	Unread      int                       `yaml:"unread"`
	Online      []string                  `yaml:"online,omitempty"`
	Pending     int                       `yaml:"pending"`
}

// Capture reads the session's current views. Threads follow root order,
// newest first.
func Capture(s *session.Session, now time.Time) Frame {
	inbox := s.Inbox().Views()
	f := Frame{
		GeneratedAt: now,
		Feed:        inbox.Feed,
		Unread:      inbox.Unread,
		Online:      s.Presence().Online(),
		Pending:     len(s.Inbox().Pending()),
	}
	scope := s.Scope()
	if scope == nil {
		return f
	}
	board := scope.Board.Views()
	chat := scope.Chat.Views()
	f.ProjectID = scope.ProjectID
	f.Board = board.Board
	f.Overdue = board.Overdue
	for _, root := range chat.Roots {
		if th, ok := chat.Threads[root.ID]; ok {
			f.Threads = append(f.Threads, th)
		}
	}
	f.Pending += len(scope.Board.Pending()) + len(scope.Chat.Pending())
	return f
}
