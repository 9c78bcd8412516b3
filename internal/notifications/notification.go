// Package notifications keeps the signed-in user's notification feed in
// sync: the mirror, the day-bucketed feed and unread counters.
package notifications

import (
	"context"
	"time"

	"github.com/agentworkforce/collabsync/internal/syncer"
)

type Type string

const (
	TypeMention          Type = "mention"
	TypeReply            Type = "reply"
	TypeTaskAssigned     Type = "task_assigned"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskComment      Type = "task_comment"
	TypeProjectInvite    Type = "project_invite"
	TypeProjectUpdate    Type = "project_update"
	TypeDeadlineReminder Type = "deadline_reminder"
)

var Types = []Type{
	TypeMention, TypeReply, TypeTaskAssigned, TypeTaskCompleted,
	TypeTaskComment, TypeProjectInvite, TypeProjectUpdate, TypeDeadlineReminder,
}

type Notification struct {
	ID        string     `json:"id" yaml:"id"`
	UserID    string     `json:"userId" yaml:"userId"`
	Type      Type       `json:"type" yaml:"type"`
	Title     string     `json:"title" yaml:"title"`
	Body      string     `json:"body,omitempty" yaml:"body,omitempty"`
	Link      string     `json:"link,omitempty" yaml:"link,omitempty"`
	ActorID   string     `json:"actorId,omitempty" yaml:"actorId,omitempty"`
	ProjectID string     `json:"projectId,omitempty" yaml:"projectId,omitempty"`
	IsRead    bool       `json:"isRead" yaml:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty" yaml:"readAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

func (n Notification) RecordID() string { return n.ID }
func (n Notification) RecordScope() string { return n.UserID }
func (n Notification) RecordUpdatedAt() time.Time { return n.UpdatedAt }

func markRead(at time.Time) func(Notification) Notification {
	return func(n Notification) Notification {
		if n.IsRead {
			return n
		}
		readAt := at
		n.IsRead = true
		n.ReadAt = &readAt
		return n
	}
}

func markUnread(n Notification) Notification {
	n.IsRead = false
	n.ReadAt = nil
	return n
}

// ListQuery narrows a list call. Any filter makes the result partial.
type ListQuery struct {
	Cursor     string
	Limit      int
	UnreadOnly bool
	Type       Type
}

func (q ListQuery) Filtered() bool {
	return q.UnreadOnly || q.Type != ""
}

// API is the server contract for the signed-in user's notifications.
type API interface {
	ListNotifications(ctx context.Context, q ListQuery) (syncer.Page[Notification], error)
	MarkNotification(ctx context.Context, id string, read bool, opID string) (Notification, error)
	MarkAllRead(ctx context.Context, opID string) (int, error)
	DeleteNotification(ctx context.Context, id string, opID string) error
}
