// Package messages keeps a project's discussion in sync: the message
// mirror, thread and reply-count views, and optimistic chat mutations.
package messages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/collabsync/internal/syncer"
)

const (
	// DeletedContent replaces the body of a tombstoned message.
	DeletedContent = "[deleted]"
	// EditWindow is how long after creation the author may edit.
	EditWindow       = 15 * time.Minute
	MaxContentLength = 2000
)

const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

type Reaction struct {
	Emoji  string `json:"emoji" yaml:"emoji"`
	UserID string `json:"userId" yaml:"userId"`
}

type Attachment struct {
	Name        string `json:"name" yaml:"name"`
	URL         string `json:"url" yaml:"url"`
	ContentType string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

type Message struct {
	ID          string       `json:"id" yaml:"id"`
	ProjectID   string       `json:"projectId" yaml:"projectId"`
	AuthorID    string       `json:"authorId" yaml:"authorId"`
	Content     string       `json:"content" yaml:"content"`
	ParentID    string       `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	ThreadID    string       `json:"threadId" yaml:"threadId"`
	Mentions    []string     `json:"mentions,omitempty" yaml:"mentions,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty" yaml:"reactions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	IsEdited    bool         `json:"isEdited" yaml:"isEdited"`
	EditedAt    *time.Time   `json:"editedAt,omitempty" yaml:"editedAt,omitempty"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty" yaml:"deletedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt" yaml:"updatedAt"`
}

func (m Message) RecordID() string { return m.ID }
func (m Message) RecordScope() string { return m.ProjectID }
func (m Message) RecordUpdatedAt() time.Time { return m.UpdatedAt }

func (m Message) IsRoot() bool { return m.ParentID == "" }

func (m Message) Deleted() bool { return m.DeletedAt != nil }

// RootID is the id of the thread m belongs to.
func (m Message) RootID() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	if m.ParentID == "" {
		return m.ID
	}
	return m.ParentID
}

func (m Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// ToggleReaction adds or removes userID's emoji and reports which it did.
// The receiver's slice is never modified.
func (m Message) ToggleReaction(userID, emoji string) (Message, string) {
	if m.HasReaction(userID, emoji) {
		kept := make([]Reaction, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			if r.UserID == userID && r.Emoji == emoji {
				continue
			}
			kept = append(kept, r)
		}
		m.Reactions = kept
		return m, ReactionRemoved
	}
	next := make([]Reaction, 0, len(m.Reactions)+1)
	next = append(next, m.Reactions...)
	m.Reactions = append(next, Reaction{Emoji: emoji, UserID: userID})
	return m, ReactionAdded
}

// Tombstone blanks m while keeping its identity and thread position.
func (m Message) Tombstone(now time.Time) Message {
	at := now
	m.Content = DeletedContent
	m.Mentions = nil
	m.Attachments = nil
	m.Reactions = nil
	m.DeletedAt = &at
	return m
}

// CheckEditable reports whether userID may still edit m at now.
func (m Message) CheckEditable(userID string, now time.Time) error {
	if m.AuthorID != userID {
		return fmt.Errorf("%w: only the author may change message %s", syncer.ErrUnauthorized, m.ID)
	}
	if m.Deleted() {
		return syncer.Validationf("message %s is deleted", m.ID)
	}
	if now.Sub(m.CreatedAt) > EditWindow {
		return fmt.Errorf("%w: message %s is older than %s", syncer.ErrEditWindowExpired, m.ID, EditWindow)
	}
	return nil
}

// SendInput is the body of a send or reply call.
type SendInput struct {
	Content     string       `json:"content"`
	ParentID    string       `json:"parentId,omitempty"`
	Mentions    []string     `json:"mentions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (in SendInput) normalized() SendInput {
	in.Content = strings.TrimSpace(in.Content)
	return in
}

type ReactionResult struct {
	Action  string  `json:"action"`
	Message Message `json:"message"`
}

// ListQuery narrows a list call. A thread filter makes the result partial.
type ListQuery struct {
	Cursor   string
	Limit    int
	ThreadID string
}

func (q ListQuery) Filtered() bool {
	return q.ThreadID != ""
}

// API is the server contract for messages.
type API interface {
	ListMessages(ctx context.Context, projectID string, q ListQuery) (syncer.Page[Message], error)
	SendMessage(ctx context.Context, projectID string, in SendInput, opID string) (Message, error)
	EditMessage(ctx context.Context, messageID, content string, opID string) (Message, error)
	DeleteMessage(ctx context.Context, messageID string, opID string) (Message, error)
	ToggleReaction(ctx context.Context, messageID, emoji string, opID string) (ReactionResult, error)
}
