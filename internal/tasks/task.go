// Package tasks keeps a project's task board in sync: the task mirror, the
// Kanban view derived from it, and optimistic board mutations.
package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/agentworkforce/collabsync/internal/syncer"
)

type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusDone}

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type Task struct {
	ID          string     `json:"id" yaml:"id"`
	ProjectID   string     `json:"projectId" yaml:"projectId"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Status      Status     `json:"status" yaml:"status"`
	Priority    Priority   `json:"priority" yaml:"priority"`
	AssigneeID  string     `json:"assigneeId,omitempty" yaml:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty" yaml:"dueDate,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

func (t Task) RecordID() string { return t.ID }
func (t Task) RecordScope() string { return t.ProjectID }
func (t Task) RecordUpdatedAt() time.Time { return t.UpdatedAt }

// CreateInput is the body of a create call.
type CreateInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	AssigneeID  string     `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

func (in CreateInput) normalized() CreateInput {
	in.Title = strings.TrimSpace(in.Title)
	in.AssigneeID = strings.TrimSpace(in.AssigneeID)
	if in.Status == "" {
		in.Status = StatusTodo
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	return in
}

// Patch is a partial update; nil fields are left unchanged. An empty
// AssigneeID clears the assignee.
type Patch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	AssigneeID  *string    `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Apply returns t with the patch applied.
func (p Patch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssigneeID != nil {
		t.AssigneeID = strings.TrimSpace(*p.AssigneeID)
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	return t
}

// ListQuery narrows a list call. Any server-side filter makes the result
// partial.
type ListQuery struct {
	Cursor     string
	Limit      int
	Status     Status
	AssigneeID string
}

func (q ListQuery) Filtered() bool {
	return q.Status != "" || q.AssigneeID != ""
}

// API is the server contract for tasks.
type API interface {
	ListTasks(ctx context.Context, projectID string, q ListQuery) (syncer.Page[Task], error)
	CreateTask(ctx context.Context, projectID string, in CreateInput, opID string) (Task, error)
	UpdateTask(ctx context.Context, taskID string, p Patch, opID string) (Task, error)
	DeleteTask(ctx context.Context, taskID string, opID string) error
}
