// Package devapi is an in-memory reference server for the collabsync REST
// and push contracts. It backs `collabsync devserver` and the end-to-end
// tests of the transport and session packages.
package devapi

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/schema"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	// DefaultReplayWindow is how long a create or reaction op id is
	// remembered. A retry inside the window gets the first result back.
	DefaultReplayWindow = 10 * time.Minute
)

type BackendOptions struct {
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	Validator *schema.Validator
	// Emitter receives an envelope for every committed change. Optional.
	Emitter push.Emitter
	// Directory maps lower-cased handles to user ids for mention parsing.
	Directory map[string]string
	// ReplayWindow defaults to DefaultReplayWindow.
	ReplayWindow time.Duration
}

// Backend holds every project's tasks and messages and every user's
// notifications. Callers act through As, which binds the acting user.
type Backend struct {
	clock     clock.Clock
	log       logrus.FieldLogger
	validator *schema.Validator
	directory map[string]string
	replayFor time.Duration

	mu            sync.Mutex
	emitter       push.Emitter
	tasks         map[string]tasks.Task
	messages      map[string]messages.Message
	notifications map[string]notifications.Notification
	lastStamp     time.Time
	applied       map[string]appliedOp
}

// appliedOp is what a non-idempotent call produced, keyed by call, user and
// op id.
type appliedOp struct {
	recordID string
	action   string
	at       time.Time
}

func NewBackend(opts BackendOptions) *Backend {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	validator := opts.Validator
	if validator == nil {
		validator = schema.Default()
	}
	replayFor := opts.ReplayWindow
	if replayFor <= 0 {
		replayFor = DefaultReplayWindow
	}
	return &Backend{
		clock:         clock.OrSystem(opts.Clock),
		log:           logger,
		validator:     validator,
		directory:     opts.Directory,
		replayFor:     replayFor,
		emitter:       opts.Emitter,
		tasks:         map[string]tasks.Task{},
		messages:      map[string]messages.Message{},
		notifications: map[string]notifications.Notification{},
		applied:       map[string]appliedOp{},
	}
}

// SetEmitter replaces the change emitter.
func (b *Backend) SetEmitter(e push.Emitter) {
	b.mu.Lock()
	b.emitter = e
	b.mu.Unlock()
}

// As returns an API client acting as userID. clientID is echoed as the
// origin of every envelope the client's changes produce.
func (b *Backend) As(userID, clientID string) *Client {
	return &Client{backend: b, userID: userID, clientID: clientID}
}

// Notify stores a notification created outside the API, as the server would
// for invites or reminders, and pushes it to the user's room.
func (b *Backend) Notify(ctx context.Context, n notifications.Notification) notifications.Notification {
	b.mu.Lock()
	n = b.notifyLocked(n)
	b.mu.Unlock()
	b.emit(ctx, push.EventNotificationCreated, push.NotificationRoom(n.UserID), push.VerbUpsert, n.ID, n, push.Origin{})
	return n
}

func (b *Backend) notifyLocked(n notifications.Notification) notifications.Notification {
	now := b.stampLocked()
	if n.ID == "" {
		n.ID = newID("ntf")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	b.notifications[n.ID] = n
	return n
}

// replayLocked returns what userID's opID already did for kind, if it ran
// inside the replay window.
func (b *Backend) replayLocked(kind, userID, opID string) (appliedOp, bool) {
	if opID == "" {
		return appliedOp{}, false
	}
	op, ok := b.applied[kind+"/"+userID+"/"+opID]
	if !ok || b.clock.Now().Sub(op.at) > b.replayFor {
		return appliedOp{}, false
	}
	return op, true
}

func (b *Backend) rememberLocked(kind, userID, opID, recordID, action string) {
	if opID == "" {
		return
	}
	now := b.clock.Now()
	for key, op := range b.applied {
		if now.Sub(op.at) > b.replayFor {
			delete(b.applied, key)
		}
	}
	b.applied[kind+"/"+userID+"/"+opID] = appliedOp{recordID: recordID, action: action, at: now}
}

// stampLocked returns a timestamp strictly after every earlier one so
// updatedAt always advances, even under a frozen clock.
func (b *Backend) stampLocked() time.Time {
	now := b.clock.Now().UTC()
	if !now.After(b.lastStamp) {
		now = b.lastStamp.Add(time.Millisecond)
	}
	b.lastStamp = now
	return now
}

func (b *Backend) emit(ctx context.Context, event, room, verb, recordID string, record any, origin push.Origin) {
	b.mu.Lock()
	emitter := b.emitter
	b.mu.Unlock()
	if emitter == nil {
		return
	}
	env, err := push.NewRecordEnvelope(event, room, verb, recordID, record, origin, b.clock.Now())
	if err != nil {
		b.log.WithError(err).WithField("event", event).Warn("encode envelope failed")
		return
	}
	if err := emitter.Emit(ctx, env); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{"event": event, "room": room}).Warn("emit failed")
	}
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func validationError(err error) error {
	return fmt.Errorf("%w: %v", syncer.ErrValidation, err)
}

// paginate slices records at the decimal offset held in cursor.
func paginate[T any](records []T, cursor string, limit int) (syncer.Page[T], error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return syncer.Page[T]{}, syncer.Validationf("invalid cursor %q", cursor)
		}
		offset = n
	}
	if offset > len(records) {
		offset = len(records)
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	page := syncer.Page[T]{Records: append([]T{}, records[offset:end]...)}
	if end < len(records) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

// Client is one user's view of the backend. It implements the task, message
// and notification API contracts in process.
type Client struct {
	backend  *Backend
	userID   string
	clientID string
}

var (
	_ tasks.API         = (*Client)(nil)
	_ messages.API      = (*Client)(nil)
	_ notifications.API = (*Client)(nil)
)

func (c *Client) UserID() string { return c.userID }

func (c *Client) origin(opID string) push.Origin {
	return push.Origin{ClientID: c.clientID, OpID: opID}
}

func (c *Client) ListTasks(_ context.Context, projectID string, q tasks.ListQuery) (syncer.Page[tasks.Task], error) {
	b := c.backend
	b.mu.Lock()
	out := make([]tasks.Task, 0)
	for _, t := range b.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.AssigneeID != "" && t.AssigneeID != q.AssigneeID {
			continue
		}
		out = append(out, t)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, q.Cursor, q.Limit)
}

func (c *Client) CreateTask(ctx context.Context, projectID string, in tasks.CreateInput, opID string) (tasks.Task, error) {
	b := c.backend
	if err := b.validator.Validate(schema.TaskCreate, in); err != nil {
		return tasks.Task{}, validationError(err)
	}
	if in.Status == "" {
		in.Status = tasks.StatusTodo
	}
	if in.Priority == "" {
		in.Priority = tasks.PriorityMedium
	}
	b.mu.Lock()
	if done, ok := b.replayLocked("task.create", c.userID, opID); ok {
		t, found := b.tasks[done.recordID]
		b.mu.Unlock()
		if !found {
			return tasks.Task{}, fmt.Errorf("%w: task %s", syncer.ErrNotFound, done.recordID)
		}
		return t, nil
	}
	now := b.stampLocked()
	t := tasks.Task{
		ID:          newID("task"),
		ProjectID:   projectID,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeID:  strings.TrimSpace(in.AssigneeID),
		DueDate:     in.DueDate,
		CreatedBy:   c.userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.tasks[t.ID] = t
	b.rememberLocked("task.create", c.userID, opID, t.ID, "")
	var notes []notifications.Notification
	if t.AssigneeID != "" && t.AssigneeID != c.userID {
		notes = append(notes, b.notifyLocked(assignedNote(t, c.userID)))
	}
	b.mu.Unlock()

	b.emit(ctx, push.EventTaskCreated, push.TaskRoom(projectID), push.VerbUpsert, t.ID, t, c.origin(opID))
	c.pushNotes(ctx, notes)
	return t, nil
}

func (c *Client) UpdateTask(ctx context.Context, taskID string, p tasks.Patch, opID string) (tasks.Task, error) {
	b := c.backend
	if err := b.validator.Validate(schema.TaskPatch, p); err != nil {
		return tasks.Task{}, validationError(err)
	}
	b.mu.Lock()
	prev, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return tasks.Task{}, fmt.Errorf("%w: task %s", syncer.ErrNotFound, taskID)
	}
	next := p.Apply(prev)
	next.UpdatedAt = b.stampLocked()
	b.tasks[taskID] = next
	var notes []notifications.Notification
	if next.AssigneeID != prev.AssigneeID && next.AssigneeID != "" && next.AssigneeID != c.userID {
		notes = append(notes, b.notifyLocked(assignedNote(next, c.userID)))
	}
	if next.Status == tasks.StatusDone && prev.Status != tasks.StatusDone && next.CreatedBy != "" && next.CreatedBy != c.userID {
		notes = append(notes, b.notifyLocked(notifications.Notification{
			UserID:    next.CreatedBy,
			Type:      notifications.TypeTaskCompleted,
			Title:     "Task completed: " + next.Title,
			ActorID:   c.userID,
			ProjectID: next.ProjectID,
			Link:      "/projects/" + next.ProjectID + "/tasks/" + next.ID,
		}))
	}
	b.mu.Unlock()

	event := push.EventTaskUpdated
	if next.Status != prev.Status {
		event = push.EventTaskMoved
	}
	b.emit(ctx, event, push.TaskRoom(next.ProjectID), push.VerbUpsert, next.ID, next, c.origin(opID))
	c.pushNotes(ctx, notes)
	return next, nil
}

func (c *Client) DeleteTask(ctx context.Context, taskID string, opID string) error {
	b := c.backend
	b.mu.Lock()
	t, ok := b.tasks[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: task %s", syncer.ErrNotFound, taskID)
	}
	delete(b.tasks, taskID)
	b.mu.Unlock()
	b.emit(ctx, push.EventTaskDeleted, push.TaskRoom(t.ProjectID), push.VerbDelete, taskID, nil, c.origin(opID))
	return nil
}

func assignedNote(t tasks.Task, actorID string) notifications.Notification {
	return notifications.Notification{
		UserID:    t.AssigneeID,
		Type:      notifications.TypeTaskAssigned,
		Title:     "Assigned to you: " + t.Title,
		ActorID:   actorID,
		ProjectID: t.ProjectID,
		Link:      "/projects/" + t.ProjectID + "/tasks/" + t.ID,
	}
}

func (c *Client) ListMessages(_ context.Context, projectID string, q messages.ListQuery) (syncer.Page[messages.Message], error) {
	b := c.backend
	b.mu.Lock()
	out := make([]messages.Message, 0)
	for _, m := range b.messages {
		if m.ProjectID != projectID {
			continue
		}
		if q.ThreadID != "" && m.RootID() != q.ThreadID {
			continue
		}
		out = append(out, m)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, q.Cursor, q.Limit)
}

func (c *Client) SendMessage(ctx context.Context, projectID string, in messages.SendInput, opID string) (messages.Message, error) {
	b := c.backend
	if err := b.validator.Validate(schema.MessageCreate, in); err != nil {
		return messages.Message{}, validationError(err)
	}
	b.mu.Lock()
	if done, ok := b.replayLocked("message.send", c.userID, opID); ok {
		m, found := b.messages[done.recordID]
		b.mu.Unlock()
		if !found {
			return messages.Message{}, fmt.Errorf("%w: message %s", syncer.ErrNotFound, done.recordID)
		}
		return m, nil
	}
	var parent messages.Message
	if in.ParentID != "" {
		p, ok := b.messages[in.ParentID]
		if !ok || p.ProjectID != projectID {
			b.mu.Unlock()
			return messages.Message{}, syncer.Validationf("parent message %s not found in project %s", in.ParentID, projectID)
		}
		parent = p
	}
	now := b.stampLocked()
	m := messages.Message{
		ID:          newID("msg"),
		ProjectID:   projectID,
		AuthorID:    c.userID,
		Content:     strings.TrimSpace(in.Content),
		ParentID:    in.ParentID,
		Mentions:    messages.ExtractMentions(in.Content, b.directory, in.Mentions),
		Attachments: in.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.ParentID != "" {
		m.ThreadID = parent.RootID()
	} else {
		m.ThreadID = m.ID
	}
	b.messages[m.ID] = m
	b.rememberLocked("message.send", c.userID, opID, m.ID, "")

	var notes []notifications.Notification
	notified := map[string]bool{c.userID: true}
	for _, userID := range m.Mentions {
		if notified[userID] {
			continue
		}
		notified[userID] = true
		notes = append(notes, b.notifyLocked(notifications.Notification{
			UserID:    userID,
			Type:      notifications.TypeMention,
			Title:     "You were mentioned",
			Body:      m.Content,
			ActorID:   c.userID,
			ProjectID: projectID,
			Link:      "/projects/" + projectID + "/messages/" + m.ThreadID,
		}))
	}
	if in.ParentID != "" && !notified[parent.AuthorID] {
		notes = append(notes, b.notifyLocked(notifications.Notification{
			UserID:    parent.AuthorID,
			Type:      notifications.TypeReply,
			Title:     "New reply to your message",
			Body:      m.Content,
			ActorID:   c.userID,
			ProjectID: projectID,
			Link:      "/projects/" + projectID + "/messages/" + m.ThreadID,
		}))
	}
	b.mu.Unlock()

	b.emit(ctx, push.EventNewMessage, push.ChatRoom(projectID), push.VerbUpsert, m.ID, m, c.origin(opID))
	c.pushNotes(ctx, notes)
	return m, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string, opID string) (messages.Message, error) {
	b := c.backend
	if err := b.validator.Validate(schema.MessageEdit, map[string]string{"content": content}); err != nil {
		return messages.Message{}, validationError(err)
	}
	b.mu.Lock()
	m, ok := b.messages[messageID]
	if !ok {
		b.mu.Unlock()
		return messages.Message{}, fmt.Errorf("%w: message %s", syncer.ErrNotFound, messageID)
	}
	now := b.stampLocked()
	if err := m.CheckEditable(c.userID, now); err != nil {
		b.mu.Unlock()
		return messages.Message{}, err
	}
	m.Content = strings.TrimSpace(content)
	m.Mentions = messages.ExtractMentions(m.Content, b.directory, nil)
	m.IsEdited = true
	m.EditedAt = &now
	m.UpdatedAt = now
	b.messages[messageID] = m
	b.mu.Unlock()

	b.emit(ctx, push.EventMessageUpdated, push.ChatRoom(m.ProjectID), push.VerbUpsert, m.ID, m, c.origin(opID))
	return m, nil
}

// DeleteMessage tombstones the message so replies keep their thread.
func (c *Client) DeleteMessage(ctx context.Context, messageID string, opID string) (messages.Message, error) {
	b := c.backend
	b.mu.Lock()
	m, ok := b.messages[messageID]
	if !ok {
		b.mu.Unlock()
		return messages.Message{}, fmt.Errorf("%w: message %s", syncer.ErrNotFound, messageID)
	}
	if m.AuthorID != c.userID {
		b.mu.Unlock()
		return messages.Message{}, fmt.Errorf("%w: only the author may delete message %s", syncer.ErrUnauthorized, messageID)
	}
	if m.Deleted() {
		b.mu.Unlock()
		return m, nil
	}
	now := b.stampLocked()
	m = m.Tombstone(now)
	m.UpdatedAt = now
	b.messages[messageID] = m
	b.mu.Unlock()

	b.emit(ctx, push.EventMessageDeleted, push.ChatRoom(m.ProjectID), push.VerbUpsert, m.ID, m, c.origin(opID))
	return m, nil
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string, opID string) (messages.ReactionResult, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return messages.ReactionResult{}, syncer.Validationf("emoji is required")
	}
	b := c.backend
	b.mu.Lock()
	m, ok := b.messages[messageID]
	if !ok {
		b.mu.Unlock()
		return messages.ReactionResult{}, fmt.Errorf("%w: message %s", syncer.ErrNotFound, messageID)
	}
	// A toggle is not idempotent; a retried op must not flip it back.
	if done, ok := b.replayLocked("message.react", c.userID, opID); ok && done.recordID == messageID {
		b.mu.Unlock()
		return messages.ReactionResult{Action: done.action, Message: m}, nil
	}
	if m.Deleted() {
		b.mu.Unlock()
		return messages.ReactionResult{}, syncer.Validationf("message %s is deleted", messageID)
	}
	m, action := m.ToggleReaction(c.userID, emoji)
	m.UpdatedAt = b.stampLocked()
	b.messages[messageID] = m
	b.rememberLocked("message.react", c.userID, opID, messageID, action)
	b.mu.Unlock()

	b.emit(ctx, push.EventReactionUpdated, push.ChatRoom(m.ProjectID), push.VerbUpsert, m.ID, m, c.origin(opID))
	return messages.ReactionResult{Action: action, Message: m}, nil
}

func (c *Client) ListNotifications(_ context.Context, q notifications.ListQuery) (syncer.Page[notifications.Notification], error) {
	b := c.backend
	b.mu.Lock()
	out := make([]notifications.Notification, 0)
	for _, n := range b.notifications {
		if n.UserID != c.userID {
			continue
		}
		if q.UnreadOnly && n.IsRead {
			continue
		}
		if q.Type != "" && n.Type != q.Type {
			continue
		}
		out = append(out, n)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return paginate(out, q.Cursor, q.Limit)
}

func (c *Client) MarkNotification(ctx context.Context, id string, read bool, opID string) (notifications.Notification, error) {
	b := c.backend
	b.mu.Lock()
	n, ok := b.notifications[id]
	if !ok || n.UserID != c.userID {
		b.mu.Unlock()
		return notifications.Notification{}, fmt.Errorf("%w: notification %s", syncer.ErrNotFound, id)
	}
	now := b.stampLocked()
	switch {
	case read && !n.IsRead:
		n.IsRead = true
		n.ReadAt = &now
	case !read:
		n.IsRead = false
		n.ReadAt = nil
	}
	n.UpdatedAt = now
	b.notifications[id] = n
	b.mu.Unlock()

	b.emit(ctx, push.EventNotificationUpdated, push.NotificationRoom(c.userID), push.VerbUpsert, n.ID, n, c.origin(opID))
	return n, nil
}

func (c *Client) MarkAllRead(ctx context.Context, opID string) (int, error) {
	b := c.backend
	b.mu.Lock()
	var changed []notifications.Notification
	var now time.Time
	for id, n := range b.notifications {
		if n.UserID != c.userID || n.IsRead {
			continue
		}
		if now.IsZero() {
			now = b.stampLocked()
		}
		readAt := now
		n.IsRead = true
		n.ReadAt = &readAt
		n.UpdatedAt = now
		b.notifications[id] = n
		changed = append(changed, n)
	}
	b.mu.Unlock()

	for _, n := range changed {
		b.emit(ctx, push.EventNotificationUpdated, push.NotificationRoom(c.userID), push.VerbUpsert, n.ID, n, c.origin(opID))
	}
	return len(changed), nil
}

func (c *Client) DeleteNotification(ctx context.Context, id string, opID string) error {
	b := c.backend
	b.mu.Lock()
	n, ok := b.notifications[id]
	if !ok || n.UserID != c.userID {
		b.mu.Unlock()
		return fmt.Errorf("%w: notification %s", syncer.ErrNotFound, id)
	}
	delete(b.notifications, id)
	b.mu.Unlock()
	b.emit(ctx, push.EventNotificationDeleted, push.NotificationRoom(c.userID), push.VerbDelete, id, nil, c.origin(opID))
	return nil
}

func (c *Client) pushNotes(ctx context.Context, notes []notifications.Notification) {
	for _, n := range notes {
		c.backend.emit(ctx, push.EventNotificationCreated, push.NotificationRoom(n.UserID), push.VerbUpsert, n.ID, n, push.Origin{})
	}
}
