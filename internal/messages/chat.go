package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/schema"
	"github.com/agentworkforce/collabsync/internal/syncer"
)

var ErrInvalidOptions = errors.New("messages: invalid options")

type Options struct {
	ProjectID string
	UserID    string
	ClientID  string
	API       API
	Push      push.Emitter
	Validator *schema.Validator
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	// Directory maps lower-cased @handles to user ids for mention
	// extraction. Nil treats handles as ids.
	Directory map[string]string

	Window         time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PageSize       int
	MaxPages       int
}

// Chat is the threaded discussion of one project.
type Chat struct {
	projectID string
	userID    string
	clientID  string
	api       API
	emitter   push.Emitter
	validator *schema.Validator
	clock     clock.Clock
	log       logrus.FieldLogger
	directory map[string]string
	pageSize  int
	maxPages  int

	store *syncer.Store[Message, Views]
}

func NewChat(opts Options) (*Chat, error) {
	if opts.ProjectID == "" || opts.API == nil {
		return nil, fmt.Errorf("%w: project id and api are required", ErrInvalidOptions)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("project", opts.ProjectID)
	validator := opts.Validator
	if validator == nil {
		validator = schema.Default()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	c := clock.OrSystem(opts.Clock)
	chat := &Chat{
		projectID: opts.ProjectID,
		userID:    opts.UserID,
		clientID:  opts.ClientID,
		api:       opts.API,
		emitter:   opts.Push,
		validator: validator,
		clock:     c,
		log:       logger,
		directory: opts.Directory,
		pageSize:  pageSize,
		maxPages:  opts.MaxPages,
	}
	chat.store = syncer.NewStore(syncer.StoreOptions[Message, Views]{
		Name:  "messages",
		Build: BuildViews,
		Reconciler: syncer.ReconcilerOptions[Message]{
			Window:   opts.Window,
			ClientID: opts.ClientID,
			Match:    matchDraft,
		},
		Clock:          c,
		Logger:         logger,
		MaxAttempts:    opts.MaxAttempts,
		RetryBaseDelay: opts.RetryBaseDelay,
		RetryMaxDelay:  opts.RetryMaxDelay,
	})
	return chat, nil
}

func matchDraft(draft, incoming Message) bool {
	return draft.ProjectID == incoming.ProjectID &&
		draft.AuthorID == incoming.AuthorID &&
		draft.ParentID == incoming.ParentID &&
		draft.Content == incoming.Content
}

func (c *Chat) ProjectID() string { return c.projectID }

func (c *Chat) Room() string { return push.ChatRoom(c.projectID) }

func (c *Chat) Views() Views { return c.store.Views() }

// Thread returns the current thread rooted at rootID.
func (c *Chat) Thread(rootID string) (Thread, bool) {
	th, ok := c.store.Views().Threads[rootID]
	return th, ok
}

// Filtered returns matching messages ordered by id.
func (c *Chat) Filtered(f Filters) []Message {
	return c.store.List(f.Predicate())
}

func (c *Chat) Get(id string) (Message, bool) { return c.store.Get(id) }

func (c *Chat) Subscribe() (<-chan struct{}, func()) { return c.store.Subscribe() }

func (c *Chat) Pending() []syncer.PendingInfo { return c.store.Pending() }

func (c *Chat) Confirmed() []Message { return c.store.Confirmed() }

func (c *Chat) Retry(ctx context.Context, opID string) error { return c.store.Retry(ctx, opID) }

func (c *Chat) Discard(opID string) error { return c.store.Discard(opID) }

func (c *Chat) Close() { c.store.Close() }

func (c *Chat) Restore(records []Message) int {
	n := 0
	_ = c.store.Update(func(r *syncer.Reconciler[Message]) error {
		n = r.Restore(c.validRecords(records))
		return nil
	})
	return n
}

// Refresh walks every page of the project's messages.
func (c *Chat) Refresh(ctx context.Context) error {
	requestedAt := c.clock.Now()
	records, complete, err := syncer.Walk(ctx, c.maxPages, func(ctx context.Context, cursor string) (syncer.Page[Message], error) {
		return c.api.ListMessages(ctx, c.projectID, ListQuery{Cursor: cursor, Limit: c.pageSize})
	})
	if !complete && err == nil {
		c.log.WithField("records", len(records)).Warn("refresh stopped before the last page; pruning skipped")
	}
	c.applySnapshot(records, syncer.SnapshotInfo{RequestedAt: requestedAt, Complete: complete && err == nil})
	return err
}

// LoadThread fetches one thread's messages additively.
func (c *Chat) LoadThread(ctx context.Context, rootID string) error {
	requestedAt := c.clock.Now()
	records, _, err := syncer.Walk(ctx, c.maxPages, func(ctx context.Context, cursor string) (syncer.Page[Message], error) {
		return c.api.ListMessages(ctx, c.projectID, ListQuery{Cursor: cursor, Limit: c.pageSize, ThreadID: rootID})
	})
	c.applySnapshot(records, syncer.SnapshotInfo{RequestedAt: requestedAt})
	return err
}

func (c *Chat) applySnapshot(records []Message, info syncer.SnapshotInfo) {
	valid := c.validRecords(records)
	_ = c.store.Update(func(r *syncer.Reconciler[Message]) error {
		applied, pruned := r.ApplySnapshot(valid, info)
		c.log.WithFields(logrus.Fields{"applied": applied, "pruned": pruned, "complete": info.Complete}).Debug("message snapshot merged")
		return nil
	})
}

func (c *Chat) validRecords(records []Message) []Message {
	out := make([]Message, 0, len(records))
	for _, m := range records {
		if m.ProjectID != c.projectID {
			c.log.WithField("record", m.ID).Warn("message from another project skipped")
			continue
		}
		if err := c.validator.Validate(schema.MessageRecord, m); err != nil {
			c.log.WithField("record", m.ID).WithError(err).Warn("malformed message skipped")
			continue
		}
		out = append(out, m)
	}
	return out
}

// HandlePush merges one chat event. Typing signals are not records and are
// left to the presence tracker.
func (c *Chat) HandlePush(env push.Envelope) bool {
	switch env.Event {
	case push.EventNewMessage, push.EventMessageUpdated, push.EventMessageDeleted, push.EventReactionUpdated:
	default:
		return false
	}
	rec, err := push.DecodeRecord[Message](c.validator, schema.MessageRecord, env)
	if err != nil {
		c.log.WithField("event", env.Event).WithError(err).Warn("malformed message event skipped")
		return false
	}
	if rec.ProjectID != c.projectID {
		return false
	}
	applied := false
	_ = c.store.Update(func(r *syncer.Reconciler[Message]) error {
		applied = r.ApplyPush(syncer.PushUpdate[Message]{
			Verb:           syncer.PushUpsert,
			Record:         rec,
			HasRecord:      true,
			OriginOpID:     env.OriginOpID,
			OriginClientID: env.OriginClientID,
		})
		return nil
	})
	return applied
}

// Send posts a root message.
func (c *Chat) Send(ctx context.Context, in SendInput) (Message, error) {
	in.ParentID = ""
	return c.post(ctx, "message.send", in, nil)
}

// Reply posts into the thread of parentID. The thread id is resolved from
// the parent before anything is sent.
func (c *Chat) Reply(ctx context.Context, parentID string, in SendInput) (Message, error) {
	const op = "message.reply"
	parent, ok := c.store.Get(parentID)
	if !ok {
		return Message{}, &syncer.MutationError{Op: op, RecordID: parentID, Err: syncer.ErrNotFound}
	}
	if syncer.IsProvisional(parent.ID) {
		return Message{}, &syncer.MutationError{Op: op, RecordID: parentID, Err: syncer.ErrNotConfirmed}
	}
	if parent.Deleted() {
		return Message{}, &syncer.MutationError{Op: op, RecordID: parentID, Err: syncer.Validationf("cannot reply to a deleted message")}
	}
	in.ParentID = parent.ID
	return c.post(ctx, op, in, &parent)
}

func (c *Chat) post(ctx context.Context, op string, in SendInput, parent *Message) (Message, error) {
	in = in.normalized()
	in.Mentions = ExtractMentions(in.Content, c.directory, in.Mentions)
	if err := c.validate(schema.MessageCreate, in); err != nil {
		return Message{}, &syncer.MutationError{Op: op, Err: err}
	}
	now := c.clock.Now()
	draft := Message{
		ID:          syncer.NewProvisionalID(),
		ProjectID:   c.projectID,
		AuthorID:    c.userID,
		Content:     in.Content,
		Mentions:    in.Mentions,
		Attachments: in.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	draft.ThreadID = draft.ID
	if parent != nil {
		draft.ParentID = parent.ID
		draft.ThreadID = parent.ThreadID
		if draft.ThreadID == "" {
			draft.ThreadID = parent.ID
		}
	}
	res, err := c.store.Mutate(ctx, syncer.Mutation[Message]{
		Name: op,
		Propose: func(r *syncer.Reconciler[Message]) ([]*syncer.PendingOp[Message], error) {
			return []*syncer.PendingOp[Message]{r.ProposeCreate(draft)}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Message]) (syncer.Result[Message], error) {
			m, err := c.api.SendMessage(ctx, c.projectID, in, ops[0].ID)
			if err != nil {
				return syncer.Result[Message]{}, err
			}
			return syncer.Result[Message]{Records: []Message{m}}, nil
		},
		OnConfirm: c.emitRecords(push.EventNewMessage),
	})
	if err != nil {
		return draft, err
	}
	return res.Records[0], nil
}

// Edit replaces the content of one of the user's own messages inside the
// edit window.
func (c *Chat) Edit(ctx context.Context, id, content string) (Message, error) {
	const op = "message.edit"
	content = strings.TrimSpace(content)
	cur, ok := c.store.Get(id)
	if !ok {
		return Message{}, &syncer.MutationError{Op: op, RecordID: id, Err: syncer.ErrNotFound}
	}
	if err := c.validate(schema.MessageEdit, map[string]string{"content": content}); err != nil {
		return cur, &syncer.MutationError{Op: op, RecordID: id, Err: err}
	}
	now := c.clock.Now()
	if err := cur.CheckEditable(c.userID, now); err != nil {
		return cur, &syncer.MutationError{Op: op, RecordID: id, Err: err}
	}
	mentions := ExtractMentions(content, c.directory, nil)
	apply := func(m Message) Message {
		edited := now
		m.Content = content
		m.Mentions = mentions
		m.IsEdited = true
		m.EditedAt = &edited
		return m
	}
	return c.update(ctx, op, push.EventMessageUpdated, id, apply, func(ctx context.Context, recordID, opID string) (Message, error) {
		return c.api.EditMessage(ctx, recordID, content, opID)
	})
}

// Delete tombstones one of the user's own messages. The message keeps its
// place in its thread.
func (c *Chat) Delete(ctx context.Context, id string) error {
	const op = "message.delete"
	cur, ok := c.store.Get(id)
	if !ok {
		return &syncer.MutationError{Op: op, RecordID: id, Err: syncer.ErrNotFound}
	}
	if cur.AuthorID != c.userID {
		return &syncer.MutationError{Op: op, RecordID: id, Err: fmt.Errorf("%w: only the author may delete message %s", syncer.ErrUnauthorized, id)}
	}
	if cur.Deleted() {
		return nil
	}
	now := c.clock.Now()
	_, err := c.update(ctx, op, push.EventMessageDeleted, id, func(m Message) Message {
		return m.Tombstone(now)
	}, c.api.DeleteMessage)
	return err
}

// React toggles the user's emoji on a message.
func (c *Chat) React(ctx context.Context, id, emoji string) (ReactionResult, error) {
	const op = "message.react"
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ReactionResult{}, &syncer.MutationError{Op: op, RecordID: id, Err: syncer.Validationf("emoji is required")}
	}
	cur, ok := c.store.Get(id)
	if !ok {
		return ReactionResult{}, &syncer.MutationError{Op: op, RecordID: id, Err: syncer.ErrNotFound}
	}
	if cur.Deleted() {
		return ReactionResult{}, &syncer.MutationError{Op: op, RecordID: id, Err: syncer.Validationf("message %s is deleted", id)}
	}
	_, action := cur.ToggleReaction(c.userID, emoji)
	var result ReactionResult
	m, err := c.update(ctx, op, push.EventReactionUpdated, id, func(m Message) Message {
		toggled, _ := m.ToggleReaction(c.userID, emoji)
		return toggled
	}, func(ctx context.Context, recordID, opID string) (Message, error) {
		res, err := c.api.ToggleReaction(ctx, recordID, emoji, opID)
		if err != nil {
			return Message{}, err
		}
		result = res
		return res.Message, nil
	})
	if err != nil {
		return ReactionResult{Action: action, Message: m}, err
	}
	if result.Action == "" {
		result.Action = action
	}
	result.Message = m
	return result, nil
}

func (c *Chat) update(ctx context.Context, name, event, id string, apply func(Message) Message, call func(ctx context.Context, recordID, opID string) (Message, error)) (Message, error) {
	res, err := c.store.Mutate(ctx, syncer.Mutation[Message]{
		Name: name,
		Propose: func(r *syncer.Reconciler[Message]) ([]*syncer.PendingOp[Message], error) {
			op, err := r.ProposeUpdate(id, apply)
			if err != nil {
				return nil, err
			}
			return []*syncer.PendingOp[Message]{op}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Message]) (syncer.Result[Message], error) {
			m, err := call(ctx, ops[0].RecordID, ops[0].ID)
			if err != nil {
				return syncer.Result[Message]{}, err
			}
			return syncer.Result[Message]{Records: []Message{m}}, nil
		},
		OnConfirm: c.emitRecords(event),
	})
	if err != nil {
		cur, _ := c.store.Get(id)
		return cur, err
	}
	return res.Records[0], nil
}

// StartTyping tells the room the user is composing. Typing state is never
// stored in the mirror.
func (c *Chat) StartTyping(ctx context.Context, threadID string) error {
	return c.typing(ctx, threadID, true)
}

func (c *Chat) StopTyping(ctx context.Context, threadID string) error {
	return c.typing(ctx, threadID, false)
}

func (c *Chat) typing(ctx context.Context, threadID string, typing bool) error {
	if c.emitter == nil {
		return nil
	}
	env, err := push.NewSignalEnvelope(push.EventTyping, c.Room(), push.TypingPayload{
		UserID:   c.userID,
		ThreadID: threadID,
		Typing:   typing,
	}, push.Origin{ClientID: c.clientID}, c.clock.Now())
	if err != nil {
		return err
	}
	return c.emitter.Emit(ctx, env)
}

func (c *Chat) emitRecords(event string) func([]*syncer.PendingOp[Message], syncer.Result[Message]) {
	return func(ops []*syncer.PendingOp[Message], res syncer.Result[Message]) {
		if c.emitter == nil {
			return
		}
		for i, rec := range res.Records {
			opID := ""
			if i < len(ops) {
				opID = ops[i].ID
			}
			env, err := push.NewRecordEnvelope(event, c.Room(), push.VerbUpsert, rec.ID, rec, push.Origin{ClientID: c.clientID, OpID: opID}, c.clock.Now())
			if err != nil {
				c.log.WithError(err).Warn("message event not emitted")
				continue
			}
			push.EmitAsync(c.emitter, env, 0, c.log)
		}
	}
}

func (c *Chat) validate(name string, v any) error {
	if err := c.validator.Validate(name, v); err != nil {
		return fmt.Errorf("%w: %w", syncer.ErrValidation, err)
	}
	return nil
}
