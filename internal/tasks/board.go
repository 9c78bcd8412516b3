package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/schema"
	"github.com/agentworkforce/collabsync/internal/syncer"
)

var ErrInvalidOptions = errors.New("tasks: invalid options")

type Options struct {
	ProjectID string
	UserID    string
	ClientID  string
	API       API
	// Push receives an event after every confirmed mutation. Optional.
	Push      push.Emitter
	Validator *schema.Validator
	Clock     clock.Clock
	Logger    logrus.FieldLogger

	Window         time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PageSize       int
	MaxPages       int
}

// Store is the task board of one project.
type Store struct {
	projectID string
	userID    string
	clientID  string
	api       API
	emitter   push.Emitter
	validator *schema.Validator
	clock     clock.Clock
	log       logrus.FieldLogger
	pageSize  int
	maxPages  int

	store *syncer.Store[Task, Views]
}

func NewStore(opts Options) (*Store, error) {
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
	c := clock.OrSystem(opts.Clock)
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	s := &Store{
		projectID: opts.ProjectID,
		userID:    opts.UserID,
		clientID:  opts.ClientID,
		api:       opts.API,
		emitter:   opts.Push,
		validator: validator,
		clock:     c,
		log:       logger,
		pageSize:  pageSize,
		maxPages:  opts.MaxPages,
	}
	s.store = syncer.NewStore(syncer.StoreOptions[Task, Views]{
		Name: "tasks",
		Build: func(records []Task) Views {
			return BuildViews(records, c.Now())
		},
		Reconciler: syncer.ReconcilerOptions[Task]{
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
	return s, nil
}

// matchDraft pairs an optimistic create with the server record it produced
// when the record arrives before the create confirmation.
func matchDraft(draft, incoming Task) bool {
	return draft.ProjectID == incoming.ProjectID &&
		draft.Title == incoming.Title &&
		draft.CreatedBy == incoming.CreatedBy &&
		draft.Status == incoming.Status
}

func (s *Store) ProjectID() string { return s.projectID }

func (s *Store) Room() string { return push.TaskRoom(s.projectID) }

func (s *Store) Views() Views { return s.store.Views() }

// FilteredBoard groups the tasks accepted by f.
func (s *Store) FilteredBoard(f Filters) Board {
	return GroupByStatus(s.store.List(f.Predicate()))
}

func (s *Store) Get(id string) (Task, bool) { return s.store.Get(id) }

func (s *Store) Subscribe() (<-chan struct{}, func()) { return s.store.Subscribe() }

func (s *Store) Pending() []syncer.PendingInfo { return s.store.Pending() }

func (s *Store) Confirmed() []Task { return s.store.Confirmed() }

func (s *Store) Retry(ctx context.Context, opID string) error { return s.store.Retry(ctx, opID) }

func (s *Store) Discard(opID string) error { return s.store.Discard(opID) }

func (s *Store) Close() { s.store.Close() }

// Restore seeds the board from a local cache.
func (s *Store) Restore(records []Task) int {
	n := 0
	_ = s.store.Update(func(r *syncer.Reconciler[Task]) error {
		n = r.Restore(s.validRecords(records))
		return nil
	})
	return n
}

// Refresh walks every page of the project's tasks. A walk that finishes is
// authoritative and prunes tasks the server no longer returns.
func (s *Store) Refresh(ctx context.Context) error {
	requestedAt := s.clock.Now()
	records, complete, err := syncer.Walk(ctx, s.maxPages, func(ctx context.Context, cursor string) (syncer.Page[Task], error) {
		return s.api.ListTasks(ctx, s.projectID, ListQuery{Cursor: cursor, Limit: s.pageSize})
	})
	if !complete && err == nil {
		s.log.WithField("records", len(records)).Warn("refresh stopped before the last page; pruning skipped")
	}
	s.applySnapshot(records, syncer.SnapshotInfo{RequestedAt: requestedAt, Complete: complete && err == nil})
	return err
}

// LoadPage fetches one page with server-side filters. The result is merged
// additively.
func (s *Store) LoadPage(ctx context.Context, q ListQuery) (syncer.Page[Task], error) {
	requestedAt := s.clock.Now()
	page, err := s.api.ListTasks(ctx, s.projectID, q)
	if err != nil {
		return page, err
	}
	s.applySnapshot(page.Records, syncer.SnapshotInfo{RequestedAt: requestedAt})
	return page, nil
}

func (s *Store) applySnapshot(records []Task, info syncer.SnapshotInfo) {
	valid := s.validRecords(records)
	_ = s.store.Update(func(r *syncer.Reconciler[Task]) error {
		applied, pruned := r.ApplySnapshot(valid, info)
		s.log.WithFields(logrus.Fields{"applied": applied, "pruned": pruned, "complete": info.Complete}).Debug("task snapshot merged")
		return nil
	})
}

func (s *Store) validRecords(records []Task) []Task {
	out := make([]Task, 0, len(records))
	for _, t := range records {
		if t.ProjectID != s.projectID {
			s.log.WithField("record", t.ID).Warn("task from another project skipped")
			continue
		}
		if err := s.validator.Validate(schema.TaskRecord, t); err != nil {
			s.log.WithField("record", t.ID).WithError(err).Warn("malformed task skipped")
			continue
		}
		out = append(out, t)
	}
	return out
}

// HandlePush merges one task event. It reports whether the mirror accepted
// it.
func (s *Store) HandlePush(env push.Envelope) bool {
	update := syncer.PushUpdate[Task]{
		OriginOpID:     env.OriginOpID,
		OriginClientID: env.OriginClientID,
	}
	switch env.Event {
	case push.EventTaskCreated, push.EventTaskUpdated, push.EventTaskMoved:
		rec, err := push.DecodeRecord[Task](s.validator, schema.TaskRecord, env)
		if err != nil {
			s.log.WithField("event", env.Event).WithError(err).Warn("malformed task event skipped")
			return false
		}
		if rec.ProjectID != s.projectID {
			return false
		}
		update.Verb = syncer.PushUpsert
		update.Record, update.HasRecord = rec, true
	case push.EventTaskDeleted:
		if env.RecordID == "" {
			s.log.WithField("event", env.Event).Warn("task delete without record id skipped")
			return false
		}
		update.Verb = syncer.PushDelete
		update.RecordID = env.RecordID
	default:
		return false
	}
	applied := false
	_ = s.store.Update(func(r *syncer.Reconciler[Task]) error {
		applied = r.ApplyPush(update)
		return nil
	})
	return applied
}

// Create adds a task optimistically under a provisional id.
func (s *Store) Create(ctx context.Context, in CreateInput) (Task, error) {
	const op = "task.create"
	in = in.normalized()
	if err := s.validate(schema.TaskCreate, in); err != nil {
		return Task{}, &syncer.MutationError{Op: op, Err: err}
	}
	now := s.clock.Now()
	draft := Task{
		ID:          syncer.NewProvisionalID(),
		ProjectID:   s.projectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeID:  in.AssigneeID,
		DueDate:     in.DueDate,
		CreatedBy:   s.userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res, err := s.store.Mutate(ctx, syncer.Mutation[Task]{
		Name: op,
		Propose: func(r *syncer.Reconciler[Task]) ([]*syncer.PendingOp[Task], error) {
			return []*syncer.PendingOp[Task]{r.ProposeCreate(draft)}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Task]) (syncer.Result[Task], error) {
			t, err := s.api.CreateTask(ctx, s.projectID, in, ops[0].ID)
			if err != nil {
				return syncer.Result[Task]{}, err
			}
			return syncer.Result[Task]{Records: []Task{t}}, nil
		},
		OnConfirm: s.emitRecords(push.EventTaskCreated),
	})
	if err != nil {
		return draft, err
	}
	return res.Records[0], nil
}

// Update applies a partial change.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Task, error) {
	if err := s.validate(schema.TaskPatch, p); err != nil {
		return Task{}, &syncer.MutationError{Op: "task.update", RecordID: id, Err: err}
	}
	return s.update(ctx, "task.update", push.EventTaskUpdated, id, p)
}

// Move changes a task's status, which moves it between board columns. The
// new column is visible before Move returns.
func (s *Store) Move(ctx context.Context, id string, to Status) (Task, error) {
	if !to.Valid() {
		return Task{}, &syncer.MutationError{Op: "task.move", RecordID: id, Err: syncer.Validationf("unknown status %q", to)}
	}
	if cur, ok := s.store.Get(id); ok && cur.Status == to {
		return cur, nil
	}
	return s.update(ctx, "task.move", push.EventTaskMoved, id, Patch{Status: &to})
}

// Assign sets the assignee; an empty userID unassigns.
func (s *Store) Assign(ctx context.Context, id, userID string) (Task, error) {
	return s.update(ctx, "task.assign", push.EventTaskUpdated, id, Patch{AssigneeID: &userID})
}

// update and Delete on a task still being created wait for its
// confirmation, then act on the server id.
func (s *Store) update(ctx context.Context, name, event, id string, p Patch) (Task, error) {
	id, err := s.store.AwaitConfirmed(ctx, id)
	if err != nil {
		return Task{}, &syncer.MutationError{Op: name, RecordID: id, Err: err}
	}
	res, err := s.store.Mutate(ctx, syncer.Mutation[Task]{
		Name: name,
		Propose: func(r *syncer.Reconciler[Task]) ([]*syncer.PendingOp[Task], error) {
			op, err := r.ProposeUpdate(id, p.Apply)
			if err != nil {
				return nil, err
			}
			return []*syncer.PendingOp[Task]{op}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Task]) (syncer.Result[Task], error) {
			t, err := s.api.UpdateTask(ctx, ops[0].RecordID, p, ops[0].ID)
			if err != nil {
				return syncer.Result[Task]{}, err
			}
			return syncer.Result[Task]{Records: []Task{t}}, nil
		},
		OnConfirm: s.emitRecords(event),
	})
	if err != nil {
		cur, _ := s.store.Get(id)
		return cur, err
	}
	return res.Records[0], nil
}

// Delete removes a task optimistically.
func (s *Store) Delete(ctx context.Context, id string) error {
	id, err := s.store.AwaitConfirmed(ctx, id)
	if err != nil {
		return &syncer.MutationError{Op: "task.delete", RecordID: id, Err: err}
	}
	_, err = s.store.Mutate(ctx, syncer.Mutation[Task]{
		Name: "task.delete",
		Propose: func(r *syncer.Reconciler[Task]) ([]*syncer.PendingOp[Task], error) {
			op, err := r.ProposeDelete(id)
			if err != nil {
				return nil, err
			}
			return []*syncer.PendingOp[Task]{op}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Task]) (syncer.Result[Task], error) {
			if err := s.api.DeleteTask(ctx, ops[0].RecordID, ops[0].ID); err != nil {
				return syncer.Result[Task]{}, err
			}
			return syncer.Result[Task]{Deleted: true}, nil
		},
		OnConfirm: func(ops []*syncer.PendingOp[Task], _ syncer.Result[Task]) {
			s.emit(push.EventTaskDeleted, push.VerbDelete, ops[0].RecordID, nil, ops[0].ID)
		},
	})
	return err
}

func (s *Store) emitRecords(event string) func([]*syncer.PendingOp[Task], syncer.Result[Task]) {
	return func(ops []*syncer.PendingOp[Task], res syncer.Result[Task]) {
		for i, rec := range res.Records {
			opID := ""
			if i < len(ops) {
				opID = ops[i].ID
			}
			s.emit(event, push.VerbUpsert, rec.ID, rec, opID)
		}
	}
}

func (s *Store) emit(event, verb, recordID string, record any, opID string) {
	if s.emitter == nil {
		return
	}
	env, err := push.NewRecordEnvelope(event, s.Room(), verb, recordID, record, push.Origin{ClientID: s.clientID, OpID: opID}, s.clock.Now())
	if err != nil {
		s.log.WithError(err).Warn("task event not emitted")
		return
	}
	push.EmitAsync(s.emitter, env, 0, s.log)
}

func (s *Store) validate(name string, v any) error {
	if err := s.validator.Validate(name, v); err != nil {
		return fmt.Errorf("%w: %w", syncer.ErrValidation, err)
	}
	return nil
}
