package notifications

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

var ErrInvalidOptions = errors.New("notifications: invalid options")

type Options struct {
	UserID    string
	ClientID  string
	API       API
	Push      push.Emitter
	Validator *schema.Validator
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	// Location decides calendar-day boundaries. Defaults to UTC.
	Location *time.Location

	Window         time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PageSize       int
	MaxPages       int
}

// Inbox is the signed-in user's notification feed. It lives for the whole
// session, independent of the open project.
type Inbox struct {
	userID    string
	clientID  string
	api       API
	emitter   push.Emitter
	validator *schema.Validator
	clock     clock.Clock
	log       logrus.FieldLogger
	pageSize  int
	maxPages  int

	store *syncer.Store[Notification, Views]
}

func NewInbox(opts Options) (*Inbox, error) {
	if opts.UserID == "" || opts.API == nil {
		return nil, fmt.Errorf("%w: user id and api are required", ErrInvalidOptions)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("user", opts.UserID)
	validator := opts.Validator
	if validator == nil {
		validator = schema.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	c := clock.OrSystem(opts.Clock)
	in := &Inbox{
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
	in.store = syncer.NewStore(syncer.StoreOptions[Notification, Views]{
		Name: "notifications",
		Build: func(records []Notification) Views {
			return BuildViews(records, c.Now(), loc)
		},
		Reconciler: syncer.ReconcilerOptions[Notification]{
			Window:   opts.Window,
			ClientID: opts.ClientID,
		},
		Clock:          c,
		Logger:         logger,
		MaxAttempts:    opts.MaxAttempts,
		RetryBaseDelay: opts.RetryBaseDelay,
		RetryMaxDelay:  opts.RetryMaxDelay,
	})
	return in, nil
}

func (in *Inbox) Room() string { return push.NotificationRoom(in.userID) }

func (in *Inbox) Views() Views { return in.store.Views() }

// Filtered returns matching notifications ordered by id.
func (in *Inbox) Filtered(f Filters) []Notification {
	return in.store.List(f.Predicate())
}

func (in *Inbox) Unread() int { return in.store.Views().Unread }

func (in *Inbox) Get(id string) (Notification, bool) { return in.store.Get(id) }

func (in *Inbox) Subscribe() (<-chan struct{}, func()) { return in.store.Subscribe() }

func (in *Inbox) Pending() []syncer.PendingInfo { return in.store.Pending() }

func (in *Inbox) Confirmed() []Notification { return in.store.Confirmed() }

func (in *Inbox) Retry(ctx context.Context, opID string) error { return in.store.Retry(ctx, opID) }

func (in *Inbox) Discard(opID string) error { return in.store.Discard(opID) }

func (in *Inbox) Close() { in.store.Close() }

func (in *Inbox) Restore(records []Notification) int {
	n := 0
	_ = in.store.Update(func(r *syncer.Reconciler[Notification]) error {
		n = r.Restore(in.validRecords(records))
		return nil
	})
	return n
}

// Refresh walks every page of the feed.
func (in *Inbox) Refresh(ctx context.Context) error {
	requestedAt := in.clock.Now()
	records, complete, err := syncer.Walk(ctx, in.maxPages, func(ctx context.Context, cursor string) (syncer.Page[Notification], error) {
		return in.api.ListNotifications(ctx, ListQuery{Cursor: cursor, Limit: in.pageSize})
	})
	if !complete && err == nil {
		in.log.WithField("records", len(records)).Warn("refresh stopped before the last page; pruning skipped")
	}
	in.applySnapshot(records, syncer.SnapshotInfo{RequestedAt: requestedAt, Complete: complete && err == nil})
	return err
}

// LoadPage fetches one filtered page and merges it additively.
func (in *Inbox) LoadPage(ctx context.Context, q ListQuery) (syncer.Page[Notification], error) {
	requestedAt := in.clock.Now()
	page, err := in.api.ListNotifications(ctx, q)
	if err != nil {
		return page, err
	}
	in.applySnapshot(page.Records, syncer.SnapshotInfo{RequestedAt: requestedAt})
	return page, nil
}

func (in *Inbox) applySnapshot(records []Notification, info syncer.SnapshotInfo) {
	valid := in.validRecords(records)
	_ = in.store.Update(func(r *syncer.Reconciler[Notification]) error {
		applied, pruned := r.ApplySnapshot(valid, info)
		in.log.WithFields(logrus.Fields{"applied": applied, "pruned": pruned, "complete": info.Complete}).Debug("notification snapshot merged")
		return nil
	})
}

func (in *Inbox) validRecords(records []Notification) []Notification {
	out := make([]Notification, 0, len(records))
	for _, n := range records {
		if n.UserID != in.userID {
			in.log.WithField("record", n.ID).Warn("notification for another user skipped")
			continue
		}
		if err := in.validator.Validate(schema.NotificationRecord, n); err != nil {
			in.log.WithField("record", n.ID).WithError(err).Warn("malformed notification skipped")
			continue
		}
		out = append(out, n)
	}
	return out
}

// HandlePush merges one notification event.
func (in *Inbox) HandlePush(env push.Envelope) bool {
	update := syncer.PushUpdate[Notification]{
		OriginOpID:     env.OriginOpID,
		OriginClientID: env.OriginClientID,
	}
	switch env.Event {
	case push.EventNotificationCreated, push.EventNotificationUpdated:
		rec, err := push.DecodeRecord[Notification](in.validator, schema.NotificationRecord, env)
		if err != nil {
			in.log.WithField("event", env.Event).WithError(err).Warn("malformed notification event skipped")
			return false
		}
		if rec.UserID != in.userID {
			return false
		}
		update.Verb = syncer.PushUpsert
		update.Record, update.HasRecord = rec, true
	case push.EventNotificationDeleted:
		if env.RecordID == "" {
			return false
		}
		update.Verb = syncer.PushDelete
		update.RecordID = env.RecordID
	default:
		return false
	}
	applied := false
	_ = in.store.Update(func(r *syncer.Reconciler[Notification]) error {
		applied = r.ApplyPush(update)
		return nil
	})
	return applied
}

// MarkRead marks one notification read. Already-read notifications are left
// alone.
func (in *Inbox) MarkRead(ctx context.Context, id string) (Notification, error) {
	if cur, ok := in.store.Get(id); ok && cur.IsRead {
		return cur, nil
	}
	return in.mark(ctx, "notification.read", id, true, markRead(in.clock.Now()))
}

func (in *Inbox) MarkUnread(ctx context.Context, id string) (Notification, error) {
	if cur, ok := in.store.Get(id); ok && !cur.IsRead {
		return cur, nil
	}
	return in.mark(ctx, "notification.unread", id, false, markUnread)
}

func (in *Inbox) mark(ctx context.Context, name, id string, read bool, apply func(Notification) Notification) (Notification, error) {
	res, err := in.store.Mutate(ctx, syncer.Mutation[Notification]{
		Name: name,
		Propose: func(r *syncer.Reconciler[Notification]) ([]*syncer.PendingOp[Notification], error) {
			op, err := r.ProposeUpdate(id, apply)
			if err != nil {
				return nil, err
			}
			return []*syncer.PendingOp[Notification]{op}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Notification]) (syncer.Result[Notification], error) {
			n, err := in.api.MarkNotification(ctx, ops[0].RecordID, read, ops[0].ID)
			if err != nil {
				return syncer.Result[Notification]{}, err
			}
			return syncer.Result[Notification]{Records: []Notification{n}}, nil
		},
		OnConfirm: func(ops []*syncer.PendingOp[Notification], res syncer.Result[Notification]) {
			for _, n := range res.Records {
				in.emit(push.EventNotificationUpdated, push.VerbUpsert, n.ID, n, ops[0].ID)
			}
		},
	})
	if err != nil {
		cur, _ := in.store.Get(id)
		return cur, err
	}
	return res.Records[0], nil
}

// MarkAllRead marks every unread notification read in one call and returns
// the count the server reports.
func (in *Inbox) MarkAllRead(ctx context.Context) (int, error) {
	updated := 0
	now := in.clock.Now()
	_, err := in.store.Mutate(ctx, syncer.Mutation[Notification]{
		Name: "notification.read_all",
		Propose: func(r *syncer.Reconciler[Notification]) ([]*syncer.PendingOp[Notification], error) {
			var ops []*syncer.PendingOp[Notification]
			for _, n := range r.Mirror().List(func(n Notification) bool { return !n.IsRead }) {
				op, err := r.ProposeUpdate(n.ID, markRead(now))
				if err != nil {
					return nil, err
				}
				ops = append(ops, op)
			}
			return ops, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Notification]) (syncer.Result[Notification], error) {
			n, err := in.api.MarkAllRead(ctx, ops[0].ID)
			if err != nil {
				return syncer.Result[Notification]{}, err
			}
			updated = n
			return syncer.Result[Notification]{}, nil
		},
	})
	return updated, err
}

// Delete removes a notification optimistically.
func (in *Inbox) Delete(ctx context.Context, id string) error {
	_, err := in.store.Mutate(ctx, syncer.Mutation[Notification]{
		Name: "notification.delete",
		Propose: func(r *syncer.Reconciler[Notification]) ([]*syncer.PendingOp[Notification], error) {
			op, err := r.ProposeDelete(id)
			if err != nil {
				return nil, err
			}
			return []*syncer.PendingOp[Notification]{op}, nil
		},
		Dispatch: func(ctx context.Context, ops []*syncer.PendingOp[Notification]) (syncer.Result[Notification], error) {
			if err := in.api.DeleteNotification(ctx, ops[0].RecordID, ops[0].ID); err != nil {
				return syncer.Result[Notification]{}, err
			}
			return syncer.Result[Notification]{Deleted: true}, nil
		},
		OnConfirm: func(ops []*syncer.PendingOp[Notification], _ syncer.Result[Notification]) {
			in.emit(push.EventNotificationDeleted, push.VerbDelete, ops[0].RecordID, nil, ops[0].ID)
		},
	})
	return err
}

func (in *Inbox) emit(event, verb, recordID string, record any, opID string) {
	if in.emitter == nil {
		return
	}
	env, err := push.NewRecordEnvelope(event, in.Room(), verb, recordID, record, push.Origin{ClientID: in.clientID, OpID: opID}, in.clock.Now())
	if err != nil {
		in.log.WithError(err).Warn("notification event not emitted")
		return
	}
	push.EmitAsync(in.emitter, env, 0, in.log)
}
