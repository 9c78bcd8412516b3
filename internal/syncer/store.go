package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
)

// Result is what the server returned for a successful mutation.
type Result[T Record] struct {
	Records []T
	// Deleted marks a physical deletion with no record in the response.
	Deleted bool
}

// Mutation describes one user action flowing through a Store.
type Mutation[T Record] struct {
	Name string
	// Propose validates and writes the optimistic change. It runs under the
	// store lock and must not block.
	Propose func(r *Reconciler[T]) ([]*PendingOp[T], error)
	// Dispatch performs the network call. It runs without the lock and may
	// run again on retry.
	Dispatch func(ctx context.Context, ops []*PendingOp[T]) (Result[T], error)
	// OnConfirm runs after the server result has been applied.
	OnConfirm func(ops []*PendingOp[T], res Result[T])
}

type StoreOptions[T Record, V any] struct {
	Name       string
	Build      func(records []T) V
	Reconciler ReconcilerOptions[T]
	Clock      clock.Clock
	Logger     logrus.FieldLogger
	// MaxAttempts is the automatic retry budget for transient failures.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type retryEntry[T Record] struct {
	mutation Mutation[T]
	ops      []*PendingOp[T]
	timer    clock.Timer
}

// Store owns one mirror, its reconciler and the views derived from it.
//
// Every reconciler transition and the view rebuild it causes happen inside
// one critical section, so readers never see a half-applied batch. Network
// calls never hold the lock.
type Store[T Record, V any] struct {
	name   string
	clock  clock.Clock
	log    logrus.FieldLogger
	build  func([]T) V
	ctx    context.Context
	cancel context.CancelFunc

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu           sync.Mutex
	mirror       *Mirror[T]
	rec          *Reconciler[T]
	views        V
	viewsVersion uint64
	built        bool
	subs         map[chan struct{}]struct{}
	retries      map[string]*retryEntry[T]
	closed       bool
}

func NewStore[T Record, V any](opts StoreOptions[T, V]) *Store[T, V] {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	logger = logger.WithField("store", opts.Name)
	c := clock.OrSystem(opts.Clock)
	recOpts := opts.Reconciler
	if recOpts.Clock == nil {
		recOpts.Clock = c
	}
	if recOpts.Logger == nil {
		recOpts.Logger = logger
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	mirror := NewMirror[T]()
	s := &Store[T, V]{
		name:        opts.Name,
		clock:       c,
		log:         logger,
		build:       opts.Build,
		ctx:         ctx,
		cancel:      cancel,
		maxAttempts: maxAttempts,
		baseDelay:   opts.RetryBaseDelay,
		maxDelay:    opts.RetryMaxDelay,
		mirror:      mirror,
		rec:         NewReconciler(mirror, recOpts),
		subs:        map[chan struct{}]struct{}{},
		retries:     map[string]*retryEntry[T]{},
	}
	s.refreshLocked()
	return s
}

func (s *Store[T, V]) Name() string {
	return s.name
}

// Update runs fn against the reconciler and rebuilds views once if the mirror
// changed.
func (s *Store[T, V]) Update(fn func(r *Reconciler[T]) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := fn(s.rec)
	s.refreshLocked()
	return err
}

// Read runs fn with the reconciler under the lock without rebuilding views.
func (s *Store[T, V]) Read(fn func(r *Reconciler[T])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rec)
}

// Views returns the latest derived views.
func (s *Store[T, V]) Views() V {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views
}

// ViewsVersion is the mirror version the current views were built from.
func (s *Store[T, V]) ViewsVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewsVersion
}

func (s *Store[T, V]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Get(s.rec.Resolve(id))
}

func (s *Store[T, V]) List(filter Filter[T]) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.List(filter)
}

// Confirmed returns server-accepted records without optimistic overlays.
func (s *Store[T, V]) Confirmed() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Confirmed()
}

func (s *Store[T, V]) Pending() []PendingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Pending()
}

// Subscribe returns a channel signalled after every view rebuild. Signals
// coalesce; read Views after receiving one.
func (s *Store[T, V]) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

// AwaitConfirmed waits for the create behind a provisional id to be
// confirmed and returns the server id. Other ids come back unchanged.
func (s *Store[T, V]) AwaitConfirmed(ctx context.Context, id string) (string, error) {
	if !IsProvisional(id) {
		return id, nil
	}
	ch, cancel := s.Subscribe()
	defer cancel()
	for {
		s.mu.Lock()
		resolved := s.rec.Resolve(id)
		_, ok := s.mirror.Get(resolved)
		s.mu.Unlock()
		switch {
		case resolved != id:
			return resolved, nil
		case !ok:
			return id, ErrNotFound
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return id, ctx.Err()
		case <-s.ctx.Done():
			return id, ErrClosed
		}
	}
}

// Close stops retries and discards results of mutations still in flight.
func (s *Store[T, V]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for key, entry := range s.retries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.retries, key)
	}
}

func (s *Store[T, V]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store[T, V]) refreshLocked() {
	if s.built && s.mirror.Version() == s.viewsVersion {
		return
	}
	s.built = true
	s.viewsVersion = s.mirror.Version()
	if s.build != nil {
		s.views = s.build(s.mirror.List(nil))
	}
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Mutate runs m: optimistic write, network dispatch, then confirmation or the
// failure disposition chosen by Classify.
func (s *Store[T, V]) Mutate(ctx context.Context, m Mutation[T]) (Result[T], error) {
	var ops []*PendingOp[T]
	err := s.Update(func(r *Reconciler[T]) error {
		var proposeErr error
		ops, proposeErr = m.Propose(r)
		return proposeErr
	})
	if err != nil {
		return Result[T]{}, &MutationError{Op: m.Name, Err: err}
	}
	if len(ops) == 0 {
		return Result[T]{}, nil
	}
	return s.dispatch(ctx, m, ops)
}

func (s *Store[T, V]) dispatch(ctx context.Context, m Mutation[T], ops []*PendingOp[T]) (Result[T], error) {
	res, err := m.Dispatch(ctx, ops)
	if err != nil {
		return Result[T]{}, s.fail(m, ops, err)
	}
	applyErr := s.Update(func(r *Reconciler[T]) error {
		s.settle(r, ops, res)
		return nil
	})
	if applyErr != nil {
		s.log.WithField("mutation", m.Name).Debug("result discarded after close")
		return res, nil
	}
	if m.OnConfirm != nil {
		m.OnConfirm(ops, res)
	}
	return res, nil
}

func (s *Store[T, V]) settle(r *Reconciler[T], ops []*PendingOp[T], res Result[T]) {
	if len(ops) == 1 && len(res.Records) == 1 {
		r.Confirm(ops[0].ID, res.Records[0])
		return
	}
	byID := make(map[string]T, len(res.Records))
	for _, rec := range res.Records {
		byID[rec.RecordID()] = rec
	}
	for _, op := range ops {
		if rec, ok := byID[op.RecordID]; ok {
			r.Confirm(op.ID, rec)
			continue
		}
		if res.Deleted {
			r.ConfirmDelete(op.ID)
			continue
		}
		r.ConfirmLocal(op.ID)
	}
}

func (s *Store[T, V]) fail(m Mutation[T], ops []*PendingOp[T], err error) error {
	disposition := Classify(err)
	merr := &MutationError{Op: m.Name, Err: err}
	applyErr := s.Update(func(r *Reconciler[T]) error {
		merr.RecordID = ops[0].RecordID
		for _, op := range ops {
			switch disposition {
			case Retain:
				r.Retain(op.ID, err)
			case RemoveLocal:
				r.Forget(op.RecordID)
			default:
				r.Reject(op.ID)
			}
		}
		return nil
	})
	if applyErr != nil {
		return merr
	}
	s.log.WithFields(logrus.Fields{
		"mutation":    m.Name,
		"record":      merr.RecordID,
		"disposition": disposition.String(),
	}).WithError(err).Warn("mutation failed")
	if disposition == Retain {
		merr.Retained = s.scheduleRetry(m, ops)
	}
	return merr
}

func (s *Store[T, V]) scheduleRetry(m Mutation[T], ops []*PendingOp[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	key := ops[0].ID
	if _, ok := s.rec.Op(key); !ok {
		return false
	}
	entry := &retryEntry[T]{mutation: m, ops: ops}
	s.retries[key] = entry
	attempts := ops[0].Attempts
	if attempts >= s.maxAttempts {
		for _, op := range ops {
			s.rec.Fail(op.ID)
		}
		s.log.WithFields(logrus.Fields{"mutation": m.Name, "op": key}).Warn("retry budget exhausted, waiting for manual retry")
		return true
	}
	delay := Backoff(attempts, s.baseDelay, s.maxDelay)
	entry.timer = s.clock.AfterFunc(delay, func() {
		s.runRetry(key)
	})
	return true
}

func (s *Store[T, V]) takeRetry(opID string) (*retryEntry[T], []*PendingOp[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false
	}
	key := opID
	entry, ok := s.retries[key]
	if !ok {
		for k, candidate := range s.retries {
			for _, op := range candidate.ops {
				if op.ID == opID {
					key, entry, ok = k, candidate, true
				}
			}
		}
	}
	if !ok {
		return nil, nil, false
	}
	delete(s.retries, key)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	live := make([]*PendingOp[T], 0, len(entry.ops))
	for _, op := range entry.ops {
		if _, ok := s.rec.Op(op.ID); ok {
			op.State = OpInflight
			live = append(live, op)
		}
	}
	return entry, live, true
}

func (s *Store[T, V]) runRetry(key string) {
	entry, live, ok := s.takeRetry(key)
	if !ok || len(live) == 0 {
		return
	}
	if _, err := s.dispatch(s.ctx, entry.mutation, live); err != nil {
		s.log.WithError(err).WithField("op", key).Debug("retry attempt failed")
	}
}

// Retry immediately re-dispatches a retained operation.
func (s *Store[T, V]) Retry(ctx context.Context, opID string) error {
	entry, live, ok := s.takeRetry(opID)
	if !ok {
		return ErrUnknownOp
	}
	if len(live) == 0 {
		return nil
	}
	_, err := s.dispatch(ctx, entry.mutation, live)
	return err
}

// Discard abandons a retained operation and rolls its optimistic change back.
func (s *Store[T, V]) Discard(opID string) error {
	_, live, ok := s.takeRetry(opID)
	if !ok {
		return ErrUnknownOp
	}
	return s.Update(func(r *Reconciler[T]) error {
		for _, op := range live {
			r.Reject(op.ID)
		}
		return nil
	})
}
