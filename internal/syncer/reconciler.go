package syncer

import (
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
)

// Source identifies the channel a record arrived on. Higher sources take
// precedence over lower ones inside the recency window.
type Source int

const (
	SourceCache Source = iota
	SourcePoll
	SourcePush
	SourceConfirm
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourcePoll:
		return "poll"
	case SourcePush:
		return "push"
	case SourceConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

type OpState string

const (
	OpInflight OpState = "inflight"
	OpRetrying OpState = "retrying"
	OpFailed   OpState = "failed"
)

// PendingOp is one optimistic local mutation awaiting server confirmation.
// Apply must return a modified copy and never mutate its argument.
type PendingOp[T Record] struct {
	ID         string
	Kind       OpKind
	RecordID   string
	Draft      T
	Apply      func(T) T
	State      OpState
	Attempts   int
	LastErr    error
	ProposedAt time.Time

	seq uint64
}

type PendingInfo struct {
	OpID       string    `json:"opId" yaml:"opId"`
	RecordID   string    `json:"recordId" yaml:"recordId"`
	Kind       OpKind    `json:"kind" yaml:"kind"`
	State      OpState   `json:"state" yaml:"state"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	LastError  string    `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	ProposedAt time.Time `json:"proposedAt" yaml:"proposedAt"`
}

// SnapshotInfo describes one poll result.
type SnapshotInfo struct {
	RequestedAt time.Time
	// Complete marks an unfiltered walk over every page. Only complete
	// snapshots may prune records that the server no longer returns.
	Complete bool
}

type PushVerb string

const (
	PushUpsert PushVerb = "upsert"
	PushDelete PushVerb = "delete"
)

type PushUpdate[T Record] struct {
	Verb           PushVerb
	RecordID       string
	Record         T
	HasRecord      bool
	OriginOpID     string
	OriginClientID string
}

type ReconcilerOptions[T Record] struct {
	// Window bounds tombstones, echo suppression and poll precedence.
	Window   time.Duration
	Clock    clock.Clock
	ClientID string
	// Match pairs an optimistic draft with a server record that arrived
	// before the create confirmation.
	Match  func(draft, incoming T) bool
	Logger logrus.FieldLogger
}

type ledgerEntry[T Record] struct {
	base        T
	hasBase     bool
	pending     []*PendingOp[T]
	authorityAt time.Time
	source      Source
}

// Reconciler merges confirmations, poll snapshots and push events into a
// Mirror while keeping optimistic operations layered on top.
//
// The mirror value of every id is the ordered fold of its pending operations
// over the last accepted server record. Not safe for concurrent use; Store
// serializes access.
type Reconciler[T Record] struct {
	mirror       *Mirror[T]
	entries      map[string]*ledgerEntry[T]
	ops          map[string]*PendingOp[T]
	aliases      map[string]string
	tombstones   map[string]time.Time
	suppressions map[string]time.Time

	window   time.Duration
	clock    clock.Clock
	clientID string
	match    func(draft, incoming T) bool
	log      logrus.FieldLogger
	seq      uint64
	// creates counts pending create ops; matchProvisional is skipped at zero.
	creates int
}

func NewReconciler[T Record](mirror *Mirror[T], opts ReconcilerOptions[T]) *Reconciler[T] {
	window := opts.Window
	if window <= 0 {
		window = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Reconciler[T]{
		mirror:       mirror,
		entries:      map[string]*ledgerEntry[T]{},
		ops:          map[string]*PendingOp[T]{},
		aliases:      map[string]string{},
		tombstones:   map[string]time.Time{},
		suppressions: map[string]time.Time{},
		window:       window,
		clock:        clock.OrSystem(opts.Clock),
		clientID:     opts.ClientID,
		match:        opts.Match,
		log:          logger,
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Mirror exposes the displayed collection for reads.
func (r *Reconciler[T]) Mirror() *Mirror[T] {
	return r.mirror
}

// Resolve maps a provisional id to its confirmed server id.
func (r *Reconciler[T]) Resolve(id string) string {
	for i := 0; i < 4; i++ {
		next, ok := r.aliases[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// ProposeCreate overlays draft under its provisional id.
func (r *Reconciler[T]) ProposeCreate(draft T) *PendingOp[T] {
	id := draft.RecordID()
	op := r.newOp(OpCreate, id)
	op.Draft = draft
	r.creates++
	e := r.entries[id]
	if e == nil {
		e = &ledgerEntry[T]{}
		r.entries[id] = e
	}
	e.pending = append(e.pending, op)
	r.render(id)
	return op
}

// ProposeUpdate overlays apply on the displayed record.
func (r *Reconciler[T]) ProposeUpdate(id string, apply func(T) T) (*PendingOp[T], error) {
	id, err := r.proposable(id)
	if err != nil {
		return nil, err
	}
	op := r.newOp(OpUpdate, id)
	op.Apply = apply
	r.entries[id].pending = append(r.entries[id].pending, op)
	r.render(id)
	return op, nil
}

// ProposeDelete hides the displayed record until confirmed or rejected.
func (r *Reconciler[T]) ProposeDelete(id string) (*PendingOp[T], error) {
	id, err := r.proposable(id)
	if err != nil {
		return nil, err
	}
	op := r.newOp(OpDelete, id)
	r.entries[id].pending = append(r.entries[id].pending, op)
	r.render(id)
	return op, nil
}

func (r *Reconciler[T]) proposable(id string) (string, error) {
	id = r.Resolve(id)
	if _, ok := r.mirror.Get(id); !ok {
		return id, ErrNotFound
	}
	if IsProvisional(id) {
		return id, ErrNotConfirmed
	}
	if r.entries[id] == nil {
		r.entries[id] = &ledgerEntry[T]{}
	}
	return id, nil
}

func (r *Reconciler[T]) newOp(kind OpKind, id string) *PendingOp[T] {
	r.seq++
	op := &PendingOp[T]{
		ID:         NewOpID(),
		Kind:       kind,
		RecordID:   id,
		State:      OpInflight,
		ProposedAt: r.clock.Now(),
		seq:        r.seq,
	}
	r.ops[op.ID] = op
	return op
}

// Op returns a pending operation by id.
func (r *Reconciler[T]) Op(opID string) (*PendingOp[T], bool) {
	op, ok := r.ops[opID]
	return op, ok
}

// Confirm replaces the pending operation with the server's record. A create
// confirmation carrying a different id swaps the provisional identity.
func (r *Reconciler[T]) Confirm(opID string, rec T) bool {
	op, ok := r.takeOp(opID)
	if !ok {
		return false
	}
	now := r.clock.Now()
	r.prune(now)
	newID := rec.RecordID()
	if op.RecordID != newID {
		if _, ok := r.entries[op.RecordID]; ok {
			r.rekey(op.RecordID, newID)
		}
	}
	r.suppress(opID, now)
	if r.isTombstoned(newID, now) {
		r.log.WithFields(logrus.Fields{"record": newID, "op": opID}).Debug("confirmation for deleted record ignored")
		r.render(newID)
		return true
	}
	e := r.entry(newID)
	if !e.hasBase || !rec.RecordUpdatedAt().Before(e.base.RecordUpdatedAt()) {
		e.base, e.hasBase = rec, true
	}
	e.authorityAt = now
	e.source = SourceConfirm
	r.render(newID)
	return true
}

// ConfirmLocal accepts an operation whose server response carried no record,
// folding the optimistic change into the confirmed base.
func (r *Reconciler[T]) ConfirmLocal(opID string) bool {
	op, ok := r.takeOp(opID)
	if !ok {
		return false
	}
	now := r.clock.Now()
	r.prune(now)
	r.suppress(opID, now)
	if op.Kind == OpDelete {
		r.drop(op.RecordID, now)
		return true
	}
	e := r.entry(op.RecordID)
	switch op.Kind {
	case OpCreate:
		if !e.hasBase {
			e.base, e.hasBase = op.Draft, true
		}
	case OpUpdate:
		if e.hasBase && op.Apply != nil {
			e.base = op.Apply(e.base)
		}
	}
	e.authorityAt = now
	e.source = SourceConfirm
	r.render(op.RecordID)
	return true
}

// ConfirmDelete removes the record for good and tombstones its id.
func (r *Reconciler[T]) ConfirmDelete(opID string) bool {
	op, ok := r.takeOp(opID)
	if !ok {
		return false
	}
	now := r.clock.Now()
	r.prune(now)
	r.suppress(opID, now)
	r.drop(op.RecordID, now)
	return true
}

// Reject discards the operation; the record reverts to the fold of whatever
// remains.
func (r *Reconciler[T]) Reject(opID string) bool {
	op, ok := r.takeOp(opID)
	if !ok {
		return false
	}
	r.render(op.RecordID)
	return true
}

// Retain keeps the operation overlaid after a transient failure.
func (r *Reconciler[T]) Retain(opID string, err error) bool {
	op, ok := r.ops[opID]
	if !ok {
		return false
	}
	op.State = OpRetrying
	op.Attempts++
	op.LastErr = err
	return true
}

// Fail marks a retained operation as out of automatic retries.
func (r *Reconciler[T]) Fail(opID string) bool {
	op, ok := r.ops[opID]
	if !ok {
		return false
	}
	op.State = OpFailed
	return true
}

// Forget removes a record the server no longer knows, along with its pending
// operations, and returns the dropped operation ids.
func (r *Reconciler[T]) Forget(id string) []string {
	id = r.Resolve(id)
	var dropped []string
	if e := r.entries[id]; e != nil {
		for _, op := range e.pending {
			dropped = append(dropped, op.ID)
		}
	}
	r.drop(id, r.clock.Now())
	return dropped
}

// ApplySnapshot merges one poll result.
func (r *Reconciler[T]) ApplySnapshot(records []T, info SnapshotInfo) (applied, pruned int) {
	r.prune(r.clock.Now())
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.RecordID()] = struct{}{}
		if r.ingest(rec, SourcePoll, info.RequestedAt) {
			applied++
		}
	}
	if !info.Complete {
		return applied, 0
	}
	for id, e := range r.entries {
		if _, ok := seen[id]; ok {
			continue
		}
		if IsProvisional(id) || !e.hasBase || len(e.pending) > 0 {
			continue
		}
		if !e.authorityAt.IsZero() && !e.authorityAt.Before(info.RequestedAt) {
			continue
		}
		delete(r.entries, id)
		r.mirror.Remove(id)
		pruned++
	}
	return applied, pruned
}

// ApplyPush merges one push event. It reports false for dropped events,
// including echoes of this client's own mutations.
func (r *Reconciler[T]) ApplyPush(u PushUpdate[T]) bool {
	now := r.clock.Now()
	r.prune(now)
	if u.OriginOpID != "" {
		if _, pending := r.ops[u.OriginOpID]; pending {
			return false
		}
		if r.isSuppressed(u.OriginOpID, now) {
			return false
		}
	}
	id := u.RecordID
	if u.HasRecord {
		id = u.Record.RecordID()
	}
	if id == "" {
		return false
	}
	if u.HasRecord && u.OriginClientID != "" && u.OriginClientID == r.clientID {
		if e := r.entries[id]; e != nil && e.hasBase && !u.Record.RecordUpdatedAt().After(e.base.RecordUpdatedAt()) {
			return false
		}
	}
	if u.Verb == PushDelete && !u.HasRecord {
		if _, known := r.entries[id]; !known {
			r.tombstones[id] = now.Add(r.window)
			return false
		}
		r.drop(id, now)
		return true
	}
	if !u.HasRecord {
		return false
	}
	return r.ingest(u.Record, SourcePush, now)
}

// Restore seeds records from a local cache. Cached records never override
// anything already known.
func (r *Reconciler[T]) Restore(records []T) int {
	n := 0
	for _, rec := range records {
		if _, known := r.entries[rec.RecordID()]; known {
			continue
		}
		if r.ingest(rec, SourceCache, time.Time{}) {
			n++
		}
	}
	return n
}

// Confirmed returns the last server-accepted version of every record,
// without optimistic overlays.
func (r *Reconciler[T]) Confirmed() []T {
	out := make([]T, 0, len(r.entries))
	for id, e := range r.entries {
		if e.hasBase && !IsProvisional(id) {
			out = append(out, e.base)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordID() < out[j].RecordID()
	})
	return out
}

func (r *Reconciler[T]) Pending() []PendingInfo {
	ops := make([]*PendingOp[T], 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })
	out := make([]PendingInfo, 0, len(ops))
	for _, op := range ops {
		info := PendingInfo{
			OpID:       op.ID,
			RecordID:   op.RecordID,
			Kind:       op.Kind,
			State:      op.State,
			Attempts:   op.Attempts,
			ProposedAt: op.ProposedAt,
		}
		if op.LastErr != nil {
			info.LastError = op.LastErr.Error()
		}
		out = append(out, info)
	}
	return out
}

func (r *Reconciler[T]) ingest(rec T, src Source, observedAt time.Time) bool {
	id := rec.RecordID()
	if id == "" {
		return false
	}
	now := r.clock.Now()
	fields := logrus.Fields{"record": id, "source": src.String()}
	if r.isTombstoned(id, now) {
		r.log.WithFields(fields).Debug("record dropped: deleted within window")
		return false
	}
	e := r.entries[id]
	if e == nil && src != SourceCache {
		if provisionalID := r.matchProvisional(rec); provisionalID != "" {
			r.log.WithFields(fields).WithField("provisional", provisionalID).Debug("record matched optimistic create")
			r.rekey(provisionalID, id)
			e = r.entries[id]
		}
	}
	if e == nil {
		e = r.entry(id)
	}
	if e.hasBase {
		if src == SourceCache {
			return false
		}
		if rec.RecordUpdatedAt().Before(e.base.RecordUpdatedAt()) {
			r.log.WithFields(fields).Debug("record dropped: older than current base")
			return false
		}
	}
	if src == SourcePoll && !e.authorityAt.IsZero() && observedAt.Before(e.authorityAt) && now.Sub(e.authorityAt) < r.window {
		r.log.WithFields(fields).Debug("record dropped: poll requested before last authoritative write")
		return false
	}
	e.base, e.hasBase = rec, true
	if src >= SourcePush {
		e.authorityAt = now
	}
	e.source = src
	r.render(id)
	return true
}

func (r *Reconciler[T]) matchProvisional(rec T) string {
	if r.match == nil || r.creates == 0 {
		return ""
	}
	var (
		found string
		best  uint64
	)
	for id, e := range r.entries {
		if !IsProvisional(id) || e.hasBase {
			continue
		}
		for _, op := range e.pending {
			if op.Kind != OpCreate || !r.match(op.Draft, rec) {
				continue
			}
			if found == "" || op.seq < best {
				found, best = id, op.seq
			}
		}
	}
	return found
}

// rekey moves a provisional entry's pending operations under the server id.
func (r *Reconciler[T]) rekey(fromID, toID string) {
	src := r.entries[fromID]
	delete(r.entries, fromID)
	r.mirror.Remove(fromID)
	r.aliases[fromID] = toID
	dst := r.entry(toID)
	if src == nil {
		return
	}
	for _, op := range src.pending {
		op.RecordID = toID
		dst.pending = append(dst.pending, op)
	}
	sort.SliceStable(dst.pending, func(i, j int) bool {
		return dst.pending[i].seq < dst.pending[j].seq
	})
}

func (r *Reconciler[T]) entry(id string) *ledgerEntry[T] {
	e := r.entries[id]
	if e == nil {
		e = &ledgerEntry[T]{}
		r.entries[id] = e
	}
	return e
}

func (r *Reconciler[T]) takeOp(opID string) (*PendingOp[T], bool) {
	op, ok := r.ops[opID]
	if !ok {
		return nil, false
	}
	r.forgetOp(op)
	if e := r.entries[op.RecordID]; e != nil {
		kept := e.pending[:0]
		for _, p := range e.pending {
			if p != op {
				kept = append(kept, p)
			}
		}
		e.pending = kept
	}
	return op, true
}

func (r *Reconciler[T]) drop(id string, now time.Time) {
	if e := r.entries[id]; e != nil {
		for _, op := range e.pending {
			r.forgetOp(op)
		}
		delete(r.entries, id)
	}
	r.tombstones[id] = now.Add(r.window)
	r.mirror.Remove(id)
}

func (r *Reconciler[T]) forgetOp(op *PendingOp[T]) {
	if _, ok := r.ops[op.ID]; !ok {
		return
	}
	delete(r.ops, op.ID)
	if op.Kind == OpCreate {
		r.creates--
	}
}

// render writes the folded value of id into the mirror.
func (r *Reconciler[T]) render(id string) {
	e := r.entries[id]
	if e == nil {
		r.mirror.Remove(id)
		return
	}
	cur, present := e.fold()
	if present {
		r.mirror.Upsert(cur)
	} else {
		r.mirror.Remove(id)
	}
	if !e.hasBase && len(e.pending) == 0 {
		delete(r.entries, id)
	}
}

func (e *ledgerEntry[T]) fold() (T, bool) {
	cur, present := e.base, e.hasBase
	for _, op := range e.pending {
		switch op.Kind {
		case OpCreate:
			if !present {
				cur, present = op.Draft, true
			}
		case OpUpdate:
			if present && op.Apply != nil {
				cur = op.Apply(cur)
			}
		case OpDelete:
			present = false
		}
	}
	return cur, present
}

func (r *Reconciler[T]) suppress(opID string, now time.Time) {
	if opID == "" {
		return
	}
	r.suppressions[opID] = now.Add(r.window)
}

func (r *Reconciler[T]) isSuppressed(opID string, now time.Time) bool {
	expiresAt, ok := r.suppressions[opID]
	return ok && now.Before(expiresAt)
}

func (r *Reconciler[T]) isTombstoned(id string, now time.Time) bool {
	expiresAt, ok := r.tombstones[id]
	return ok && now.Before(expiresAt)
}

func (r *Reconciler[T]) prune(now time.Time) {
	for key, expiresAt := range r.suppressions {
		if !now.Before(expiresAt) {
			delete(r.suppressions, key)
		}
	}
	for key, expiresAt := range r.tombstones {
		if !now.Before(expiresAt) {
			delete(r.tombstones, key)
		}
	}
}
