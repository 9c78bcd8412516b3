package syncer

import (
	"reflect"
	"sort"
	"time"
)

// Record is a server-owned entity tracked by a Mirror.
type Record interface {
	RecordID() string
	// RecordScope is the id of the parent container (project or user).
	RecordScope() string
	// RecordUpdatedAt is the version marker used for recency checks.
	RecordUpdatedAt() time.Time
}

// Mirror is the flat id-keyed collection behind one domain store.
//
// Mirror is not safe for concurrent use; the owning store serializes every
// access.
type Mirror[T Record] struct {
	items     map[string]T
	version   uint64
	listeners map[int]func()
	nextID    int
}

func NewMirror[T Record]() *Mirror[T] {
	return &Mirror[T]{
		items:     map[string]T{},
		listeners: map[int]func(){},
	}
}

// Upsert stores rec under its id. Rewriting an identical record is a no-op
// and reports false.
func (m *Mirror[T]) Upsert(rec T) bool {
	id := rec.RecordID()
	if id == "" {
		return false
	}
	if existing, ok := m.items[id]; ok && reflect.DeepEqual(existing, rec) {
		return false
	}
	m.items[id] = rec
	m.changed()
	return true
}

func (m *Mirror[T]) Remove(id string) bool {
	if _, ok := m.items[id]; !ok {
		return false
	}
	delete(m.items, id)
	m.changed()
	return true
}

func (m *Mirror[T]) Get(id string) (T, bool) {
	rec, ok := m.items[id]
	return rec, ok
}

// List returns the records accepted by filter, ordered by id. A nil filter
// accepts everything.
func (m *Mirror[T]) List(filter Filter[T]) []T {
	out := make([]T, 0, len(m.items))
	for _, rec := range m.items {
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordID() < out[j].RecordID()
	})
	return out
}

func (m *Mirror[T]) Len() int {
	return len(m.items)
}

// Version increases on every effective change.
func (m *Mirror[T]) Version() uint64 {
	return m.version
}

// Subscribe registers fn to run after every effective change.
func (m *Mirror[T]) Subscribe(fn func()) (cancel func()) {
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() { delete(m.listeners, id) }
}

func (m *Mirror[T]) changed() {
	m.version++
	for _, fn := range m.listeners {
		fn()
	}
}
