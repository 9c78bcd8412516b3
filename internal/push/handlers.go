package push

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/schema"
)

// Handlers is an event-name keyed handler registry shared by channel
// implementations.
type Handlers struct {
	mu     sync.RWMutex
	nextID int
	byName map[string]map[int]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{byName: map[string]map[int]Handler{}}
}

func (h *Handlers) On(event string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	if h.byName[event] == nil {
		h.byName[event] = map[int]Handler{}
	}
	h.byName[event][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.byName[event], id)
	}
}

// Dispatch calls every handler registered for env.Event, then the wildcard
// handlers, in registration order.
func (h *Handlers) Dispatch(env Envelope) int {
	h.mu.RLock()
	fns := collect(h.byName[env.Event])
	fns = append(fns, collect(h.byName["*"])...)
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
	return len(fns)
}

func collect(m map[int]Handler) []Handler {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// EmitAsync publishes env without blocking the caller. Failures are logged
// and dropped.
func EmitAsync(e Emitter, env Envelope, timeout time.Duration, logger logrus.FieldLogger) {
	if e == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.Emit(ctx, env); err != nil && logger != nil {
			logger.WithFields(logrus.Fields{"event": env.Event, "room": env.Room}).WithError(err).Warn("push emit failed")
		}
	}()
}

var ErrNoRecord = errors.New("envelope carries no record")

// DecodeRecord validates the envelope's record against schemaName and
// decodes it.
func DecodeRecord[T any](v *schema.Validator, schemaName string, env Envelope) (T, error) {
	var out T
	if len(env.Record) == 0 || string(env.Record) == "null" {
		return out, ErrNoRecord
	}
	if v != nil {
		if err := v.ValidateJSON(schemaName, env.Record); err != nil {
			return out, err
		}
	}
	if err := json.Unmarshal(env.Record, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Fanout emits every envelope to each of its emitters in order. All
// emitters are tried; their errors are joined.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, env Envelope) error {
	var errs []error
	for _, e := range f {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
