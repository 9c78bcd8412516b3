package push

import (
	"context"
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("push channel closed")

// Hub fans envelopes out to in-process Loopback channels subscribed to the
// same room.
type Hub struct {
	mu      sync.Mutex
	members map[*Loopback]struct{}
}

func NewHub() *Hub {
	return &Hub{members: map[*Loopback]struct{}{}}
}

// Join returns a new channel attached to the hub.
func (h *Hub) Join() *Loopback {
	l := &Loopback{hub: h, handlers: NewHandlers(), rooms: map[string]struct{}{}}
	h.mu.Lock()
	h.members[l] = struct{}{}
	h.mu.Unlock()
	return l
}

func (h *Hub) publish(env Envelope) {
	h.mu.Lock()
	targets := make([]*Loopback, 0, len(h.members))
	for l := range h.members {
		if l.subscribed(env.Room) {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()
	for _, l := range targets {
		l.handlers.Dispatch(env)
	}
}

func (h *Hub) leave(l *Loopback) {
	h.mu.Lock()
	delete(h.members, l)
	h.mu.Unlock()
}

// Loopback is an in-process Channel. Emit delivers synchronously to every
// subscriber of the room, the sender included.
type Loopback struct {
	hub      *Hub
	handlers *Handlers

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func (l *Loopback) Subscribe(_ context.Context, room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrChannelClosed
	}
	l.rooms[room] = struct{}{}
	return nil
}

func (l *Loopback) Unsubscribe(_ context.Context, room string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms, room)
	return nil
}

func (l *Loopback) Emit(_ context.Context, env Envelope) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	l.hub.publish(env)
	return nil
}

func (l *Loopback) On(event string, h Handler) func() {
	return l.handlers.On(event, h)
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.rooms = map[string]struct{}{}
	l.mu.Unlock()
	l.hub.leave(l)
	return nil
}

// Rooms lists the current subscriptions.
func (l *Loopback) Rooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.rooms))
	for room := range l.rooms {
		out = append(out, room)
	}
	return out
}

func (l *Loopback) subscribed(room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.rooms[room]
	return ok
}
