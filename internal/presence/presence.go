// Package presence tracks who is typing in which room and who is online.
// Entries expire on their own; nothing here touches a record mirror.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
	"github.com/agentworkforce/collabsync/internal/push"
)

const (
	DefaultTypingTTL   = 4 * time.Second
	DefaultPresenceTTL = 60 * time.Second
)

type Options struct {
	TypingTTL   time.Duration
	PresenceTTL time.Duration
	Clock       clock.Clock
	Logger      logrus.FieldLogger
	// SelfID is left out of every listing.
	SelfID string
}

type entry struct {
	expiresAt time.Time
	timer     clock.Timer
}

type Tracker struct {
	typingTTL   time.Duration
	presenceTTL time.Duration
	clock       clock.Clock
	log         logrus.FieldLogger
	selfID      string

	mu     sync.Mutex
	typing map[string]map[string]*entry
	online map[string]*entry
	subs   map[chan struct{}]struct{}
}

func NewTracker(opts Options) *Tracker {
	typingTTL := opts.TypingTTL
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	presenceTTL := opts.PresenceTTL
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		typingTTL:   typingTTL,
		presenceTTL: presenceTTL,
		clock:       clock.OrSystem(opts.Clock),
		log:         logger,
		selfID:      opts.SelfID,
		typing:      map[string]map[string]*entry{},
		online:      map[string]*entry{},
		subs:        map[chan struct{}]struct{}{},
	}
}

// SetTyping records or clears userID's typing state in room.
func (t *Tracker) SetTyping(room, userID string, typing bool) {
	if userID == "" || userID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[room]
	if !typing {
		if users != nil && users[userID] != nil {
			users[userID].timer.Stop()
			delete(users, userID)
			t.notifyLocked()
		}
		return
	}
	if users == nil {
		users = map[string]*entry{}
		t.typing[room] = users
	}
	_, existed := users[userID]
	users[userID] = t.arm(users[userID], t.typingTTL, func() { t.expireTyping(room, userID) })
	if !existed {
		t.notifyLocked()
	}
}

// Heartbeat marks userID online for another presence window.
func (t *Tracker) Heartbeat(userID string) {
	if userID == "" || userID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.online[userID]
	t.online[userID] = t.arm(t.online[userID], t.presenceTTL, func() { t.expireOnline(userID) })
	if !existed {
		t.notifyLocked()
	}
}

func (t *Tracker) Offline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.online[userID]; e != nil {
		e.timer.Stop()
		delete(t.online, userID)
		t.notifyLocked()
	}
}

// arm replaces e's timer with a fresh one. Callers hold t.mu.
func (t *Tracker) arm(e *entry, ttl time.Duration, expire func()) *entry {
	if e != nil && e.timer != nil {
		e.timer.Stop()
	}
	return &entry{
		expiresAt: t.clock.Now().Add(ttl),
		timer:     t.clock.AfterFunc(ttl, expire),
	}
}

func (t *Tracker) expireTyping(room, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[room]
	e := users[userID]
	if e == nil || t.clock.Now().Before(e.expiresAt) {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, room)
	}
	t.notifyLocked()
}

func (t *Tracker) expireOnline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.online[userID]
	if e == nil || t.clock.Now().Before(e.expiresAt) {
		return
	}
	delete(t.online, userID)
	t.notifyLocked()
}

// TypingUsers lists who is typing in room, sorted.
func (t *Tracker) TypingUsers(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return liveKeys(t.typing[room], t.clock.Now())
}

// Online lists users with a live heartbeat, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return liveKeys(t.online, t.clock.Now())
}

func liveKeys(m map[string]*entry, now time.Time) []string {
	out := make([]string, 0, len(m))
	for id, e := range m {
		if now.Before(e.expiresAt) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Handle consumes typing and presence signals. It reports whether env was
// one of them.
func (t *Tracker) Handle(env push.Envelope) bool {
	switch env.Event {
	case push.EventTyping:
		var p push.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.log.WithField("room", env.Room).WithError(err).Debug("malformed typing signal skipped")
			return false
		}
		t.SetTyping(env.Room, p.UserID, p.Typing)
		return true
	case push.EventPresence:
		var p push.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.log.WithField("room", env.Room).WithError(err).Debug("malformed presence signal skipped")
			return false
		}
		if p.Online {
			t.Heartbeat(p.UserID)
		} else {
			t.Offline(p.UserID)
		}
		return true
	}
	return false
}

// Subscribe returns a channel signalled after every change.
func (t *Tracker) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch, func() {
		t.mu.Lock()
		delete(t.subs, ch)
		t.mu.Unlock()
	}
}

func (t *Tracker) notifyLocked() {
	for ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops every pending expiry.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.typing {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	for _, e := range t.online {
		e.timer.Stop()
	}
	t.typing = map[string]map[string]*entry{}
	t.online = map[string]*entry{}
}
