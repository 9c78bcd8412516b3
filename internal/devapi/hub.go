package devapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/transport"
)

const writeTimeout = 5 * time.Second

// Hub relays envelopes to websocket members by room. It is the backend's
// emitter, and members may emit signals (typing, presence) and echoes of
// their own.
type Hub struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	members map[*member]struct{}
}

type member struct {
	userID string
	conn   *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	rooms   map[string]struct{}
}

var _ push.Emitter = (*Hub)(nil)

func NewHub(logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{log: logger, members: map[*member]struct{}{}}
}

// Emit delivers env to every member subscribed to env.Room.
func (h *Hub) Emit(ctx context.Context, env push.Envelope) error {
	h.mu.Lock()
	targets := make([]*member, 0, len(h.members))
	for m := range h.members {
		if m.subscribed(env.Room) {
			targets = append(targets, m)
		}
	}
	h.mu.Unlock()
	frame := transport.Frame{Type: transport.FrameEvent, Room: env.Room, Envelope: &env}
	for _, m := range targets {
		if err := m.write(ctx, frame); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"room": env.Room, "user": m.userID}).Debug("relay to member failed")
		}
	}
	return nil
}

// Members reports how many connections are attached.
func (h *Hub) Members() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// Subscribers reports how many members are subscribed to room.
func (h *Hub) Subscribers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for m := range h.members {
		if m.subscribed(room) {
			n++
		}
	}
	return n
}

// Handle upgrades an authenticated request and serves frames until the
// connection ends.
func (h *Hub) Handle(c echo.Context) error {
	userID, _ := c.Get(userKey).(string)
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	m := &member{userID: userID, conn: conn, rooms: map[string]struct{}{}}
	h.mu.Lock()
	h.members[m] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.members, m)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := c.Request().Context()
	log := h.log.WithField("user", userID)
	for {
		var frame transport.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.WithError(err).Debug("websocket read ended")
			}
			return nil
		}
		switch frame.Type {
		case transport.FrameSubscribe:
			if !mayJoin(userID, frame.Room) {
				_ = m.write(ctx, transport.Frame{Type: transport.FrameError, Room: frame.Room, Error: "forbidden room"})
				continue
			}
			m.mu.Lock()
			m.rooms[frame.Room] = struct{}{}
			m.mu.Unlock()
		case transport.FrameUnsubscribe:
			m.mu.Lock()
			delete(m.rooms, frame.Room)
			m.mu.Unlock()
		case transport.FrameEvent:
			if frame.Envelope == nil || !m.subscribed(frame.Envelope.Room) {
				_ = m.write(ctx, transport.Frame{Type: transport.FrameError, Room: frame.Room, Error: "not subscribed"})
				continue
			}
			_ = h.Emit(ctx, *frame.Envelope)
		default:
			_ = m.write(ctx, transport.Frame{Type: transport.FrameError, Error: "unknown frame type " + frame.Type})
		}
	}
}

// mayJoin keeps notification rooms private to their user. Project rooms are
// open to every authenticated user.
func mayJoin(userID, room string) bool {
	if push.RoomKind(room) == "notifications" {
		return room == push.NotificationRoom(userID)
	}
	return room != ""
}

func (m *member) subscribed(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[room]
	return ok
}

func (m *member) write(ctx context.Context, frame transport.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, m.conn, frame)
}
