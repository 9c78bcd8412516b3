package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/syncer"
)

// Frame types exchanged over the websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
	FrameError       = "error"
)

// Frame is one websocket message. Clients send subscribe, unsubscribe and
// event frames; the server relays event frames to room members.
type Frame struct {
	Type     string         `json:"type"`
	Room     string         `json:"room,omitempty"`
	Envelope *push.Envelope `json:"envelope,omitempty"`
	Error    string         `json:"error,omitempty"`
}

var ErrNotConnected = errors.New("push channel not connected")

type WebSocketOptions struct {
	URL      string
	Token    string
	ClientID string
	Logger   logrus.FieldLogger
	// HTTPClient is used for the handshake.
	HTTPClient *http.Client
	// Reconnect backoff bounds. Default 250ms and 10s.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// WebSocketChannel is a push.Channel over a single websocket. Subscriptions
// are replayed after every reconnect.
type WebSocketChannel struct {
	opts     WebSocketOptions
	log      logrus.FieldLogger
	handlers *push.Handlers

	mu         sync.Mutex
	conn       *websocket.Conn
	rooms      map[string]struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
	reconnects int
	connected  chan struct{}
}

var _ push.Channel = (*WebSocketChannel)(nil)

func NewWebSocketChannel(opts WebSocketOptions) *WebSocketChannel {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 250 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10 * time.Second
	}
	return &WebSocketChannel{
		opts:      opts,
		log:       logger.WithField("channel", "websocket"),
		handlers:  push.NewHandlers(),
		rooms:     map[string]struct{}{},
		connected: make(chan struct{}, 1),
	}
}

// Connect dials once and then keeps the connection alive in the background
// until Close or ctx ends.
func (w *WebSocketChannel) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return push.ErrChannelClosed
	}
	if w.cancel != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	go func() {
		defer close(done)
		w.run(runCtx, conn)
	}()
	return nil
}

func (w *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.opts.Token != "" {
		header.Set("Authorization", "Bearer "+w.opts.Token)
	}
	if w.opts.ClientID != "" {
		header.Set(HeaderClientID, w.opts.ClientID)
	}
	conn, _, err := websocket.Dial(ctx, w.opts.URL, &websocket.DialOptions{
		HTTPClient: w.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", syncer.ErrTransient, w.opts.URL, err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (w *WebSocketChannel) run(ctx context.Context, conn *websocket.Conn) {
	attempt := 0
	for {
		if conn != nil {
			attempt = 0
			w.attach(ctx, conn)
			err := w.readLoop(ctx, conn)
			w.detach(conn)
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Warn("push connection lost")
		}
		attempt++
		if err := syncer.WaitWithContext(ctx, syncer.Backoff(attempt, w.opts.ReconnectBase, w.opts.ReconnectMax)); err != nil {
			return
		}
		var err error
		conn, err = w.dial(ctx)
		if err != nil {
			w.log.WithError(err).WithField("attempt", attempt).Debug("push reconnect failed")
			conn = nil
			continue
		}
		w.mu.Lock()
		w.reconnects++
		w.mu.Unlock()
	}
}

func (w *WebSocketChannel) attach(ctx context.Context, conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	rooms := w.roomsLocked()
	w.mu.Unlock()
	for _, room := range rooms {
		if err := wsjson.Write(ctx, conn, Frame{Type: FrameSubscribe, Room: room}); err != nil {
			w.log.WithError(err).WithField("room", room).Warn("resubscribe failed")
		}
	}
	select {
	case w.connected <- struct{}{}:
	default:
	}
}

func (w *WebSocketChannel) detach(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
}

func (w *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case FrameEvent:
			if frame.Envelope == nil {
				continue
			}
			if !w.subscribed(frame.Envelope.Room) {
				continue
			}
			w.handlers.Dispatch(*frame.Envelope)
		case FrameError:
			w.log.WithFields(logrus.Fields{"room": frame.Room, "error": frame.Error}).Warn("push server error")
		}
	}
}

// Connected signals each successful (re)connection. Buffered by one.
func (w *WebSocketChannel) Connected() <-chan struct{} { return w.connected }

func (w *WebSocketChannel) Reconnects() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reconnects
}

func (w *WebSocketChannel) Subscribe(ctx context.Context, room string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return push.ErrChannelClosed
	}
	w.rooms[room] = struct{}{}
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, Frame{Type: FrameSubscribe, Room: room})
}

func (w *WebSocketChannel) Unsubscribe(ctx context.Context, room string) error {
	w.mu.Lock()
	delete(w.rooms, room)
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return wsjson.Write(ctx, conn, Frame{Type: FrameUnsubscribe, Room: room})
}

func (w *WebSocketChannel) Emit(ctx context.Context, env push.Envelope) error {
	w.mu.Lock()
	closed, conn := w.closed, w.conn
	w.mu.Unlock()
	if closed {
		return push.ErrChannelClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, Frame{Type: FrameEvent, Room: env.Room, Envelope: &env})
}

func (w *WebSocketChannel) On(event string, h push.Handler) func() {
	return w.handlers.On(event, h)
}

func (w *WebSocketChannel) Rooms() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roomsLocked()
}

func (w *WebSocketChannel) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel, done, conn := w.cancel, w.done, w.conn
	w.rooms = map[string]struct{}{}
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (w *WebSocketChannel) subscribed(room string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.rooms[room]
	return ok
}

func (w *WebSocketChannel) roomsLocked() []string {
	out := make([]string, 0, len(w.rooms))
	for room := range w.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
