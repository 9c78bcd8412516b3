// Package session wires the domain stores, pollers, push channel and
// snapshot cache together for one signed-in user. The notification inbox
// lives as long as the session; task board and chat live in a Scope that is
// replaced whenever the user switches project.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/collabsync/internal/clock"
	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/presence"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/schema"
	"github.com/agentworkforce/collabsync/internal/snapshot"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
	"github.com/agentworkforce/collabsync/internal/transport"
)

var (
	ErrInvalidOptions = errors.New("session: invalid options")
	ErrClosed         = errors.New("session closed")
	ErrNoScope        = errors.New("no project entered")
)

const (
	DefaultPollInterval             = 30 * time.Second
	DefaultNotificationPollInterval = 60 * time.Second
	DefaultJitterRatio              = 0.1
)

type Options struct {
	UserID   string
	ClientID string

	Tasks         tasks.API
	Messages      messages.API
	Notifications notifications.API
	// Channel carries push events. Optional; without it the session relies
	// on polling alone.
	Channel push.Channel
	// Snapshots caches confirmed records between sessions. Optional.
	Snapshots snapshot.Backend
	Directory map[string]string
	Location  *time.Location

	Validator *schema.Validator
	Clock     clock.Clock
	Logger    logrus.FieldLogger

	PollInterval             time.Duration
	NotificationPollInterval time.Duration
	JitterRatio              float64

	Window         time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type Session struct {
	opts     Options
	log      logrus.FieldLogger
	clock    clock.Clock
	inbox    *notifications.Inbox
	presence *presence.Tracker
	poller   *transport.Poller

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu      sync.Mutex
	scope   *Scope
	closed  bool
	hidden  bool
	blurred bool
}

// New starts a session: it restores the cached inbox, subscribes to the
// user's notification room and starts the inbox poller. The first inbox
// refresh is attempted before New returns; its failure is logged.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.UserID == "" || opts.Tasks == nil || opts.Messages == nil || opts.Notifications == nil {
		return nil, fmt.Errorf("%w: user id and all three apis are required", ErrInvalidOptions)
	}
	if opts.ClientID == "" {
		opts.ClientID = syncer.NewClientID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.NotificationPollInterval <= 0 {
		opts.NotificationPollInterval = DefaultNotificationPollInterval
	}
	if opts.Validator == nil {
		opts.Validator = schema.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts.Logger = logger
	opts.Clock = clock.OrSystem(opts.Clock)

	inbox, err := notifications.NewInbox(notifications.Options{
		UserID:         opts.UserID,
		ClientID:       opts.ClientID,
		API:            opts.Notifications,
		Push:           opts.Channel,
		Validator:      opts.Validator,
		Clock:          opts.Clock,
		Logger:         logger,
		Location:       opts.Location,
		Window:         opts.Window,
		MaxAttempts:    opts.MaxAttempts,
		RetryBaseDelay: opts.RetryBaseDelay,
		RetryMaxDelay:  opts.RetryMaxDelay,
	})
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		opts:  opts,
		log:   logger.WithField("user", opts.UserID),
		clock: opts.Clock,
		inbox: inbox,
		presence: presence.NewTracker(presence.Options{
			Clock:  opts.Clock,
			Logger: logger,
			SelfID: opts.UserID,
		}),
		ctx:    runCtx,
		cancel: cancel,
	}
	s.poller = transport.NewPoller(transport.PollerOptions{
		Name:        "notifications",
		Interval:    opts.NotificationPollInterval,
		JitterRatio: opts.JitterRatio,
		Refresh:     inbox.Refresh,
		Clock:       opts.Clock,
		Logger:      logger,
	})

	restoreInto(ctx, s, snapshot.Key("notifications", opts.UserID), inbox.Restore)
	if opts.Channel != nil {
		s.unsub = opts.Channel.On("*", s.route)
		if err := opts.Channel.Subscribe(ctx, inbox.Room()); err != nil {
			s.log.WithError(err).WithField("room", inbox.Room()).Warn("notification subscribe failed")
		}
	}
	if err := s.poller.RefreshNow(ctx); err != nil {
		s.log.WithError(err).Warn("initial notification refresh failed")
	}
	s.poller.Start(runCtx)
	return s, nil
}

func (s *Session) UserID() string { return s.opts.UserID }

func (s *Session) ClientID() string { return s.opts.ClientID }

func (s *Session) Inbox() *notifications.Inbox { return s.inbox }

func (s *Session) Presence() *presence.Tracker { return s.presence }

func (s *Session) InboxPoller() *transport.Poller { return s.poller }

// Scope returns the active project scope, or nil.
func (s *Session) Scope() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// route hands one push event to whichever store owns its room. Events for
// rooms that are no longer active are dropped.
func (s *Session) route(env push.Envelope) {
	if s.presence.Handle(env) {
		return
	}
	switch push.RoomKind(env.Room) {
	case "notifications":
		if env.Room == s.inbox.Room() {
			s.inbox.HandlePush(env)
		}
		return
	}
	scope := s.Scope()
	if scope == nil {
		return
	}
	switch env.Room {
	case scope.Board.Room():
		scope.Board.HandlePush(env)
	case scope.Chat.Room():
		scope.Chat.HandlePush(env)
	default:
		s.log.WithFields(logrus.Fields{"room": env.Room, "event": env.Event}).Debug("push for inactive room dropped")
	}
}

// EnterProject makes projectID the active scope, tearing down any other.
// Entering the active project again returns the existing scope.
func (s *Session) EnterProject(ctx context.Context, projectID string) (*Scope, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", ErrInvalidOptions)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	current := s.scope
	s.mu.Unlock()
	if current != nil {
		if current.ProjectID == projectID {
			return current, nil
		}
		if err := s.ExitProject(ctx); err != nil {
			s.log.WithError(err).Warn("previous scope exit reported errors")
		}
	}

	scope, err := newScope(s, projectID)
	if err != nil {
		return nil, err
	}
	restoreInto(ctx, s, snapshot.Key("tasks", projectID), scope.Board.Restore)
	restoreInto(ctx, s, snapshot.Key("messages", projectID), scope.Chat.Restore)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		scope.close()
		return nil, ErrClosed
	}
	s.scope = scope
	// Fresh pollers start active; carry over the current window state.
	scope.Visibility(!s.hidden)
	scope.Focus(!s.blurred)
	s.mu.Unlock()

	if ch := s.opts.Channel; ch != nil {
		for _, room := range scope.Rooms() {
			if err := ch.Subscribe(ctx, room); err != nil {
				s.log.WithError(err).WithField("room", room).Warn("room subscribe failed")
			}
		}
	}
	if err := scope.Refresh(ctx); err != nil {
		s.log.WithError(err).WithField("project", projectID).Warn("initial project refresh failed")
	}
	scope.start()
	s.log.WithField("project", projectID).Info("project entered")
	return scope, nil
}

// ExitProject saves the active scope's confirmed records, unsubscribes its
// rooms and closes its stores. Mutations still in flight are discarded when
// they complete.
func (s *Session) ExitProject(ctx context.Context) error {
	s.mu.Lock()
	scope := s.scope
	s.scope = nil
	s.mu.Unlock()
	if scope == nil {
		return nil
	}
	scope.stop()
	var errs []error
	if ch := s.opts.Channel; ch != nil {
		for _, room := range scope.Rooms() {
			if err := ch.Unsubscribe(ctx, room); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe %s: %w", room, err))
			}
		}
	}
	now := s.clock.Now()
	if err := snapshot.SaveRecords(ctx, s.opts.Snapshots, snapshot.Key("tasks", scope.ProjectID), scope.Board.Confirmed(), now); err != nil {
		errs = append(errs, err)
	}
	if err := snapshot.SaveRecords(ctx, s.opts.Snapshots, snapshot.Key("messages", scope.ProjectID), scope.Chat.Confirmed(), now); err != nil {
		errs = append(errs, err)
	}
	scope.close()
	s.log.WithField("project", scope.ProjectID).Info("project exited")
	return errors.Join(errs...)
}

// Visibility forwards window visibility to every poller. The state is
// remembered and applied to scopes entered later.
func (s *Session) Visibility(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = !visible
	s.poller.Visibility(visible)
	if s.scope != nil {
		s.scope.Visibility(visible)
	}
}

func (s *Session) Focus(focused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blurred = !focused
	s.poller.Focus(focused)
	if s.scope != nil {
		s.scope.Focus(focused)
	}
}

// AnnouncePresence broadcasts the user's online state to the active
// project's chat room.
func (s *Session) AnnouncePresence(ctx context.Context, online bool) error {
	scope := s.Scope()
	if scope == nil {
		return ErrNoScope
	}
	if s.opts.Channel == nil {
		return nil
	}
	env, err := push.NewSignalEnvelope(push.EventPresence, scope.Chat.Room(), push.PresencePayload{
		UserID: s.opts.UserID,
		Online: online,
	}, push.Origin{ClientID: s.opts.ClientID}, s.clock.Now())
	if err != nil {
		return err
	}
	return s.opts.Channel.Emit(ctx, env)
}

// Close exits the active project, saves the inbox and releases everything.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.ExitProject(ctx); err != nil {
		errs = append(errs, err)
	}
	s.poller.Stop()
	if s.unsub != nil {
		s.unsub()
	}
	if ch := s.opts.Channel; ch != nil {
		if err := ch.Unsubscribe(ctx, s.inbox.Room()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := snapshot.SaveRecords(ctx, s.opts.Snapshots, snapshot.Key("notifications", s.opts.UserID), s.inbox.Confirmed(), s.clock.Now()); err != nil {
		errs = append(errs, err)
	}
	s.inbox.Close()
	s.presence.Close()
	s.cancel()
	return errors.Join(errs...)
}

func restoreInto[T any](ctx context.Context, s *Session, key string, restore func([]T) int) {
	records, savedAt, ok, err := snapshot.LoadRecords[T](ctx, s.opts.Snapshots, key)
	if err != nil {
		s.log.WithError(err).WithField("snapshot", key).Warn("snapshot restore failed")
		return
	}
	if !ok {
		return
	}
	n := restore(records)
	s.log.WithFields(logrus.Fields{"snapshot": key, "records": n, "savedAt": savedAt}).Debug("snapshot restored")
}
