package session

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/collabsync/internal/devapi"
	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/snapshot"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
	"github.com/agentworkforce/collabsync/internal/testutil"
	"github.com/agentworkforce/collabsync/internal/transport"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *testutil.FakeClock
	backend   *devapi.Backend
	hub       *push.Hub
	channel   *push.Loopback
	snapshots *snapshot.MemoryBackend
}

// newFixture wires a dev backend whose changes are pushed through an
// in-process hub, the way the dev server pushes over websockets.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(t0)
	hub := push.NewHub()
	backend := devapi.NewBackend(devapi.BackendOptions{Clock: clk, Emitter: hub.Join()})
	return &fixture{
		clock:     clk,
		backend:   backend,
		hub:       hub,
		channel:   hub.Join(),
		snapshots: snapshot.NewMemoryBackend(),
	}
}

func (f *fixture) options(userID string) Options {
	api := f.backend.As(userID, "client-"+userID)
	return Options{
		UserID:        userID,
		ClientID:      "client-" + userID,
		Tasks:         api,
		Messages:      api,
		Notifications: api,
		Channel:       f.channel,
		Snapshots:     f.snapshots,
		Clock:         f.clock,
	}
}

func (f *fixture) open(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func sortedRooms(l *push.Loopback) []string {
	rooms := l.Rooms()
	sort.Strings(rooms)
	return rooms
}

type downTasks struct{ tasks.API }

func (downTasks) ListTasks(context.Context, string, tasks.ListQuery) (syncer.Page[tasks.Task], error) {
	return syncer.Page[tasks.Task]{}, syncer.ErrTransient
}

func TestNewRequiresUserAndAPIs(t *testing.T) {
	_, err := New(context.Background(), Options{UserID: "alice"})
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestEnterProjectLoadsAndSubscribes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.backend.As("bob", "client-bob").CreateTask(ctx, "p1", tasks.CreateInput{Title: "existing"}, "")
	require.NoError(t, err)

	s := f.open(t, f.options("alice"))
	assert.Nil(t, s.Scope())
	assert.Equal(t, []string{"user:alice:notifications"}, sortedRooms(f.channel))

	scope, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, scope.Board.Views().Board.Total())
	assert.Equal(t, []string{"project:p1:chat", "project:p1:tasks", "user:alice:notifications"}, sortedRooms(f.channel))

	again, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)
	assert.Same(t, scope, again)

	_, err = s.EnterProject(ctx, "")
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestPushesReachTheActiveScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, f.options("alice"))
	scope, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)

	bob := f.backend.As("bob", "client-bob")
	created, err := bob.CreateTask(ctx, "p1", tasks.CreateInput{Title: "from bob", AssigneeID: "alice"}, "op-b1")
	require.NoError(t, err)

	got, ok := scope.Board.Get(created.ID)
	require.True(t, ok, "push applied without a poll")
	assert.Equal(t, "from bob", got.Title)
	assert.Equal(t, 1, s.Inbox().Unread(), "assignment notification pushed to the inbox")

	_, err = bob.CreateTask(ctx, "p2", tasks.CreateInput{Title: "elsewhere"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, scope.Board.Views().Board.Total(), "other project's room is not subscribed")
}

func TestRouteDropsEventsForInactiveRooms(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, f.options("alice"))
	scope, err := s.EnterProject(context.Background(), "p1")
	require.NoError(t, err)

	stray := tasks.Task{
		ID: "task-x", ProjectID: "p2", Title: "stray",
		Status: tasks.StatusTodo, Priority: tasks.PriorityLow,
		CreatedAt: t0, UpdatedAt: t0,
	}
	env, err := push.NewRecordEnvelope(push.EventTaskCreated, push.TaskRoom("p2"), push.VerbUpsert, stray.ID, stray, push.Origin{}, t0)
	require.NoError(t, err)
	s.route(env)
	_, ok := scope.Board.Get("task-x")
	assert.False(t, ok)

	env.Room = push.TaskRoom("p1")
	s.route(env)
	_, ok = scope.Board.Get("task-x")
	assert.False(t, ok, "record scoped to another project is ignored by the board")
}

func TestSwitchingProjectSavesAndRestoresSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.backend.As("bob", "").CreateTask(ctx, "p1", tasks.CreateInput{Title: "cached"}, "")
	require.NoError(t, err)

	s := f.open(t, f.options("alice"))
	_, err = s.EnterProject(ctx, "p1")
	require.NoError(t, err)
	p2, err := s.EnterProject(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", p2.ProjectID)
	assert.Equal(t, []string{"project:p2:chat", "project:p2:tasks", "user:alice:notifications"}, sortedRooms(f.channel))

	saved, _, ok, err := snapshot.LoadRecords[tasks.Task](ctx, f.snapshots, snapshot.Key("tasks", "p1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, saved, 1)
	assert.Equal(t, "cached", saved[0].Title)

	// A later session whose task list is unreachable still starts warm.
	require.NoError(t, s.Close(ctx))
	opts := f.options("alice")
	opts.Tasks = downTasks{opts.Tasks}
	opts.Channel = f.hub.Join()
	warm := f.open(t, opts)
	scope, err := warm.EnterProject(ctx, "p1")
	require.NoError(t, err)
	restored, ok := scope.Board.Get(saved[0].ID)
	require.True(t, ok)
	assert.Equal(t, "cached", restored.Title)
}

func TestInboxIsSessionWideAndCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.Notify(ctx, notifications.Notification{UserID: "alice", Type: notifications.TypeProjectInvite, Title: "Join p9"})

	s := f.open(t, f.options("alice"))
	assert.Equal(t, 1, s.Inbox().Unread(), "initial refresh")

	_, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, s.ExitProject(ctx))
	assert.Equal(t, 1, s.Inbox().Unread(), "inbox survives scope changes")

	require.NoError(t, s.Close(ctx))
	saved, _, ok, err := snapshot.LoadRecords[notifications.Notification](ctx, f.snapshots, snapshot.Key("notifications", "alice"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, saved, 1)
}

func TestPresenceSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, f.options("alice"))
	assert.True(t, errors.Is(s.AnnouncePresence(ctx, true), ErrNoScope))

	scope, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, s.AnnouncePresence(ctx, true))
	assert.Empty(t, s.Presence().Online(), "self is never listed")

	bob := f.hub.Join()
	env, err := push.NewSignalEnvelope(push.EventPresence, scope.Chat.Room(), push.PresencePayload{UserID: "bob", Online: true}, push.Origin{ClientID: "client-bob"}, t0)
	require.NoError(t, err)
	require.NoError(t, bob.Emit(ctx, env))
	assert.Equal(t, []string{"bob"}, s.Presence().Online())

	f.clock.Advance(2 * time.Minute)
	assert.Empty(t, s.Presence().Online(), "heartbeat expired")
}

func TestComposePausesScopePollers(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, f.options("alice"))
	scope, err := s.EnterProject(context.Background(), "p1")
	require.NoError(t, err)

	scope.ComposeStart()
	for _, p := range scope.Pollers() {
		assert.Equal(t, transport.PollPaused, p.State(), p.Name())
	}
	assert.Equal(t, transport.PollActive, s.InboxPoller().State())

	s.Visibility(false)
	assert.Equal(t, transport.PollPaused, s.InboxPoller().State())
	s.Visibility(true)

	scope.ComposeEnd()
	for _, p := range scope.Pollers() {
		assert.Equal(t, transport.PollActive, p.State(), p.Name())
	}
}

func TestScopesEnteredWhileHiddenStartPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, f.options("alice"))
	s.Visibility(false)
	s.Focus(false)

	scope, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)
	for _, p := range scope.Pollers() {
		assert.Equal(t, transport.PollPaused, p.State(), p.Name())
	}

	s.Visibility(true)
	for _, p := range scope.Pollers() {
		assert.Equal(t, transport.PollPaused, p.State(), "still blurred: "+p.Name())
	}

	next, err := s.EnterProject(ctx, "p2")
	require.NoError(t, err)
	for _, p := range next.Pollers() {
		assert.Equal(t, transport.PollPaused, p.State(), p.Name())
	}

	s.Focus(true)
	for _, p := range next.Pollers() {
		assert.Equal(t, transport.PollActive, p.State(), p.Name())
	}
	assert.Equal(t, transport.PollActive, s.InboxPoller().State())
}

// lostReply commits the first reaction toggle and then reports a transient
// failure, as when the response is lost after the server applied it.
type lostReply struct {
	messages.API
	dropped bool
}

func (l *lostReply) ToggleReaction(ctx context.Context, messageID, emoji, opID string) (messages.ReactionResult, error) {
	res, err := l.API.ToggleReaction(ctx, messageID, emoji, opID)
	if err == nil && !l.dropped {
		l.dropped = true
		return messages.ReactionResult{}, syncer.ErrTransient
	}
	return res, err
}

func TestRetriedReactionAfterLostReplyKeepsIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.backend.As("bob", "client-bob").SendMessage(ctx, "p1", messages.SendInput{Content: "ship it?"}, "")
	require.NoError(t, err)

	opts := f.options("alice")
	opts.Messages = &lostReply{API: opts.Messages}
	s := f.open(t, opts)
	scope, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)

	_, err = scope.Chat.React(ctx, m.ID, "👍")
	var merr *syncer.MutationError
	require.True(t, errors.As(err, &merr))
	assert.True(t, merr.Retained)
	require.Len(t, scope.Chat.Pending(), 1)

	f.clock.Advance(5 * time.Second)

	assert.Empty(t, scope.Chat.Pending())
	got, ok := scope.Chat.Get(m.ID)
	require.True(t, ok)
	require.Len(t, got.Reactions, 1, "retry with the same op id must not toggle back")
	assert.Equal(t, "alice", got.Reactions[0].UserID)

	page, err := f.backend.As("bob", "client-bob").ListMessages(ctx, "p1", messages.ListQuery{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Len(t, page.Records[0].Reactions, 1)
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, f.options("alice"))
	_, err := s.EnterProject(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx), "close is idempotent")
	assert.Empty(t, f.channel.Rooms())
	assert.Nil(t, s.Scope())

	_, err = s.EnterProject(ctx, "p1")
	assert.True(t, errors.Is(err, ErrClosed))
}
