package messages_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/testutil"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	clock    *testutil.FakeClock
	messages map[string]messages.Message
	counter  int
	calls    []string
	fail     error
	// afterWrite runs with the stored record before a mutating call
	// returns.
	afterWrite func(messages.Message)
}

func newFakeAPI(clk *testutil.FakeClock, seed ...messages.Message) *fakeAPI {
	api := &fakeAPI{clock: clk, messages: map[string]messages.Message{}}
	for _, m := range seed {
		api.messages[m.ID] = m
	}
	return api
}

func (f *fakeAPI) begin(call string) error {
	f.calls = append(f.calls, call)
	if f.fail != nil {
		err := f.fail
		f.fail = nil
		return err
	}
	return nil
}

func (f *fakeAPI) finish(m messages.Message) messages.Message {
	f.messages[m.ID] = m
	if f.afterWrite != nil {
		hook := f.afterWrite
		f.mu.Unlock()
		hook(m)
		f.mu.Lock()
	}
	return m
}

func (f *fakeAPI) ListMessages(ctx context.Context, projectID string, q messages.ListQuery) (syncer.Page[messages.Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	var out []messages.Message
	for _, m := range f.messages {
		if m.ProjectID != projectID {
			continue
		}
		if q.ThreadID != "" && m.ThreadID != q.ThreadID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return syncer.Page[messages.Message]{Records: out}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, projectID string, in messages.SendInput, opID string) (messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("send"); err != nil {
		return messages.Message{}, err
	}
	f.counter++
	now := f.clock.Now()
	m := messages.Message{
		ID:          fmt.Sprintf("msg-%d", f.counter),
		ProjectID:   projectID,
		AuthorID:    "u-1",
		Content:     in.Content,
		ParentID:    in.ParentID,
		Mentions:    in.Mentions,
		Attachments: in.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.ThreadID = m.ID
	if parent, ok := f.messages[in.ParentID]; ok {
		m.ThreadID = parent.ThreadID
	}
	return f.finish(m), nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, messageID, content string, opID string) (messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("edit:" + messageID); err != nil {
		return messages.Message{}, err
	}
	m, ok := f.messages[messageID]
	if !ok {
		return messages.Message{}, syncer.ErrNotFound
	}
	now := f.clock.Now()
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &now
	m.UpdatedAt = now
	return f.finish(m), nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, messageID string, opID string) (messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete:" + messageID); err != nil {
		return messages.Message{}, err
	}
	m, ok := f.messages[messageID]
	if !ok {
		return messages.Message{}, syncer.ErrNotFound
	}
	now := f.clock.Now()
	m = m.Tombstone(now)
	m.UpdatedAt = now
	return f.finish(m), nil
}

func (f *fakeAPI) ToggleReaction(ctx context.Context, messageID, emoji string, opID string) (messages.ReactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("react:" + messageID); err != nil {
		return messages.ReactionResult{}, err
	}
	m, ok := f.messages[messageID]
	if !ok {
		return messages.ReactionResult{}, syncer.ErrNotFound
	}
	m, action := m.ToggleReaction("u-1", emoji)
	m.UpdatedAt = f.clock.Now()
	return messages.ReactionResult{Action: action, Message: f.finish(m)}, nil
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recordingEmitter struct {
	envelopes chan push.Envelope
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{envelopes: make(chan push.Envelope, 16)}
}

func (r *recordingEmitter) Emit(_ context.Context, env push.Envelope) error {
	r.envelopes <- env
	return nil
}

func (r *recordingEmitter) next(timeout time.Duration) (push.Envelope, bool) {
	select {
	case env := <-r.envelopes:
		return env, true
	case <-time.After(timeout):
		return push.Envelope{}, false
	}
}

func msg(id, parentID, threadID, author string, created time.Time) messages.Message {
	return messages.Message{
		ID:        id,
		ProjectID: "p-1",
		AuthorID:  author,
		Content:   "message " + id,
		ParentID:  parentID,
		ThreadID:  threadID,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func ids(list []messages.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}
