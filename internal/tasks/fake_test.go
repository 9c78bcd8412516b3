package tasks_test

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/collabsync/internal/push"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
	"github.com/agentworkforce/collabsync/internal/testutil"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	clock    *testutil.FakeClock
	tasks    map[string]tasks.Task
	counter  int
	pageSize int
	calls    []string
	opIDs    []string
	// fail, when set, is returned by the next mutating call.
	fail error
	// beforeReply runs inside a mutating call, before it returns.
	beforeReply func()
}

func newFakeAPI(clk *testutil.FakeClock, seed ...tasks.Task) *fakeAPI {
	api := &fakeAPI{clock: clk, tasks: map[string]tasks.Task{}}
	for _, t := range seed {
		api.tasks[t.ID] = t
	}
	return api
}

func (f *fakeAPI) record(call, opID string) error {
	f.calls = append(f.calls, call)
	f.opIDs = append(f.opIDs, opID)
	if f.beforeReply != nil {
		hook := f.beforeReply
		f.mu.Unlock()
		hook()
		f.mu.Lock()
	}
	if f.fail != nil {
		err := f.fail
		f.fail = nil
		return err
	}
	return nil
}

func (f *fakeAPI) ListTasks(ctx context.Context, projectID string, q tasks.ListQuery) (syncer.Page[tasks.Task], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list:"+q.Cursor)
	all := make([]tasks.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	size := f.pageSize
	if size <= 0 {
		size = len(all) + 1
	}
	start := 0
	if q.Cursor != "" {
		start, _ = strconv.Atoi(q.Cursor)
	}
	end := start + size
	if end >= len(all) {
		return syncer.Page[tasks.Task]{Records: all[start:]}, nil
	}
	return syncer.Page[tasks.Task]{Records: all[start:end], HasMore: true, NextCursor: fmt.Sprint(end)}, nil
}

func (f *fakeAPI) CreateTask(ctx context.Context, projectID string, in tasks.CreateInput, opID string) (tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", opID); err != nil {
		return tasks.Task{}, err
	}
	f.counter++
	now := f.clock.Now()
	t := tasks.Task{
		ID:          fmt.Sprintf("task-%d", f.counter),
		ProjectID:   projectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssigneeID:  in.AssigneeID,
		DueDate:     in.DueDate,
		CreatedBy:   "u-1",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeAPI) UpdateTask(ctx context.Context, taskID string, p tasks.Patch, opID string) (tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("update:"+taskID, opID); err != nil {
		return tasks.Task{}, err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return tasks.Task{}, fmt.Errorf("task %s: %w", taskID, syncer.ErrNotFound)
	}
	t = p.Apply(t)
	t.UpdatedAt = f.clock.Now()
	f.tasks[taskID] = t
	return t, nil
}

func (f *fakeAPI) DeleteTask(ctx context.Context, taskID string, opID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete:"+taskID, opID); err != nil {
		return err
	}
	if _, ok := f.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, syncer.ErrNotFound)
	}
	delete(f.tasks, taskID)
	return nil
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

func task(id string, status tasks.Status, priority tasks.Priority, created time.Time) tasks.Task {
	return tasks.Task{
		ID:        id,
		ProjectID: "p-1",
		Title:     "Task " + id,
		Status:    status,
		Priority:  priority,
		CreatedBy: "u-1",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func ids(col []tasks.Task) []string {
	out := make([]string, 0, len(col))
	for _, t := range col {
		out = append(out, t.ID)
	}
	return out
}
