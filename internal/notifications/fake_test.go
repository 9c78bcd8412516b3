package notifications_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/testutil"
)

type fakeAPI struct {
	mu    sync.Mutex
	clock *testutil.FakeClock
	items map[string]notifications.Notification
	calls []string
	fail  error
}

func newFakeAPI(clk *testutil.FakeClock, seed ...notifications.Notification) *fakeAPI {
	api := &fakeAPI{clock: clk, items: map[string]notifications.Notification{}}
	for _, n := range seed {
		api.items[n.ID] = n
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

func (f *fakeAPI) ListNotifications(ctx context.Context, q notifications.ListQuery) (syncer.Page[notifications.Notification], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	var out []notifications.Notification
	for _, n := range f.items {
		if q.UnreadOnly && n.IsRead {
			continue
		}
		if q.Type != "" && n.Type != q.Type {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return syncer.Page[notifications.Notification]{Records: out}, nil
}

func (f *fakeAPI) MarkNotification(ctx context.Context, id string, read bool, opID string) (notifications.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("mark:" + id); err != nil {
		return notifications.Notification{}, err
	}
	n, ok := f.items[id]
	if !ok {
		return notifications.Notification{}, syncer.ErrNotFound
	}
	now := f.clock.Now()
	n.IsRead = read
	n.ReadAt = nil
	if read {
		n.ReadAt = &now
	}
	n.UpdatedAt = now
	f.items[id] = n
	return n, nil
}

func (f *fakeAPI) MarkAllRead(ctx context.Context, opID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("read-all"); err != nil {
		return 0, err
	}
	count := 0
	for id, n := range f.items {
		if !n.IsRead {
			n.IsRead = true
			f.items[id] = n
			count++
		}
	}
	return count, nil
}

func (f *fakeAPI) DeleteNotification(ctx context.Context, id string, opID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete:" + id); err != nil {
		return err
	}
	delete(f.items, id)
	return nil
}

func note(id string, typ notifications.Type, read bool, created time.Time) notifications.Notification {
	return notifications.Notification{
		ID:        id,
		UserID:    "u-1",
		Type:      typ,
		Title:     "Notification " + id,
		IsRead:    read,
		CreatedAt: created,
		UpdatedAt: created,
	}
}
