package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
)

func fastClient(url string, hc *http.Client) *HTTPClient {
	return NewHTTPClient(url, "token", hc).WithRetries(3, time.Millisecond, 5*time.Millisecond)
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/api/projects/p-1/tasks" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"t-1","projectId":"p-1","title":"a","status":"TODO","priority":"LOW"}],"hasMore":false}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, server.Client())
	page, err := client.ListTasks(context.Background(), "p-1", tasks.ListQuery{})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ID != "t-1" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientGivesUpAsTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := fastClient(server.URL, server.Client())
	_, err := client.ListNotifications(context.Background(), notifications.ListQuery{})
	if !errors.Is(err, syncer.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if syncer.Classify(err) != syncer.Retain {
		t.Fatalf("expected retain disposition, got %s", syncer.Classify(err))
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientForwardsQueryAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects/p-1/tasks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("cursor") != "c-2" || q.Get("limit") != "25" || q.Get("status") != "DONE" || q.Get("assigneeId") != "u-9" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get(HeaderClientID); got != "client-a" {
			t.Errorf("expected client id header, got %q", got)
		}
		if !strings.HasPrefix(r.Header.Get(HeaderCorrelationID), "collab_") {
			t.Errorf("expected correlation id, got %q", r.Header.Get(HeaderCorrelationID))
		}
		_, _ = w.Write([]byte(`{"records":[],"hasMore":true,"nextCursor":"c-3"}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, server.Client()).WithClientID("client-a")
	page, err := client.ListTasks(context.Background(), "p-1", tasks.ListQuery{Cursor: "c-2", Limit: 25, Status: tasks.StatusDone, AssigneeID: "u-9"})
	if err != nil {
		t.Fatalf("list tasks failed: %v", err)
	}
	if !page.HasMore || page.NextCursor != "c-3" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestHTTPClientSendsOpID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/projects/p-1/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(HeaderClientOpID); got != "op-1" {
			t.Errorf("expected op id header, got %q", got)
		}
		var in messages.SendInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(messages.Message{ID: "msg-1", ProjectID: "p-1", AuthorID: "u-1", Content: in.Content})
	}))
	defer server.Close()

	client := fastClient(server.URL, server.Client())
	msg, err := client.SendMessage(context.Background(), "p-1", messages.SendInput{Content: "hello"}, "op-1")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if msg.ID != "msg-1" || msg.Content != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHTTPClientMarkAllRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/notifications/read-all" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"updated":3}`))
	}))
	defer server.Close()

	n, err := fastClient(server.URL, server.Client()).MarkAllRead(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("mark all read failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 updated, got %d", n)
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
		disp   syncer.Disposition
	}{
		{http.StatusBadRequest, `{"code":"invalid","message":"title required"}`, syncer.ErrValidation, syncer.Rollback},
		{http.StatusForbidden, `{"message":"nope"}`, syncer.ErrUnauthorized, syncer.Rollback},
		{http.StatusNotFound, ``, syncer.ErrNotFound, syncer.RemoveLocal},
		{http.StatusConflict, `{"code":"edit_window_expired","message":"too late"}`, syncer.ErrEditWindowExpired, syncer.Rollback},
		{http.StatusConflict, `{"code":"version","message":"stale"}`, syncer.ErrConflict, syncer.Rollback},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := fastClient(server.URL, server.Client()).EditMessage(context.Background(), "msg-1", "x", "op-1")
		server.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		if got := syncer.Classify(err); got != tc.disp {
			t.Fatalf("status %d: expected disposition %s, got %s", tc.status, tc.disp, got)
		}
		if !IsHTTPStatus(err, tc.status) {
			t.Fatalf("status %d: expected http status to be preserved", tc.status)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0 for empty header, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
	client := NewHTTPClient("", "", nil)
	if got := client.retryDelay(1, "60"); got != 2*time.Second {
		t.Fatalf("expected retry-after to be capped at 2s, got %s", got)
	}
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
}
