// Package transport connects the sync stores to the outside world: the
// REST client, push channels and the poll scheduler.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/collabsync/internal/messages"
	"github.com/agentworkforce/collabsync/internal/notifications"
	"github.com/agentworkforce/collabsync/internal/syncer"
	"github.com/agentworkforce/collabsync/internal/tasks"
)

const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderClientOpID    = "X-Client-Op-Id"
	HeaderClientID      = "X-Client-Id"
)

// CodeEditWindowExpired is the error code a 409 carries when an edit came
// too late.
const CodeEditWindowExpired = "edit_window_expired"

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps the response status onto the sync error taxonomy.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case syncer.ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case syncer.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case syncer.ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
	case syncer.ErrEditWindowExpired:
		return e.StatusCode == http.StatusConflict && e.Code == CodeEditWindowExpired
	case syncer.ErrConflict:
		return e.StatusCode == http.StatusConflict && e.Code != CodeEditWindowExpired
	case syncer.ErrTransient:
		return retryableStatus(e.StatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599)
}

// HTTPClient implements the task, message and notification APIs over REST.
type HTTPClient struct {
	baseURL    string
	token      string
	clientID   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var (
	_ tasks.API         = (*HTTPClient)(nil)
	_ messages.API      = (*HTTPClient)(nil)
	_ notifications.API = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithClientID tags every request with the client id so the server can echo
// it on push events.
func (c *HTTPClient) WithClientID(clientID string) *HTTPClient {
	c.clientID = clientID
	return c
}

// WithRetries overrides the in-request retry budget for 429/5xx and network
// failures.
func (c *HTTPClient) WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) *HTTPClient {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
	return c
}

func (c *HTTPClient) ListTasks(ctx context.Context, projectID string, q tasks.ListQuery) (syncer.Page[tasks.Task], error) {
	params := pageParams(q.Cursor, q.Limit)
	if q.Status != "" {
		params.Set("status", string(q.Status))
	}
	if q.AssigneeID != "" {
		params.Set("assigneeId", q.AssigneeID)
	}
	var page syncer.Page[tasks.Task]
	err := c.doJSON(ctx, http.MethodGet, withQuery(projectPath(projectID, "tasks"), params), "", nil, &page)
	return page, err
}

func (c *HTTPClient) CreateTask(ctx context.Context, projectID string, in tasks.CreateInput, opID string) (tasks.Task, error) {
	var out tasks.Task
	err := c.doJSON(ctx, http.MethodPost, projectPath(projectID, "tasks"), opID, in, &out)
	return out, err
}

func (c *HTTPClient) UpdateTask(ctx context.Context, taskID string, p tasks.Patch, opID string) (tasks.Task, error) {
	var out tasks.Task
	err := c.doJSON(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(taskID), opID, p, &out)
	return out, err
}

func (c *HTTPClient) DeleteTask(ctx context.Context, taskID string, opID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), opID, nil, nil)
}

func (c *HTTPClient) ListMessages(ctx context.Context, projectID string, q messages.ListQuery) (syncer.Page[messages.Message], error) {
	params := pageParams(q.Cursor, q.Limit)
	if q.ThreadID != "" {
		params.Set("threadId", q.ThreadID)
	}
	var page syncer.Page[messages.Message]
	err := c.doJSON(ctx, http.MethodGet, withQuery(projectPath(projectID, "messages"), params), "", nil, &page)
	return page, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, projectID string, in messages.SendInput, opID string) (messages.Message, error) {
	var out messages.Message
	err := c.doJSON(ctx, http.MethodPost, projectPath(projectID, "messages"), opID, in, &out)
	return out, err
}

func (c *HTTPClient) EditMessage(ctx context.Context, messageID, content string, opID string) (messages.Message, error) {
	var out messages.Message
	body := map[string]string{"content": content}
	err := c.doJSON(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID), opID, body, &out)
	return out, err
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID string, opID string) (messages.Message, error) {
	var out messages.Message
	err := c.doJSON(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), opID, nil, &out)
	return out, err
}

func (c *HTTPClient) ToggleReaction(ctx context.Context, messageID, emoji string, opID string) (messages.ReactionResult, error) {
	var out messages.ReactionResult
	body := map[string]string{"emoji": emoji}
	err := c.doJSON(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/reactions", opID, body, &out)
	return out, err
}

func (c *HTTPClient) ListNotifications(ctx context.Context, q notifications.ListQuery) (syncer.Page[notifications.Notification], error) {
	params := pageParams(q.Cursor, q.Limit)
	if q.UnreadOnly {
		params.Set("unread", "true")
	}
	if q.Type != "" {
		params.Set("type", string(q.Type))
	}
	var page syncer.Page[notifications.Notification]
	err := c.doJSON(ctx, http.MethodGet, withQuery("/api/notifications", params), "", nil, &page)
	return page, err
}

func (c *HTTPClient) MarkNotification(ctx context.Context, id string, read bool, opID string) (notifications.Notification, error) {
	var out notifications.Notification
	body := map[string]bool{"isRead": read}
	err := c.doJSON(ctx, http.MethodPatch, "/api/notifications/"+url.PathEscape(id), opID, body, &out)
	return out, err
}

func (c *HTTPClient) MarkAllRead(ctx context.Context, opID string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/notifications/read-all", opID, nil, &out)
	return out.Updated, err
}

func (c *HTTPClient) DeleteNotification(ctx context.Context, id string, opID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), opID, nil, nil)
}

func projectPath(projectID, collection string) string {
	return "/api/projects/" + url.PathEscape(projectID) + "/" + collection
}

func pageParams(cursor string, limit int) url.Values {
	params := url.Values{}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return params
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, opID string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlation := correlationID()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set(HeaderCorrelationID, correlation)
		req.Header.Set("Accept", "application/json")
		if opID != "" {
			req.Header.Set(HeaderClientOpID, opID)
		}
		if c.clientID != "" {
			req.Header.Set(HeaderClientID, c.clientID)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := syncer.WaitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %s %s: %w", syncer.ErrTransient, method, requestPath, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read response: %w", syncer.ErrTransient, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, requestPath, err)
			}
			return nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := syncer.WaitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: correlation,
		}
	}
}

func correlationID() string {
	return "collab_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	return syncer.Backoff(attempt, c.baseDelay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

// IsHTTPStatus reports whether err carries an HTTPError with status code.
func IsHTTPStatus(err error, code int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == code
}
