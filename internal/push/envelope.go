// Package push defines the realtime envelope exchanged over push channels,
// room naming, and the channel contract shared by the transports.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	VerbUpsert = "upsert"
	VerbDelete = "delete"
	VerbSignal = "signal"
)

const (
	EventTaskCreated = "task-created"
	EventTaskUpdated = "task-updated"
	EventTaskMoved   = "task-moved"
	EventTaskDeleted = "task-deleted"

	EventNewMessage      = "new-message"
	EventMessageUpdated  = "message-updated"
	EventMessageDeleted  = "message-deleted"
	EventReactionUpdated = "reaction-updated"
	EventTyping          = "typing"
	EventPresence        = "presence"

	EventNotificationCreated = "notification-created"
	EventNotificationUpdated = "notification-updated"
	EventNotificationDeleted = "notification-deleted"
)

// Envelope is one push event.
type Envelope struct {
	Event          string          `json:"event"`
	Room           string          `json:"room"`
	Verb           string          `json:"verb,omitempty"`
	RecordID       string          `json:"recordId,omitempty"`
	Record         json.RawMessage `json:"record,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	OriginClientID string          `json:"originClientId,omitempty"`
	OriginOpID     string          `json:"originOpId,omitempty"`
	EmittedAt      time.Time       `json:"emittedAt"`
}

// TypingPayload is the payload of a typing signal.
type TypingPayload struct {
	UserID   string `json:"userId"`
	ThreadID string `json:"threadId,omitempty"`
	Typing   bool   `json:"typing"`
}

// PresencePayload is the payload of a presence heartbeat.
type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// Origin identifies the mutation an envelope echoes.
type Origin struct {
	ClientID string
	OpID     string
}

// NewRecordEnvelope builds an upsert or delete envelope carrying record.
func NewRecordEnvelope(event, room, verb, recordID string, record any, origin Origin, now time.Time) (Envelope, error) {
	env := Envelope{
		Event:          event,
		Room:           room,
		Verb:           verb,
		RecordID:       recordID,
		OriginClientID: origin.ClientID,
		OriginOpID:     origin.OpID,
		EmittedAt:      now.UTC(),
	}
	if record != nil {
		raw, err := json.Marshal(record)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s record: %w", event, err)
		}
		env.Record = raw
	}
	return env, nil
}

// NewSignalEnvelope builds an ephemeral envelope that never touches a mirror.
func NewSignalEnvelope(event, room string, payload any, origin Origin, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{
		Event:          event,
		Room:           room,
		Verb:           VerbSignal,
		Payload:        raw,
		OriginClientID: origin.ClientID,
		OriginOpID:     origin.OpID,
		EmittedAt:      now.UTC(),
	}, nil
}

func TaskRoom(projectID string) string {
	return "project:" + projectID + ":tasks"
}

func ChatRoom(projectID string) string {
	return "project:" + projectID + ":chat"
}

func NotificationRoom(userID string) string {
	return "user:" + userID + ":notifications"
}

// RoomKind returns the trailing segment of a room name (tasks, chat,
// notifications).
func RoomKind(room string) string {
	idx := strings.LastIndex(room, ":")
	if idx < 0 {
		return ""
	}
	return room[idx+1:]
}

type Handler func(Envelope)

// Emitter publishes envelopes. Delivery is at-most-once.
type Emitter interface {
	Emit(ctx context.Context, env Envelope) error
}

// Channel is a realtime subscription to rooms.
type Channel interface {
	Emitter
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	// On registers h for event; "*" receives every event.
	On(event string, h Handler) (cancel func())
	Close() error
}
