package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Type is the kind of a recorded event.
type Type string

const (
	TypeSessionCreated      Type = "session.created"
	TypeSessionUpdated      Type = "session.updated"
	TypeTranscription       Type = "transcription"
	TypeFunctionCallRequest Type = "function_call_request"
	TypeFunctionCallResult  Type = "function_call_result"
	TypeError               Type = "error"
	TypeSessionClosed       Type = "session.closed"
)

// Source identifies which side of the bridge produced an event.
type Source string

const (
	SourceUpstream   Source = "upstream"
	SourceDownstream Source = "downstream"
	SourceBridge     Source = "bridge"
)

// Event is one entry of a conversation's ordered log.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	Sequence       uint64          `json:"sequence"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         Source          `json:"source"`
}

// Store is the durable side of the event log. Implementations only need to
// keep events ordered by sequence per conversation.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	// ListEvents returns events with a sequence greater than since, oldest
	// first.
	ListEvents(ctx context.Context, conversationID string, since uint64) ([]Event, error)
	// LastSequence returns the highest stored sequence, or 0.
	LastSequence(ctx context.Context, conversationID string) (uint64, error)
}

var ErrPersistence = errors.New("events: persistence failure")

// Payload marshals v for use as an event payload. Values that cannot be
// encoded become a JSON string describing the failure.
func Payload(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"encode_error": err.Error()})
	}
	return b
}
