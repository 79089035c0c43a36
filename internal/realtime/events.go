package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ServerEvent is one decoded message from the remote service's event
// channel. The set of variants is closed except for UnknownEvent, which
// carries anything this package does not model yet.
type ServerEvent interface {
	EventType() string
}

// SessionCreated is sent once the remote session exists.
type SessionCreated struct {
	SessionID string
	Raw       json.RawMessage
}

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	SessionID string
	Raw       json.RawMessage
}

// Transcription is a user or assistant transcript fragment. Final is set on
// the completed/done variants.
type Transcription struct {
	Role   string
	ItemID string
	Text   string
	Final  bool
}

// FunctionCallRequest asks the bridge to run a tool. Arguments is the raw
// JSON text produced by the model.
type FunctionCallRequest struct {
	CallID    string
	Name      string
	Arguments string
}

// SpeechStarted reports that server-side VAD detected the user talking.
type SpeechStarted struct {
	ItemID string
}

// ResponseDone marks the end of an assistant response.
type ResponseDone struct {
	ResponseID string
	Status     string
}

// ErrorEvent is a protocol or connection error. Fatal errors end the
// session.
type ErrorEvent struct {
	Code    string
	Message string
	Kind    string
	Fatal   bool
}

func (e ErrorEvent) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// UnknownEvent preserves events without a dedicated variant.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreated) EventType() string      { return "session.created" }
func (SessionUpdated) EventType() string      { return "session.updated" }
func (Transcription) EventType() string       { return "transcription" }
func (FunctionCallRequest) EventType() string { return "function_call_request" }
func (SpeechStarted) EventType() string       { return "speech_started" }
func (ResponseDone) EventType() string        { return "response.done" }
func (ErrorEvent) EventType() string          { return "error" }
func (e UnknownEvent) EventType() string      { return e.Type }

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrMalformedEvent = errors.New("realtime: malformed event")

type wireEvent struct {
	Type       string        `json:"type"`
	ItemID     string        `json:"item_id"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	CallID     string        `json:"call_id"`
	Name       string        `json:"name"`
	Arguments  string        `json:"arguments"`
	Session    *wireSession  `json:"session"`
	Response   *wireResponse `json:"response"`
	Error      *wireError    `json:"error"`
}

type wireSession struct {
	ID string `json:"id"`
}

type wireResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeServerEvent parses one data-channel message. Messages that are not
// JSON objects with a type, or known events missing required fields, yield
// ErrMalformedEvent.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	raw := json.RawMessage(append([]byte(nil), data...))

	switch w.Type {
	case "session.created":
		return SessionCreated{SessionID: w.sessionID(), Raw: raw}, nil
	case "session.updated":
		return SessionUpdated{SessionID: w.sessionID(), Raw: raw}, nil
	case "conversation.item.input_audio_transcription.delta":
		return Transcription{Role: RoleUser, ItemID: w.ItemID, Text: w.Delta}, nil
	case "conversation.item.input_audio_transcription.completed":
		return Transcription{Role: RoleUser, ItemID: w.ItemID, Text: w.Transcript, Final: true}, nil
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return Transcription{Role: RoleAssistant, ItemID: w.ItemID, Text: w.Delta}, nil
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return Transcription{Role: RoleAssistant, ItemID: w.ItemID, Text: w.Transcript, Final: true}, nil
	case "response.function_call_arguments.done":
		if w.CallID == "" || w.Name == "" {
			return nil, fmt.Errorf("%w: function call without call_id or name", ErrMalformedEvent)
		}
		return FunctionCallRequest{CallID: w.CallID, Name: w.Name, Arguments: w.Arguments}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{ItemID: w.ItemID}, nil
	case "response.done":
		ev := ResponseDone{}
		if w.Response != nil {
			ev.ResponseID, ev.Status = w.Response.ID, w.Response.Status
		}
		return ev, nil
	case "error":
		ev := ErrorEvent{Message: "unknown error"}
		if w.Error != nil {
			ev.Code, ev.Message, ev.Kind = w.Error.Code, w.Error.Message, w.Error.Type
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.failed":
		ev := ErrorEvent{Kind: "transcription_error", Message: "input transcription failed"}
		if w.Error != nil {
			ev.Code, ev.Message = w.Error.Code, w.Error.Message
		}
		return ev, nil
	}
	return UnknownEvent{Type: w.Type, Raw: raw}, nil
}

func (w wireEvent) sessionID() string {
	if w.Session == nil {
		return ""
	}
	return w.Session.ID
}
