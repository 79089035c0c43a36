package realtime

import "encoding/json"

// Tool describes a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Tools                   []Tool               `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type typed struct {
	Type string `json:"type"`
}

func newSessionUpdate(cfg Config) sessionUpdate {
	sc := sessionConfig{
		Modalities:    []string{"audio", "text"},
		Voice:         cfg.Voice,
		Instructions:  cfg.Instructions,
		TurnDetection: cfg.TurnDetection,
		Tools:         cfg.Tools,
	}
	if cfg.TranscriptionModel != "" {
		sc.InputAudioTranscription = &transcriptionConfig{Model: cfg.TranscriptionModel}
	}
	if len(cfg.Tools) > 0 {
		sc.ToolChoice = "auto"
	}
	return sessionUpdate{Type: "session.update", Session: sc}
}

func newFunctionOutput(callID, result string, isError bool) itemCreate {
	output := result
	if isError {
		b, _ := json.Marshal(map[string]string{"error": result})
		output = string(b)
	}
	return itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}

func newInputText(text string) itemCreate {
	return itemCreate{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    RoleUser,
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

var (
	responseCreate = typed{Type: "response.create"}
	responseCancel = typed{Type: "response.cancel"}
)
