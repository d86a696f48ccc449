package s2s

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Kind identifies the single event key carried inside an envelope.
type Kind string

const (
	KindSessionStart Kind = "sessionStart"
	KindPromptStart  Kind = "promptStart"
	KindContentStart Kind = "contentStart"
	KindTextInput    Kind = "textInput"
	KindAudioInput   Kind = "audioInput"
	KindContentEnd   Kind = "contentEnd"
	KindPromptEnd    Kind = "promptEnd"
	KindSessionEnd   Kind = "sessionEnd"
	KindHeartbeat    Kind = "heartbeat"
	KindToolResult   Kind = "toolResult"

	KindCompletionStart Kind = "completionStart"
	KindCompletionEnd   Kind = "completionEnd"
	KindTextOutput      Kind = "textOutput"
	KindAudioOutput     Kind = "audioOutput"
	KindToolUse         Kind = "toolUse"
	KindUsageEvent      Kind = "usageEvent"

	// KindUnknown marks event keys this client does not recognize.
	// They are logged and skipped, never fatal.
	KindUnknown Kind = ""
)

// Role values used on content units and turns.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// Content unit modalities.
const (
	TypeText  = "TEXT"
	TypeAudio = "AUDIO"
	TypeTool  = "TOOL"
)

// Envelope is the wire message: exactly one event kind nested under "event",
// plus a local send timestamp in epoch milliseconds. The timestamp is for
// audit only; the receiver ignores it.
type Envelope struct {
	Event     map[string]json.RawMessage `json:"event"`
	Timestamp int64                      `json:"timestamp,omitempty"`
}

// Kind returns the event kind and raw body. An envelope with zero or more
// than one key is malformed and reported as unknown.
func (e *Envelope) Kind() (Kind, []byte) {
	if len(e.Event) != 1 {
		return KindUnknown, nil
	}
	for k, raw := range e.Event {
		return Kind(k), raw
	}
	return KindUnknown, nil
}

// Decode parses a raw wire message into an envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return &env, nil
}

// Encode wraps a single event body under its kind key and stamps the local
// send time.
func Encode(kind Kind, body any) ([]byte, error) {
	raw, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", kind, err)
	}
	env := Envelope{
		Event:     map[string]json.RawMessage{string(kind): raw},
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := sonic.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return data, nil
}

// --- Outbound event bodies ---

// SessionStart opens the session with its inference configuration.
type SessionStart struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

// PromptStart declares the single live prompt: output descriptors plus the
// tool catalog the model may call.
type PromptStart struct {
	PromptName                 string            `json:"promptName"`
	TextOutputConfiguration    TextConfig        `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioOutputConfig `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration TextConfig        `json:"toolUseOutputConfiguration"`
	ToolConfiguration          ToolConfig        `json:"toolConfiguration"`
}

// ToolResultInputConfig binds a TOOL content unit to the toolUse it answers.
type ToolResultInputConfig struct {
	ToolUseID              string     `json:"toolUseId"`
	Type                   string     `json:"type"`
	TextInputConfiguration TextConfig `json:"textInputConfiguration"`
}

// ContentStart opens a content unit of one modality inside the prompt.
// Exactly one of the modality configurations is set.
type ContentStart struct {
	PromptName                   string                 `json:"promptName"`
	ContentName                  string                 `json:"contentName"`
	Type                         string                 `json:"type"`
	Interactive                  bool                   `json:"interactive"`
	Role                         string                 `json:"role,omitempty"`
	TextInputConfiguration       *TextConfig            `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioInputConfig      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfig `json:"toolResultInputConfiguration,omitempty"`
}

// TextInput streams a text fragment into an open TEXT content unit.
type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
	Role        string `json:"role,omitempty"`
}

// AudioInput streams one base64 LPCM frame into the open AUDIO content unit.
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ToolResult answers a toolUse inside an open TOOL content unit. Content is
// the JSON-serialized tool payload.
type ToolResult struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ContentEnd seals a content unit; its name must not be reused afterwards.
type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

// PromptEnd seals the prompt before session end.
type PromptEnd struct {
	PromptName string `json:"promptName"`
}

// SessionEnd carries no fields.
type SessionEnd struct{}

// Heartbeat keeps the connection alive through receive-idle windows.
type Heartbeat struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// --- Inbound event bodies ---

// InTextOutput is a streamed text fragment. Content may itself be a JSON
// string carrying an interruption flag for assistant turns.
type InTextOutput struct {
	ContentID string `json:"contentId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// Interrupted reports whether the fragment is a structured barge-in signal
// rather than display text.
func (t InTextOutput) Interrupted() bool {
	if len(t.Content) == 0 || t.Content[0] != '{' {
		return false
	}
	var flag struct {
		Interrupted bool `json:"interrupted"`
	}
	if err := sonic.UnmarshalString(t.Content, &flag); err != nil {
		return false
	}
	return flag.Interrupted
}

// InAudioOutput carries one base64 LPCM chunk of assistant speech.
type InAudioOutput struct {
	ContentID string `json:"contentId"`
	Content   string `json:"content"`
}

// InContentStart announces a model-side content unit. AdditionalModelFields
// is a JSON string that may carry a generative stage tag.
type InContentStart struct {
	PromptName            string `json:"promptName"`
	ContentID             string `json:"contentId"`
	Type                  string `json:"type"`
	Role                  string `json:"role"`
	AdditionalModelFields string `json:"additionalModelFields,omitempty"`
}

// GenerationStage extracts the stage tag ("SPECULATIVE" or "FINAL") when the
// model provides one.
func (c InContentStart) GenerationStage() string {
	if c.AdditionalModelFields == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := sonic.UnmarshalString(c.AdditionalModelFields, &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

// InContentEnd seals a model-side content unit.
type InContentEnd struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Type       string `json:"type"`
	StopReason string `json:"stopReason,omitempty"`
}

// InToolUse asks the client to execute a named tool. Content is the
// JSON-serialized tool input.
type InToolUse struct {
	ContentID string `json:"contentId"`
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

// InToolResult is a tool payload forwarded to this client for aggregation.
type InToolResult struct {
	ContentID string `json:"contentId,omitempty"`
	Content   string `json:"content"`
}

// InUsageEvent carries metering counters; forwarded to the metering
// collaborator untouched beyond the totals parsed here.
type InUsageEvent struct {
	CompletionID      string `json:"completionId,omitempty"`
	TotalInputTokens  int64  `json:"totalInputTokens"`
	TotalOutputTokens int64  `json:"totalOutputTokens"`
	TotalTokens       int64  `json:"totalTokens"`
}
