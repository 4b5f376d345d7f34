package engine

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartFile  PartKind = "file"
)

// ContentPart is one unit of a multi-part message: inline text or an
// out-of-band media reference.
type ContentPart struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	URL      string   `json:"url,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is one entry of the projected chain sent to the model.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text,omitempty"`
	// Parts carries attachments for multi-part user messages; when
	// empty the message is plain text.
	Parts []ContentPart `json:"parts,omitempty"`
	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolCallID pairs a tool-role result message with its call.
	ToolCallID string `json:"toolCallID,omitempty"`
}

// ToolDefinition describes a callable tool in provider-neutral form.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Request is the generation API input: model, projected messages,
// tool table and system prompt. Cancellation rides on the context.
type Request struct {
	Model        string           `json:"model"`
	SystemPrompt string           `json:"systemPrompt,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	MaxTokens    *int             `json:"maxTokens,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is the terminal result of one inference call.
type Response struct {
	Text      string     `json:"text"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
}

type StreamEventType string

const (
	StreamTextDelta      StreamEventType = "text-delta"
	StreamReasoningDelta StreamEventType = "reasoning"
	StreamToolCall       StreamEventType = "tool-call"
	StreamError          StreamEventType = "error"
)

// StreamEvent is one incremental unit of model output.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	TextDelta string          `json:"textDelta,omitempty"`
	ToolCall  *ToolCall       `json:"toolCall,omitempty"`
	Err       error           `json:"-"`
}
