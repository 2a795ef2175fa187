package llm

import (
	"context"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat-completion message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a completed tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a tool and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the JSON-schema description of a tool.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a streaming chat-completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature"`
}

// Usage is the provider-reported token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// Finish reasons surfaced on stream chunks.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// ToolCallDelta is an incremental fragment of a tool call. Fragments with the
// same Index belong to one call; Arguments accumulate by concatenation.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamChunk is one event on a completion stream. Exactly one of the fields
// is typically populated; Err terminates the stream.
type StreamChunk struct {
	ContentDelta string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Usage        *Usage
	Err          error
}

// Client streams chat completions with tool-call support. The returned
// channel is closed when the stream ends.
type Client interface {
	StreamChatCompletion(ctx context.Context, req Request) (<-chan StreamChunk, error)
	Model() string
}
