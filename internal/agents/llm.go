// Package agents implements the three-role investigation state
// machine: a bounded tool-calling loop per role, wired to Anthropic's
// SDK as the concrete LLM provider.
package agents

import (
	"context"
	"encoding/json"
)

// Message is one turn in an LLM conversation, generalized across the
// assistant/user/tool-result roles.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a ToolCall, fed back to the
// model on the next turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CompletionRequest is one model turn: system prompt, running message
// history, and the tool surface available this turn.
type CompletionRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// CompletionResponse is the model's reply: either a final text answer
// (StopReason "end_turn") or a set of tool calls to execute
// (StopReason "tool_use").
type CompletionResponse struct {
	Message    Message
	StopReason string
}

// LLM is the provider boundary the role runner turns against. Kept
// minimal and swappable so role logic is testable without a live model.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
