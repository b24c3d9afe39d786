// Package llmclient provides the chat-completion client contract (C2): a
// multi-turn, tool-calling Provider interface with Anthropic, OpenAI and
// Gemini backends, adapted from the internal/llm provider abstraction but
// trimmed to what extraction and unification need (non-streaming
// request/response; no image generation, prompt-cache bookkeeping, or
// thought-signature plumbing, none of which the pipeline uses).
package llmclient

import (
	"context"
	"encoding/json"
)

// ToolCall is one function call the model wants executed.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

// Message is one turn of a conversation.
type Message struct {
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string // set on role "tool": which call this is a result for
	ToolCalls []ToolCall // set on role "assistant" when the model calls tools
}

// ToolSchema describes one callable tool using a JSON-schema-shaped
// Parameters map (top-level "type":"object","properties":{...},"required":[...]).
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Provider performs one chat-completion turn.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error)
}
