// Package llm defines the chat-completion port consumed by the repair
// session: a role-tagged message history, a set of advertised tool schemas,
// and a response that is either a final answer or one-or-more tool requests.
package llm

import (
	"context"
	"encoding/json"
)

// Stop reasons returned by a provider.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// ToolDef describes one callable tool advertised to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ContentBlock is one unit of message content: text, a tool request from
// the model, or a tool result fed back by the caller.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text blocks
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a plain user/assistant text turn.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}

// Usage reports token consumption for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one provider turn.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool request blocks in the order the model emitted them.
func (r Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			uses = append(uses, b)
		}
	}
	return uses
}

// Request is one chat-completion call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDef
}

// Client is the port interface for the LLM provider.
type Client interface {
	// Complete sends the conversation and returns the provider's next turn.
	Complete(ctx context.Context, req Request) (*Response, error)
}
