// Package llm defines the oracle interface the agent loop speaks.
// Provider implementations live in subpackages.
package llm

import "context"

// Message is one turn in an oracle conversation.
type Message struct {
	// Role is "user", "assistant", or "tool".
	Role    string
	Content string

	// ToolCalls is set on assistant turns that request capability use.
	ToolCalls []ToolCall

	// ToolUseID ties a tool turn back to the call it answers.
	ToolUseID string
	// IsError marks a tool turn as a failed invocation.
	IsError bool
}

// ToolCall is a capability invocation requested by the oracle.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolDef advertises one callable capability to the oracle.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage reports token consumption for one exchange.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the oracle's reply to one Chat exchange.
type Response struct {
	Content    string
	StopReason string
	ToolCalls  []ToolCall
	Usage      Usage
}

// Provider is a conversational oracle. Implementations must be safe for
// concurrent use.
type Provider interface {
	Chat(ctx context.Context, system string, messages []Message, tools []ToolDef) (*Response, error)
}
