// Package provider defines the streaming LLM interface used by the turn loop
// and its Anthropic and OpenAI implementations.
package provider

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/banter/pkg/models"
)

// Status is the terminal state of one streaming call.
type Status string

const (
	// StatusCompleted means the model produced final text output
	StatusCompleted Status = "completed"

	// StatusFunctionCall means the model requested a tool execution and the
	// caller should execute it and call the provider again
	StatusFunctionCall Status = "function_call"

	// StatusEmpty means the stream ended cleanly but produced neither text
	// nor a tool call
	StatusEmpty Status = "empty_response"

	// StatusTimeout means the stream went silent past the inactivity window
	// or the call deadline tripped
	StatusTimeout Status = "timeout"

	// StatusStopped means a user stop signal was observed at a checkpoint
	// and the stream was abandoned
	StatusStopped Status = "stopped_by_user"

	// StatusError means the call failed
	StatusError Status = "error"
)

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string

	// Schema is the JSON Schema of the tool's input object.
	Schema json.RawMessage
}

// StreamRequest is one streaming call to a provider. The same request shape
// is reused across loop iterations with Interactions growing each time a tool
// result is fed back.
type StreamRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Context is the ordered conversational context. A leading system item
	// becomes the system prompt.
	Context []models.ContextItem

	// Interactions are tool calls already executed during this turn, fed
	// back to the model in order.
	Interactions []models.ToolInteraction

	Tools     []ToolSpec
	MaxTokens int

	// StopCheck is polled between stream events and before a tool call is
	// surfaced. When it returns true the provider abandons the stream and
	// returns StatusStopped. Nil disables checkpoint polling, which is how
	// uninterruptible turns are expressed.
	StopCheck func() bool
}

// StreamResult is the aggregate outcome of one streaming call.
type StreamResult struct {
	Status   Status
	Text     string
	ToolCall *models.ToolCall
	Err      error
}

// Provider is a streaming LLM backend. Implementations consume the stream
// internally, enforce their own inactivity window beneath the caller's
// deadline, and classify degenerate empty output, so the caller only deals
// in terminal results.
type Provider interface {
	// Name returns the provider identifier used in logs and metrics.
	Name() string

	// DefaultModel returns the model used when a request has no override.
	DefaultModel() string

	// StreamTurn runs one streaming completion to a terminal state. It
	// returns an error only for failures that occur before the stream is
	// established; in-stream failures come back as StatusError results.
	StreamTurn(ctx context.Context, req *StreamRequest) (*StreamResult, error)
}
