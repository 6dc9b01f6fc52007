package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
)

// Role indicates the author of a message or context item.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified inbound/outbound message format across channels.
type Message struct {
	ID          string       `json:"id"`
	Channel     ChannelType  `json:"channel"`
	ChatID      string       `json:"chat_id"` // Platform-specific conversation ID
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ReplyToBot  bool         `json:"reply_to_bot,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ChannelKey returns the serialization key for the conversation this message
// belongs to. All turns sharing a key are mutually exclusive in time.
func (m *Message) ChannelKey() string {
	return string(m.Channel) + ":" + m.ChatID
}

// Attachment represents a file or media reference carried by a message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document, sticker
	URL      string `json:"url,omitempty"`
	FileID   string `json:"file_id,omitempty"` // Platform-specific file handle
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCall represents a provider's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Failures are carried
// as results with IsError set, never as aborting errors, so the provider can
// react to them.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolInteraction pairs a tool call with its result. The ordered list of
// interactions accumulated during one turn is fed back to the provider as
// additional conversational history for that turn only.
type ToolInteraction struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// ContextItem is one ordered unit of conversational context for a provider
// call. Items appended mid-turn by a context-restart carry a Kind and a
// CorrelationID so duplicates can be detected.
type ContextItem struct {
	Role          Role         `json:"role"`
	Content       string       `json:"content,omitempty"`
	Kind          string       `json:"kind,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}
