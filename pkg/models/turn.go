package models

import (
	"time"

	"github.com/google/uuid"
)

// TriggerKind describes what caused a turn to be created.
type TriggerKind string

const (
	// TriggerAuto is an unprompted group message that hit a trigger rule
	// (trigger word, reply to the bot, or the auto-reply counter).
	TriggerAuto TriggerKind = "auto"

	// TriggerManual is a direct address: private chat, mention, or command.
	// Manual turns bypass trigger-policy evaluation.
	TriggerManual TriggerKind = "manual"

	// TriggerStopReissue is a turn minted from a consumed stop signal to
	// acknowledge an interruption after the interrupted work finished.
	TriggerStopReissue TriggerKind = "stop-reissue"
)

// Turn is one attempt to produce a response for one trigger event. A turn is
// consumed exactly once by the runner and is never mutated after dispatch;
// the empty-response retry path creates a copy via Retry instead.
type Turn struct {
	ID            string      `json:"id"`
	Channel       ChannelType `json:"channel"`
	ChatID        string      `json:"chat_id"`
	Trigger       TriggerKind `json:"trigger"`
	ModelOverride string      `json:"model_override,omitempty"`

	// IsStopResponse marks the acknowledgement turn generated after a user
	// interruption. Such turns can never themselves be interrupted and skip
	// trigger-policy evaluation.
	IsStopResponse bool `json:"is_stop_response,omitempty"`

	// RetryCount tracks empty-response retries. Bounded by the runner.
	RetryCount int `json:"retry_count,omitempty"`

	// Message is the triggering event, kept so the context can be rebuilt.
	Message *Message `json:"message"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTurn wraps a triggering message into a turn.
func NewTurn(msg *Message, trigger TriggerKind) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Trigger:   trigger,
		Message:   msg,
		CreatedAt: time.Now(),
	}
}

// ChannelKey returns the serialization key for this turn's conversation.
func (t *Turn) ChannelKey() string {
	return string(t.Channel) + ":" + t.ChatID
}

// Retry returns a copy of the turn with the retry counter incremented and a
// fresh ID. All other fields, including IsStopResponse, are preserved.
func (t *Turn) Retry() *Turn {
	c := *t
	c.ID = uuid.NewString()
	c.RetryCount = t.RetryCount + 1
	return &c
}
