package history

import (
	"context"
	"fmt"

	"github.com/haasonsaas/banter/pkg/models"
)

// stopInstruction steers the acknowledgement turn generated after a user
// interruption.
const stopInstruction = "The user just told you to stop mid-response. " +
	"Acknowledge briefly that you are stopping. Do not continue the interrupted answer."

// Builder assembles provider context for a turn: persona, recent transcript,
// and the triggering message last.
type Builder struct {
	store   *Store
	persona string
	limit   int
}

// NewBuilder creates a context builder. limit bounds how many transcript
// messages are included; zero uses the store default.
func NewBuilder(store *Store, persona string, limit int) *Builder {
	return &Builder{store: store, persona: persona, limit: limit}
}

// Build implements the runner's ContextBuilder.
func (b *Builder) Build(ctx context.Context, turn *models.Turn) ([]models.ContextItem, error) {
	var items []models.ContextItem
	if b.persona != "" {
		items = append(items, models.ContextItem{Role: models.RoleSystem, Content: b.persona})
	}
	if turn.IsStopResponse {
		items = append(items, models.ContextItem{Role: models.RoleSystem, Content: stopInstruction})
	}

	recent, err := b.store.Recent(ctx, turn.ChannelKey(), b.limit)
	if err != nil {
		return nil, err
	}
	for _, msg := range recent {
		// The trigger message is appended explicitly below; skip its
		// transcript copy so it appears exactly once, last.
		if turn.Message != nil && msg.ID == turn.Message.ID {
			continue
		}
		items = append(items, transcriptItem(msg))
	}

	if turn.Message != nil {
		item := models.ContextItem{
			Role:        models.RoleUser,
			Content:     attributed(turn.Message),
			Attachments: turn.Message.Attachments,
		}
		for _, att := range turn.Message.Attachments {
			item.Content += fmt.Sprintf("\n[attachment %s %s: file_id=%s]", att.Type, att.MimeType, att.FileID)
		}
		items = append(items, item)
	}
	return items, nil
}

func transcriptItem(msg *models.Message) models.ContextItem {
	role := models.RoleUser
	if msg.Role == models.RoleAssistant {
		role = models.RoleAssistant
	}
	content := msg.Content
	if role == models.RoleUser {
		content = attributed(msg)
	}
	return models.ContextItem{Role: role, Content: content}
}

// attributed prefixes group messages with the sender's name so the model can
// track who said what.
func attributed(msg *models.Message) string {
	if msg.SenderName == "" {
		return msg.Content
	}
	return msg.SenderName + ": " + msg.Content
}
