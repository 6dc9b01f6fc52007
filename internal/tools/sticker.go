package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/banter/pkg/models"
)

// PickStickerTool lets the model attach a sticker to its response. The
// sticker is not part of the generated text; the runner sends it as a
// follow-up after the main response is delivered, and only when the turn
// completes normally.
type PickStickerTool struct {
	// stickers maps a mood keyword to a platform sticker file ID.
	stickers map[string]string
}

// NewPickStickerTool creates the tool over a mood-to-file-ID catalog.
func NewPickStickerTool(stickers map[string]string) *PickStickerTool {
	return &PickStickerTool{stickers: stickers}
}

// Name returns the tool name for registration.
func (t *PickStickerTool) Name() string {
	return "pick_sticker"
}

// Description returns the tool description.
func (t *PickStickerTool) Description() string {
	return "Pick a sticker matching the mood of your response. It is sent after your message."
}

// Schema returns the JSON schema for tool parameters.
func (t *PickStickerTool) Schema() json.RawMessage {
	moods := make([]string, 0, len(t.stickers))
	for mood := range t.stickers {
		moods = append(moods, mood)
	}
	sort.Strings(moods)

	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mood": map[string]interface{}{
				"type":        "string",
				"enum":        moods,
				"description": "Mood the sticker should convey",
			},
		},
		"required": []string{"mood"},
	}
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return schemaBytes
}

// Execute resolves the mood to a sticker and queues it for delivery.
func (t *PickStickerTool) Execute(ctx context.Context, params json.RawMessage) (*Execution, error) {
	var input struct {
		Mood string `json:"mood"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorExecution(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	fileID, ok := t.stickers[strings.ToLower(strings.TrimSpace(input.Mood))]
	if !ok {
		return errorExecution(fmt.Sprintf("no sticker for mood %q", input.Mood)), nil
	}

	return &Execution{
		Result: models.ToolResult{
			Content: fmt.Sprintf("Sticker for mood %q will be sent after your response.", input.Mood),
		},
		Sticker: &models.Attachment{
			Type:   "sticker",
			FileID: fileID,
		},
	}, nil
}
