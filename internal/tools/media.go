package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/banter/pkg/models"
)

// FileResolver turns a platform file ID into a fetchable URL. The Telegram
// adapter provides this.
type FileResolver func(ctx context.Context, fileID string) (string, error)

// ViewMediaTool lets the model pull an attachment referenced in the
// conversation into its context. Instead of returning the media as a tool
// result, the execution carries a context-restart item: the loop appends it
// to the conversation and calls the provider again, so the model sees the
// media as ordinary context. The item's correlation ID is the file ID, which
// lets the loop drop duplicate requests for the same attachment within a turn.
type ViewMediaTool struct {
	resolve FileResolver
}

// NewViewMediaTool creates the tool with a platform file resolver.
func NewViewMediaTool(resolve FileResolver) *ViewMediaTool {
	return &ViewMediaTool{resolve: resolve}
}

// Name returns the tool name for registration.
func (t *ViewMediaTool) Name() string {
	return "view_media"
}

// Description returns the tool description.
func (t *ViewMediaTool) Description() string {
	return "Load an attachment by its file ID into the conversation so you can look at it."
}

// Schema returns the JSON schema for tool parameters.
func (t *ViewMediaTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_id": {
				"type": "string",
				"description": "Platform file ID of the attachment to load"
			},
			"kind": {
				"type": "string",
				"enum": ["image", "video", "audio", "document"],
				"description": "Attachment kind. Default: image"
			}
		},
		"required": ["file_id"]
	}`)
}

// Execute resolves the file and returns a context-restart carrying it.
func (t *ViewMediaTool) Execute(ctx context.Context, params json.RawMessage) (*Execution, error) {
	var input struct {
		FileID string `json:"file_id"`
		Kind   string `json:"kind"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorExecution(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.FileID == "" {
		return errorExecution("missing required parameter: file_id"), nil
	}
	if input.Kind == "" {
		input.Kind = "image"
	}

	url, err := t.resolve(ctx, input.FileID)
	if err != nil {
		return errorExecution(fmt.Sprintf("failed to resolve file %s: %v", input.FileID, err)), nil
	}

	return &Execution{
		Restart: &models.ContextItem{
			Role:          models.RoleUser,
			Content:       "Attached media for review.",
			Kind:          "media",
			CorrelationID: input.FileID,
			Attachments: []models.Attachment{{
				ID:     input.FileID,
				Type:   input.Kind,
				URL:    url,
				FileID: input.FileID,
			}},
		},
	}, nil
}
