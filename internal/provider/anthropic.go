package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/pkg/models"
)

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries sets retry attempts for transient failures. Default: 3
	MaxRetries int

	// RetryDelay is the base delay between retries, doubled each attempt.
	// Default: 1 second
	RetryDelay time.Duration

	// DefaultModel is used when a request has no override.
	DefaultModel string

	// InactivityTimeout is the longest silence tolerated between stream
	// events before the call is abandoned as hung. It sits beneath the
	// caller's overall deadline. Default: 20 seconds
	InactivityTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Anthropic implements Provider on top of Claude's streaming messages API.
//
// Thread Safety:
// Anthropic is safe for concurrent use. Each StreamTurn call creates an
// independent stream and reader goroutine.
type Anthropic struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	inactivity   time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewAnthropic creates an Anthropic provider with the given configuration.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(options...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
		inactivity:   cfg.InactivityTimeout,
		logger:       cfg.Logger.With("component", "provider", "provider", "anthropic"),
		metrics:      cfg.Metrics,
	}, nil
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

// DefaultModel implements Provider.
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

// StreamTurn implements Provider. Transient failures that produced no output
// are retried with exponential backoff up to MaxRetries.
func (p *Anthropic) StreamTurn(ctx context.Context, req *StreamRequest) (*StreamResult, error) {
	model := p.model(req.Model)

	messages, system, err := p.convertContext(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert context: %w", err)
	}
	tools, err := p.convertTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	start := time.Now()
	var res *StreamResult
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		res = p.consumeStream(ctx, params, req.StopCheck)
		if res.Status != StatusError || !isRetryableError(res.Err) {
			break
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			p.logger.Warn("retrying after transient stream failure",
				"attempt", attempt+1, "backoff", backoff, "error", res.Err)
			select {
			case <-ctx.Done():
				res = p.resultFromContext(ctx)
				attempt = p.maxRetries
			case <-time.After(backoff):
			}
		}
	}

	p.metrics.RecordProviderCall("anthropic", model, string(res.Status), time.Since(start))
	return res, nil
}

// consumeStream runs one streaming call to a terminal state. A reader
// goroutine feeds SSE events into a channel so the select loop can enforce
// the inactivity window and poll the stop check between events.
func (p *Anthropic) consumeStream(ctx context.Context, params anthropic.MessageNewParams, stopCheck func() bool) *StreamResult {
	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan anthropic.MessageStreamEventUnion)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(events)
		for stream.Next() {
			select {
			case events <- stream.Current():
			case <-done:
				return
			}
		}
		if err := stream.Err(); err != nil {
			errc <- err
		}
	}()

	var text strings.Builder
	var toolCall *models.ToolCall
	var toolInput strings.Builder

	timer := time.NewTimer(p.inactivity)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.resultFromContext(ctx)

		case <-timer.C:
			p.logger.Warn("stream inactive, abandoning call", "window", p.inactivity)
			return &StreamResult{
				Status: StatusTimeout,
				Err:    fmt.Errorf("anthropic: no stream event for %s", p.inactivity),
			}

		case event, ok := <-events:
			if !ok {
				select {
				case err := <-errc:
					return &StreamResult{Status: StatusError, Err: fmt.Errorf("anthropic: stream failed: %w", err)}
				default:
				}
				// Stream ended without an explicit message_stop.
				return p.finalize(text.String(), toolCall, stopCheck)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.inactivity)

			if stopCheck != nil && stopCheck() {
				return &StreamResult{Status: StatusStopped}
			}

			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					toolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					toolInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					text.WriteString(delta.Text)
				case "input_json_delta":
					toolInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if toolCall != nil {
					toolCall.Input = json.RawMessage(toolInput.String())
					return p.finalize(text.String(), toolCall, stopCheck)
				}

			case "message_stop":
				return p.finalize(text.String(), toolCall, stopCheck)

			case "error":
				return &StreamResult{
					Status: StatusError,
					Err:    errors.New("anthropic: stream error event"),
				}
			}
		}
	}
}

// finalize classifies the accumulated stream output. A pending stop check is
// honored one last time so a tool call is never surfaced past a stop request.
func (p *Anthropic) finalize(text string, toolCall *models.ToolCall, stopCheck func() bool) *StreamResult {
	if stopCheck != nil && stopCheck() {
		return &StreamResult{Status: StatusStopped}
	}
	if toolCall != nil {
		if len(toolCall.Input) == 0 {
			toolCall.Input = json.RawMessage("{}")
		}
		return &StreamResult{Status: StatusFunctionCall, Text: text, ToolCall: toolCall}
	}
	if strings.TrimSpace(text) == "" {
		return &StreamResult{Status: StatusEmpty}
	}
	return &StreamResult{Status: StatusCompleted, Text: text}
}

func (p *Anthropic) resultFromContext(ctx context.Context) *StreamResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &StreamResult{Status: StatusTimeout, Err: ctx.Err()}
	}
	return &StreamResult{Status: StatusError, Err: ctx.Err()}
}

// convertContext translates context items and tool interactions into
// Anthropic messages. Leading system items become the system prompt;
// attachments are referenced inline as text since the messages API carries
// media through dedicated block types this bot does not emit.
func (p *Anthropic) convertContext(req *StreamRequest) ([]anthropic.MessageParam, string, error) {
	var system strings.Builder
	var result []anthropic.MessageParam

	for _, item := range req.Context {
		if item.Role == models.RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(item.Content)
			continue
		}

		content := itemText(item)
		if content == "" {
			continue
		}
		if item.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		} else {
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}

	for _, interaction := range req.Interactions {
		var input map[string]interface{}
		if err := json.Unmarshal(interaction.Call.Input, &input); err != nil {
			return nil, "", fmt.Errorf("invalid tool call input: %w", err)
		}
		result = append(result, anthropic.NewAssistantMessage(
			anthropic.NewToolUseBlock(interaction.Call.ID, input, interaction.Call.Name),
		))
		result = append(result, anthropic.NewUserMessage(
			anthropic.NewToolResultBlock(
				interaction.Result.ToolCallID,
				interaction.Result.Content,
				interaction.Result.IsError,
			),
		))
	}

	return result, system.String(), nil
}

func (p *Anthropic) convertTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", spec.Name)
		}
		toolParam.OfTool.Description = anthropic.String(spec.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func (p *Anthropic) model(override string) string {
	if override == "" {
		return p.defaultModel
	}
	return override
}

// itemText renders a context item as plain text, folding attachment
// references into the body.
func itemText(item models.ContextItem) string {
	if len(item.Attachments) == 0 {
		return item.Content
	}
	var b strings.Builder
	b.WriteString(item.Content)
	for _, att := range item.Attachments {
		ref := att.URL
		if ref == "" {
			ref = att.FileID
		}
		if ref == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s: %s]", att.Type, ref)
	}
	return b.String()
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient failures worth retrying: rate
// limits, server errors, and network issues. Context cancellation and
// deadline trips are never retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}

	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "gateway timeout") {
		return true
	}

	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}

	return false
}
