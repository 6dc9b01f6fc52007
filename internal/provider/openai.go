package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// MaxRetries sets retry attempts for stream creation. Default: 3
	MaxRetries int

	// RetryDelay is the base delay between retries, growing linearly.
	// Default: 1 second
	RetryDelay time.Duration

	// DefaultModel is used when a request has no override.
	DefaultModel string

	// InactivityTimeout is the longest silence tolerated between stream
	// chunks before the call is abandoned as hung. Default: 20 seconds
	InactivityTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// OpenAI implements Provider on top of the chat completions streaming API.
//
// Thread Safety:
// OpenAI is safe for concurrent use. Each StreamTurn call creates an
// independent stream and reader goroutine.
type OpenAI struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	inactivity   time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewOpenAI creates an OpenAI provider with the given configuration.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &OpenAI{
		client:       openai.NewClient(cfg.APIKey),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
		inactivity:   cfg.InactivityTimeout,
		logger:       cfg.Logger.With("component", "provider", "provider", "openai"),
		metrics:      cfg.Metrics,
	}, nil
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// DefaultModel implements Provider.
func (p *OpenAI) DefaultModel() string { return p.defaultModel }

// StreamTurn implements Provider.
func (p *OpenAI) StreamTurn(ctx context.Context, req *StreamRequest) (*StreamResult, error) {
	model := p.model(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertContext(req),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	start := time.Now()

	// Retry stream creation with linear backoff. Once a stream is open,
	// in-flight failures are terminal.
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				res := resultFromOpenAIContext(ctx)
				p.metrics.RecordProviderCall("openai", model, string(res.Status), time.Since(start))
				return res, nil
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			break
		}
		p.logger.Warn("retrying stream creation", "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		res := &StreamResult{Status: StatusError, Err: fmt.Errorf("openai: failed to create stream: %w", lastErr)}
		if errors.Is(lastErr, context.DeadlineExceeded) {
			res = &StreamResult{Status: StatusTimeout, Err: lastErr}
		}
		p.metrics.RecordProviderCall("openai", model, string(res.Status), time.Since(start))
		return res, nil
	}

	res := p.consumeStream(ctx, stream, req.StopCheck)
	p.metrics.RecordProviderCall("openai", model, string(res.Status), time.Since(start))
	return res, nil
}

type openaiChunk struct {
	response openai.ChatCompletionStreamResponse
	err      error
}

// consumeStream drains the completion stream to a terminal state. A reader
// goroutine feeds chunks into a channel so the select loop can enforce the
// inactivity window and poll the stop check between chunks.
func (p *OpenAI) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, stopCheck func() bool) *StreamResult {
	defer stream.Close()

	chunks := make(chan openaiChunk)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(chunks)
		for {
			response, err := stream.Recv()
			select {
			case chunks <- openaiChunk{response: response, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var text strings.Builder
	var toolCall *models.ToolCall
	var toolArgs strings.Builder

	timer := time.NewTimer(p.inactivity)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return resultFromOpenAIContext(ctx)

		case <-timer.C:
			p.logger.Warn("stream inactive, abandoning call", "window", p.inactivity)
			return &StreamResult{
				Status: StatusTimeout,
				Err:    fmt.Errorf("openai: no stream chunk for %s", p.inactivity),
			}

		case chunk, ok := <-chunks:
			if !ok {
				return p.finalize(text.String(), toolCall, toolArgs.String(), stopCheck)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.inactivity)

			if chunk.err != nil {
				if errors.Is(chunk.err, io.EOF) {
					return p.finalize(text.String(), toolCall, toolArgs.String(), stopCheck)
				}
				if errors.Is(chunk.err, context.DeadlineExceeded) {
					return &StreamResult{Status: StatusTimeout, Err: chunk.err}
				}
				return &StreamResult{Status: StatusError, Err: fmt.Errorf("openai: stream failed: %w", chunk.err)}
			}

			if stopCheck != nil && stopCheck() {
				return &StreamResult{Status: StatusStopped}
			}

			if len(chunk.response.Choices) == 0 {
				continue
			}
			choice := chunk.response.Choices[0]

			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
			}

			// Tool call fragments accumulate across chunks; only the
			// first call is tracked since the loop executes one tool
			// per iteration.
			for _, tc := range choice.Delta.ToolCalls {
				if toolCall == nil {
					toolCall = &models.ToolCall{}
				}
				if tc.ID != "" {
					toolCall.ID = tc.ID
				}
				if tc.Function.Name != "" {
					toolCall.Name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					toolArgs.WriteString(tc.Function.Arguments)
				}
			}

			if choice.FinishReason == openai.FinishReasonToolCalls {
				return p.finalize(text.String(), toolCall, toolArgs.String(), stopCheck)
			}
			if choice.FinishReason == openai.FinishReasonStop {
				return p.finalize(text.String(), toolCall, toolArgs.String(), stopCheck)
			}
		}
	}
}

func (p *OpenAI) finalize(text string, toolCall *models.ToolCall, args string, stopCheck func() bool) *StreamResult {
	if stopCheck != nil && stopCheck() {
		return &StreamResult{Status: StatusStopped}
	}
	if toolCall != nil && toolCall.Name != "" {
		if args == "" {
			args = "{}"
		}
		toolCall.Input = json.RawMessage(args)
		return &StreamResult{Status: StatusFunctionCall, Text: text, ToolCall: toolCall}
	}
	if strings.TrimSpace(text) == "" {
		return &StreamResult{Status: StatusEmpty}
	}
	return &StreamResult{Status: StatusCompleted, Text: text}
}

func resultFromOpenAIContext(ctx context.Context) *StreamResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &StreamResult{Status: StatusTimeout, Err: ctx.Err()}
	}
	return &StreamResult{Status: StatusError, Err: ctx.Err()}
}

// convertContext translates context items and tool interactions into chat
// completion messages. System items map to the system role directly.
func (p *OpenAI) convertContext(req *StreamRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Context)+2*len(req.Interactions))

	for _, item := range req.Context {
		role := openai.ChatMessageRoleUser
		switch item.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		content := itemText(item)
		if content == "" {
			continue
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: content})
	}

	for _, interaction := range req.Interactions {
		result = append(result, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:   interaction.Call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      interaction.Call.Name,
					Arguments: string(interaction.Call.Input),
				},
			}},
		})
		result = append(result, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    interaction.Result.Content,
			ToolCallID: interaction.Result.ToolCallID,
		})
	}

	return result
}

func (p *OpenAI) convertTools(specs []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		var schemaMap map[string]any
		if err := json.Unmarshal(spec.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAI) model(override string) string {
	if override == "" {
		return p.defaultModel
	}
	return override
}
