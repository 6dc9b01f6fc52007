package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Executor runs tool calls against a registry. Invalid input, tool errors,
// and panics all come back as error results rather than aborting the turn,
// so the model can see what went wrong and react.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics

	schemaCache sync.Map
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		logger:   logger.With("component", "tools"),
		metrics:  metrics,
	}
}

// Registry returns the underlying tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call to completion. The returned Execution always has
// Result.ToolCallID set to the call's ID.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *Execution {
	start := time.Now()
	exec := e.execute(ctx, call)
	exec.Result.ToolCallID = call.ID

	status := "success"
	if exec.Result.IsError {
		status = "error"
	}
	e.metrics.RecordToolExecution(call.Name, status, time.Since(start))
	e.logger.Debug("tool executed",
		"tool", call.Name,
		"status", status,
		"duration", time.Since(start))
	return exec
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall) (exec *Execution) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			exec = errorExecution(fmt.Sprintf("tool %s panicked: %v", call.Name, r))
		}
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return errorExecution(fmt.Sprintf("unknown tool: %s", call.Name))
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := e.validate(tool, input); err != nil {
		return errorExecution(fmt.Sprintf("invalid parameters for %s: %v", call.Name, err))
	}

	result, err := tool.Execute(ctx, input)
	if err != nil {
		return errorExecution(fmt.Sprintf("tool %s failed: %v", call.Name, err))
	}
	if result == nil {
		return errorExecution(fmt.Sprintf("tool %s returned no result", call.Name))
	}
	return result
}

// validate checks tool input against the tool's JSON Schema. Compiled
// schemas are cached per tool name.
func (e *Executor) validate(tool Tool, input json.RawMessage) error {
	schema, err := e.compiledSchema(tool)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return schema.Validate(decoded)
}

func (e *Executor) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	name := tool.Name()
	if cached, ok := e.schemaCache.Load(name); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return nil, err
	}
	e.schemaCache.Store(name, compiled)
	return compiled, nil
}

func errorExecution(content string) *Execution {
	return &Execution{
		Result: models.ToolResult{
			Content: content,
			IsError: true,
		},
	}
}
