// Package tools defines the tool interface offered to LLM providers and the
// executor that runs tool calls with schema validation and panic isolation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/banter/pkg/models"
)

// Execution is the outcome of running one tool call.
//
// Most tools fill only Result. A tool that needs to inject material into the
// conversation context sets Restart instead: the loop appends the item and
// calls the provider again without recording a tool interaction. A tool that
// selects a sticker sets Sticker; the runner delivers it after the main
// response.
type Execution struct {
	Result  models.ToolResult
	Restart *models.ContextItem
	Sticker *models.Attachment
}

// Tool is a capability the LLM can invoke during a turn.
type Tool interface {
	// Name returns the tool identifier offered to the model.
	Name() string

	// Description returns the natural-language description of the tool.
	Description() string

	// Schema returns the JSON Schema of the tool's input object.
	Schema() json.RawMessage

	// Execute runs the tool. Expected failures should come back as an
	// Execution with Result.IsError set; a returned error is treated the
	// same way by the executor.
	Execute(ctx context.Context, params json.RawMessage) (*Execution, error)
}

// Registry holds the set of registered tools.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}
