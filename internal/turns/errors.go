package turns

import (
	"errors"
	"fmt"
)

// Common sentinel errors for turn processing
var (
	// ErrMaxIterations indicates the tool-call loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrEmptyResponse indicates the provider produced a degenerate empty result
	ErrEmptyResponse = errors.New("empty response")

	// ErrProviderTimeout indicates the per-call deadline tripped or the
	// provider reported stream inactivity
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrStopped indicates the provider observed a user stop signal mid-stream
	ErrStopped = errors.New("stopped by user")

	// ErrNoProvider indicates no generative provider is configured
	ErrNoProvider = errors.New("no provider configured")
)

// Phase represents a distinct stage in a turn's lifecycle.
type Phase string

const (
	// PhaseBuild is the context-building stage
	PhaseBuild Phase = "build_context"

	// PhaseStream is the provider streaming stage
	PhaseStream Phase = "stream"

	// PhaseTool is the tool execution stage
	PhaseTool Phase = "execute_tool"

	// PhaseRender is the output rendering stage
	PhaseRender Phase = "render"
)

// TurnError wraps an error with the phase and loop iteration it occurred in.
type TurnError struct {
	Phase     Phase
	Iteration int
	Cause     error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("turn error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}
