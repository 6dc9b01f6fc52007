package turns

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/internal/provider"
	"github.com/haasonsaas/banter/internal/tools"
	"github.com/haasonsaas/banter/pkg/models"
)

// Outcome is the terminal state of one loop run.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeErrored       Outcome = "error"
	OutcomeStopped       Outcome = "stopped_by_user"
	OutcomeTimedOut      Outcome = "timed_out"
	OutcomeEmpty         Outcome = "empty_response"
	OutcomeMaxIterations Outcome = "max_iterations"
)

// State is the mutable conversational state of one turn. Context starts from
// the builder's output and grows through context-restarts; Interactions
// accumulate executed tool calls. Neither survives past the turn.
type State struct {
	Context      []models.ContextItem
	Interactions []models.ToolInteraction
}

// CallOptions parameterize one loop run.
type CallOptions struct {
	// Model overrides the provider default when non-empty.
	Model string

	// StopCheck is passed through to the provider for checkpoint polling.
	// Nil makes the run uninterruptible.
	StopCheck func() bool

	// ChannelKey is used for logging only.
	ChannelKey string
}

// Result is the aggregate outcome of a loop run.
type Result struct {
	Outcome    Outcome
	Text       string
	Err        error
	Sticker    *models.Attachment
	Iterations int
}

// LoopConfig tunes the tool-call loop.
type LoopConfig struct {
	// MaxIterations bounds provider calls per turn. Every provider call
	// counts, including ones triggered by context-restarts. Default: 5
	MaxIterations int

	// CallTimeout is the outer deadline for each individual provider call,
	// above the provider's own inactivity window. Default: 35s
	CallTimeout time.Duration

	// MaxTokens is passed through to the provider. Zero uses the
	// provider's default.
	MaxTokens int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 35 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Loop drives the iterative conversation between provider and tools for one
// turn. Each iteration makes one provider call; a tool request executes the
// tool and loops with the result fed back, until the provider produces text
// or a bound trips.
type Loop struct {
	provider provider.Provider
	executor *tools.Executor
	config   LoopConfig
	logger   *slog.Logger
}

// NewLoop creates a loop over a provider and tool executor.
func NewLoop(p provider.Provider, executor *tools.Executor, cfg LoopConfig) *Loop {
	cfg = sanitizeLoopConfig(cfg)
	return &Loop{
		provider: p,
		executor: executor,
		config:   cfg,
		logger:   cfg.Logger.With("component", "loop"),
	}
}

// Run executes the tool-call loop to a terminal result. It mutates state in
// place so a retrying caller can inspect what accumulated.
func (l *Loop) Run(ctx context.Context, state *State, opts CallOptions) *Result {
	if l.provider == nil {
		return &Result{Outcome: OutcomeErrored, Err: ErrNoProvider}
	}

	var sticker *models.Attachment

	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		res, err := l.streamOnce(ctx, state, opts)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return &Result{Outcome: OutcomeTimedOut, Err: ErrProviderTimeout, Sticker: sticker, Iterations: iteration}
			}
			return &Result{
				Outcome:    OutcomeErrored,
				Err:        &TurnError{Phase: PhaseStream, Iteration: iteration, Cause: err},
				Iterations: iteration,
			}
		}

		switch res.Status {
		case provider.StatusCompleted:
			return &Result{Outcome: OutcomeCompleted, Text: res.Text, Sticker: sticker, Iterations: iteration}

		case provider.StatusEmpty:
			return &Result{Outcome: OutcomeEmpty, Err: ErrEmptyResponse, Iterations: iteration}

		case provider.StatusStopped:
			l.logger.Info("turn stopped by user", "channel", opts.ChannelKey, "iteration", iteration)
			return &Result{Outcome: OutcomeStopped, Err: ErrStopped, Iterations: iteration}

		case provider.StatusTimeout:
			return &Result{Outcome: OutcomeTimedOut, Err: ErrProviderTimeout, Iterations: iteration}

		case provider.StatusError:
			return &Result{
				Outcome:    OutcomeErrored,
				Err:        &TurnError{Phase: PhaseStream, Iteration: iteration, Cause: res.Err},
				Iterations: iteration,
			}

		case provider.StatusFunctionCall:
			if l.executor == nil || res.ToolCall == nil {
				return &Result{
					Outcome:    OutcomeErrored,
					Err:        &TurnError{Phase: PhaseTool, Iteration: iteration, Cause: errors.New("tool call without executor")},
					Iterations: iteration,
				}
			}
			exec := l.executor.Execute(ctx, *res.ToolCall)

			if exec.Restart != nil {
				// A context-restart feeds material back as conversation
				// context instead of a tool interaction. Duplicate
				// requests for the same item are dropped so the model
				// cannot spin on one attachment; either way the
				// iteration still counts toward the cap.
				if hasContextItem(state.Context, exec.Restart.Kind, exec.Restart.CorrelationID) {
					l.logger.Debug("dropping duplicate context-restart",
						"channel", opts.ChannelKey,
						"kind", exec.Restart.Kind,
						"correlation_id", exec.Restart.CorrelationID)
				} else {
					state.Context = append(state.Context, *exec.Restart)
				}
				continue
			}

			if exec.Sticker != nil {
				sticker = exec.Sticker
			}
			state.Interactions = append(state.Interactions, models.ToolInteraction{
				Call:   *res.ToolCall,
				Result: exec.Result,
			})

		default:
			return &Result{
				Outcome:    OutcomeErrored,
				Err:        &TurnError{Phase: PhaseStream, Iteration: iteration, Cause: errors.New("unknown provider status: " + string(res.Status))},
				Iterations: iteration,
			}
		}
	}

	l.logger.Warn("tool-call loop hit iteration cap",
		"channel", opts.ChannelKey, "max_iterations", l.config.MaxIterations)
	return &Result{Outcome: OutcomeMaxIterations, Err: ErrMaxIterations, Iterations: l.config.MaxIterations}
}

// streamOnce makes one provider call under the per-call deadline.
func (l *Loop) streamOnce(ctx context.Context, state *State, opts CallOptions) (*provider.StreamResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.config.CallTimeout)
	defer cancel()

	return l.provider.StreamTurn(callCtx, &provider.StreamRequest{
		Model:        opts.Model,
		Context:      state.Context,
		Interactions: state.Interactions,
		Tools:        l.toolSpecs(),
		MaxTokens:    l.config.MaxTokens,
		StopCheck:    opts.StopCheck,
	})
}

func (l *Loop) toolSpecs() []provider.ToolSpec {
	if l.executor == nil {
		return nil
	}
	list := l.executor.Registry().List()
	specs := make([]provider.ToolSpec, 0, len(list))
	for _, tool := range list {
		specs = append(specs, provider.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return specs
}

func hasContextItem(items []models.ContextItem, kind, correlationID string) bool {
	for _, item := range items {
		if item.Kind == kind && item.CorrelationID == correlationID {
			return true
		}
	}
	return false
}
