package turns

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/pkg/models"
)

// ContextBuilder assembles the conversational context for a turn: persona,
// recent transcript, and the triggering message.
type ContextBuilder interface {
	Build(ctx context.Context, turn *models.Turn) ([]models.ContextItem, error)
}

// Output delivers turn results to the user's channel.
type Output interface {
	// Render sends the generated response text.
	Render(ctx context.Context, turn *models.Turn, text string) error

	// RenderNotice sends a canned notice for the given category.
	RenderNotice(ctx context.Context, turn *models.Turn, kind NoticeKind) error

	// SendSticker delivers a sticker chosen during the turn.
	SendSticker(ctx context.Context, turn *models.Turn, sticker *models.Attachment) error
}

// TranscriptAppender records delivered responses in conversation history.
type TranscriptAppender interface {
	Append(ctx context.Context, msg *models.Message) error
}

// RunnerConfig tunes the turn runner.
type RunnerConfig struct {
	// MaxEmptyRetries bounds silent retries after empty provider
	// responses. Default: 2
	MaxEmptyRetries int

	// EmptyRetryDelay is the pause before each empty-response retry.
	// Default: 2s
	EmptyRetryDelay time.Duration

	// Transcript records delivered responses. Optional.
	Transcript TranscriptAppender

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Runner processes turns end to end: admission through the scheduler, context
// building, the tool-call loop, output delivery, and release with backlog
// dispatch. One Process call owns its channel lock for the whole turn,
// including empty-response retries.
type Runner struct {
	scheduler *Scheduler
	loop      *Loop
	contexts  ContextBuilder
	output    Output
	config    RunnerConfig
	logger    *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(scheduler *Scheduler, loop *Loop, contexts ContextBuilder, output Output, cfg RunnerConfig) *Runner {
	if cfg.MaxEmptyRetries <= 0 {
		cfg.MaxEmptyRetries = 2
	}
	if cfg.EmptyRetryDelay <= 0 {
		cfg.EmptyRetryDelay = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		scheduler: scheduler,
		loop:      loop,
		contexts:  contexts,
		output:    output,
		config:    cfg,
		logger:    cfg.Logger.With("component", "runner"),
	}
}

// Process runs one turn. It returns once the turn reaches a terminal state;
// queued and dropped turns return immediately.
func (r *Runner) Process(ctx context.Context, turn *models.Turn) {
	r.process(ctx, turn, false)
}

// process is the locked core. skipLock is set on empty-response retries,
// where the outer frame already holds the channel lock and remains its sole
// releaser.
func (r *Runner) process(ctx context.Context, turn *models.Turn, skipLock bool) {
	key := turn.ChannelKey()
	logger := r.logger.With("channel", key, "turn_id", turn.ID)

	if !skipLock {
		switch r.scheduler.TryAcquire(turn) {
		case Queued:
			if !turn.IsStopResponse {
				if err := r.output.RenderNotice(ctx, turn, NoticeBusy); err != nil {
					logger.Warn("failed to send busy notice", "error", err)
				}
			}
			return
		case Dropped:
			return
		case Admitted:
		}
		start := time.Now()
		defer func() {
			r.finish(ctx, turn)
			logger.Debug("turn finished", "duration", time.Since(start))
		}()
	}

	items, err := r.contexts.Build(ctx, turn)
	if err != nil {
		logger.Error("failed to build context", "error", err)
		r.notice(ctx, turn, NoticeError, logger)
		r.config.Metrics.RecordTurn(key, string(OutcomeErrored), 0)
		return
	}
	state := &State{Context: items}

	// Stop-response turns are uninterruptible; everything else polls the
	// registry so a stop request lands between stream events.
	var stopCheck func() bool
	if !turn.IsStopResponse {
		stops := r.scheduler.Stops()
		stopCheck = func() bool { return stops.Pending(key) }
	}

	start := time.Now()
	res := r.loop.Run(ctx, state, CallOptions{
		Model:      turn.ModelOverride,
		StopCheck:  stopCheck,
		ChannelKey: key,
	})
	r.config.Metrics.RecordTurn(key, string(res.Outcome), time.Since(start))
	logger.Info("turn processed",
		"outcome", res.Outcome,
		"iterations", res.Iterations,
		"duration", time.Since(start))

	switch res.Outcome {
	case OutcomeCompleted:
		if err := r.output.Render(ctx, turn, res.Text); err != nil {
			logger.Error("failed to deliver response", "error", err)
			return
		}
		r.record(ctx, turn, res.Text, logger)
		if res.Sticker != nil {
			if err := r.output.SendSticker(ctx, turn, res.Sticker); err != nil {
				logger.Warn("failed to deliver sticker", "error", err)
			}
		}

	case OutcomeEmpty:
		if turn.RetryCount < r.config.MaxEmptyRetries {
			r.config.Metrics.RecordEmptyRetry(key)
			logger.Warn("empty response, retrying", "attempt", turn.RetryCount+1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.config.EmptyRetryDelay):
			}
			r.process(ctx, turn.Retry(), true)
			return
		}
		logger.Error("empty response retries exhausted")
		r.notice(ctx, turn, NoticeDegraded, logger)

	case OutcomeStopped:
		// Silence here; the acknowledgement turn minted at release speaks
		// for the interruption.
		logger.Info("turn interrupted, acknowledgement pending")

	default:
		if res.Err != nil {
			logger.Error("turn failed", "outcome", res.Outcome, "error", res.Err)
		}
		if kind, ok := NoticeFor(res.Outcome); ok {
			r.notice(ctx, turn, kind, logger)
		}
	}
}

// finish ends the turn's hold on its channel. Release resolves the successor
// atomically: a stop signal pending at release comes back as its
// acknowledgement turn ahead of the backlog, otherwise the backlog head is
// handed over. The returned turn already owns the lock.
func (r *Runner) finish(ctx context.Context, turn *models.Turn) {
	if next := r.scheduler.Release(turn.ChannelKey(), turn.ID); next != nil {
		r.dispatch(ctx, next)
	}
}

// dispatch hands a lock-holding turn to a fresh goroutine, detached from the
// finished turn's cancellation.
func (r *Runner) dispatch(ctx context.Context, turn *models.Turn) {
	detached := context.WithoutCancel(ctx)
	go r.runLocked(detached, turn)
}

// runLocked processes a turn that already holds its channel lock.
func (r *Runner) runLocked(ctx context.Context, turn *models.Turn) {
	defer r.finish(ctx, turn)
	r.process(ctx, turn, true)
}

func (r *Runner) notice(ctx context.Context, turn *models.Turn, kind NoticeKind, logger *slog.Logger) {
	if err := r.output.RenderNotice(ctx, turn, kind); err != nil {
		logger.Warn("failed to send notice", "kind", kind, "error", err)
	}
}

func (r *Runner) record(ctx context.Context, turn *models.Turn, text string, logger *slog.Logger) {
	if r.config.Transcript == nil {
		return
	}
	msg := &models.Message{
		Channel:   turn.Channel,
		ChatID:    turn.ChatID,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now(),
	}
	if err := r.config.Transcript.Append(ctx, msg); err != nil {
		logger.Warn("failed to record response", "error", err)
	}
}
