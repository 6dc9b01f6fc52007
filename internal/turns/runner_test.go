package turns

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/banter/internal/provider"
	"github.com/haasonsaas/banter/pkg/models"
)

// echoBuilder turns the triggering message into a single context item.
type echoBuilder struct{}

func (echoBuilder) Build(_ context.Context, turn *models.Turn) ([]models.ContextItem, error) {
	return []models.ContextItem{{Role: models.RoleUser, Content: turn.Message.Content}}, nil
}

// captureOutput records deliveries and signals them on a channel.
type captureOutput struct {
	mu       sync.Mutex
	rendered []string
	notices  []NoticeKind
	stickers []string
	events   chan string
}

func newCaptureOutput() *captureOutput {
	return &captureOutput{events: make(chan string, 32)}
}

func (o *captureOutput) Render(_ context.Context, _ *models.Turn, text string) error {
	o.mu.Lock()
	o.rendered = append(o.rendered, text)
	o.mu.Unlock()
	o.events <- text
	return nil
}

func (o *captureOutput) RenderNotice(_ context.Context, _ *models.Turn, kind NoticeKind) error {
	o.mu.Lock()
	o.notices = append(o.notices, kind)
	o.mu.Unlock()
	o.events <- "notice:" + string(kind)
	return nil
}

func (o *captureOutput) SendSticker(_ context.Context, _ *models.Turn, sticker *models.Attachment) error {
	o.mu.Lock()
	o.stickers = append(o.stickers, sticker.FileID)
	o.mu.Unlock()
	o.events <- "sticker:" + sticker.FileID
	return nil
}

func (o *captureOutput) await(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-o.events:
			if got == want {
				return
			}
			t.Fatalf("delivery = %q, want %q", got, want)
		case <-deadline:
			t.Fatalf("timed out waiting for delivery %q", want)
		}
	}
}

// stopAwareProvider echoes most turns but keeps the turn named "S" streaming
// until its stop check fires.
type stopAwareProvider struct{}

func (stopAwareProvider) Name() string         { return "fake" }
func (stopAwareProvider) DefaultModel() string { return "fake-model" }
func (stopAwareProvider) StreamTurn(ctx context.Context, req *provider.StreamRequest) (*provider.StreamResult, error) {
	content := req.Context[len(req.Context)-1].Content
	if content == "S" {
		for i := 0; i < 400; i++ {
			if req.StopCheck != nil && req.StopCheck() {
				return &provider.StreamResult{Status: provider.StatusStopped}, nil
			}
			select {
			case <-ctx.Done():
				return &provider.StreamResult{Status: provider.StatusError, Err: ctx.Err()}, nil
			case <-time.After(5 * time.Millisecond):
			}
		}
		return &provider.StreamResult{Status: provider.StatusCompleted, Text: "S-done"}, nil
	}
	return &provider.StreamResult{Status: provider.StatusCompleted, Text: "re:" + content}, nil
}

func newTestRunner(t *testing.T, p provider.Provider, out Output, cfg RunnerConfig, schedCfg SchedulerConfig) (*Runner, *Scheduler) {
	t.Helper()
	scheduler := NewScheduler(schedCfg)
	loop := NewLoop(p, newLoopExecutor(t), LoopConfig{CallTimeout: 5 * time.Second})
	return NewRunner(scheduler, loop, echoBuilder{}, out, cfg), scheduler
}

func waitLocked(t *testing.T, s *Scheduler, key string, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Locked(key) == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("channel %s locked state never became %v", key, want)
}

func TestRunnerStopThenReplay(t *testing.T) {
	out := newCaptureOutput()
	runner, scheduler := newTestRunner(t, stopAwareProvider{}, out,
		RunnerConfig{EmptyRetryDelay: time.Millisecond},
		SchedulerConfig{Detector: stubDetector{}})

	ctx := context.Background()
	key := "telegram:1"

	turnS := testTurn("1", "S", models.TriggerManual)
	go runner.Process(ctx, turnS)
	waitLocked(t, scheduler, key, true)

	// Two messages pile up behind the running turn.
	runner.Process(ctx, testTurn("1", "A", models.TriggerManual))
	out.await(t, "notice:busy")
	runner.Process(ctx, testTurn("1", "B", models.TriggerManual))
	out.await(t, "notice:busy")

	// The stop phrase interrupts the in-flight turn instead of queueing.
	runner.Process(ctx, testTurn("1", "please stop", models.TriggerManual))

	// The acknowledgement responds to the stop message itself and runs
	// before the backlog; A and B then replay in arrival order. The
	// interrupted turn's partial output is never delivered.
	out.await(t, "re:please stop")
	out.await(t, "re:A")
	out.await(t, "re:B")

	waitLocked(t, scheduler, key, false)
	out.mu.Lock()
	defer out.mu.Unlock()
	for _, text := range out.rendered {
		if text == "S-done" {
			t.Error("interrupted turn output was delivered")
		}
	}
}

// gateProvider holds the turn named "G" streaming until the gate is closed
// and never polls its stop check; every other turn echoes immediately.
type gateProvider struct {
	gate chan struct{}
}

func (p *gateProvider) Name() string         { return "fake" }
func (p *gateProvider) DefaultModel() string { return "fake-model" }
func (p *gateProvider) StreamTurn(ctx context.Context, req *provider.StreamRequest) (*provider.StreamResult, error) {
	content := req.Context[len(req.Context)-1].Content
	if content == "G" {
		select {
		case <-p.gate:
			return &provider.StreamResult{Status: provider.StatusCompleted, Text: "G-done"}, nil
		case <-ctx.Done():
			return &provider.StreamResult{Status: provider.StatusError, Err: ctx.Err()}, nil
		}
	}
	return &provider.StreamResult{Status: provider.StatusCompleted, Text: "re:" + content}, nil
}

func TestRunnerStopRacingCompletionStillAcknowledged(t *testing.T) {
	p := &gateProvider{gate: make(chan struct{})}
	out := newCaptureOutput()
	runner, scheduler := newTestRunner(t, p, out,
		RunnerConfig{EmptyRetryDelay: time.Millisecond},
		SchedulerConfig{Detector: stubDetector{}})

	ctx := context.Background()
	key := "telegram:1"

	go runner.Process(ctx, testTurn("1", "G", models.TriggerManual))
	waitLocked(t, scheduler, key, true)

	runner.Process(ctx, testTurn("1", "A", models.TriggerManual))
	out.await(t, "notice:busy")

	// The stop lands while the turn is streaming, but this provider never
	// reaches a checkpoint, so the turn runs to completion anyway.
	runner.Process(ctx, testTurn("1", "please stop", models.TriggerManual))
	close(p.gate)

	// The completed response is delivered, then the stop is picked up when
	// the lock is released: the acknowledgement runs ahead of the backlog
	// and no signal lingers to kill a later turn.
	out.await(t, "G-done")
	out.await(t, "re:please stop")
	out.await(t, "re:A")

	waitLocked(t, scheduler, key, false)
	if scheduler.Stops().Pending(key) {
		t.Error("stop signal left pending after the channel went idle")
	}
}

// scriptOutcomes builds a provider from a fixed result sequence.
type outcomeProvider struct {
	mu     sync.Mutex
	script []*provider.StreamResult
	calls  int
}

func (p *outcomeProvider) Name() string         { return "fake" }
func (p *outcomeProvider) DefaultModel() string { return "fake-model" }
func (p *outcomeProvider) StreamTurn(context.Context, *provider.StreamRequest) (*provider.StreamResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.script) {
		return &provider.StreamResult{Status: provider.StatusEmpty}, nil
	}
	res := p.script[p.calls]
	p.calls++
	return res, nil
}

func TestRunnerEmptyRetrySucceeds(t *testing.T) {
	p := &outcomeProvider{script: []*provider.StreamResult{
		{Status: provider.StatusEmpty},
		{Status: provider.StatusEmpty},
		{Status: provider.StatusCompleted, Text: "third time lucky"},
	}}
	out := newCaptureOutput()
	runner, scheduler := newTestRunner(t, p, out,
		RunnerConfig{MaxEmptyRetries: 2, EmptyRetryDelay: time.Millisecond},
		SchedulerConfig{})

	runner.Process(context.Background(), testTurn("1", "hello", models.TriggerManual))

	out.await(t, "third time lucky")
	waitLocked(t, scheduler, "telegram:1", false)
	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.notices) != 0 {
		t.Errorf("notices = %v, want none for successful retry", out.notices)
	}
}

func TestRunnerEmptyRetriesExhausted(t *testing.T) {
	p := &outcomeProvider{script: []*provider.StreamResult{
		{Status: provider.StatusEmpty},
		{Status: provider.StatusEmpty},
	}}
	out := newCaptureOutput()
	runner, scheduler := newTestRunner(t, p, out,
		RunnerConfig{MaxEmptyRetries: 1, EmptyRetryDelay: time.Millisecond},
		SchedulerConfig{})

	runner.Process(context.Background(), testTurn("1", "hello", models.TriggerManual))

	out.await(t, "notice:degraded")
	waitLocked(t, scheduler, "telegram:1", false)
	if p.calls != 2 {
		t.Errorf("provider calls = %d, want 2 (original + one retry)", p.calls)
	}
}

func TestRunnerFailureNotices(t *testing.T) {
	cases := []struct {
		name   string
		status provider.Status
		notice string
	}{
		{"timeout", provider.StatusTimeout, "notice:timeout"},
		{"error", provider.StatusError, "notice:error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &outcomeProvider{script: []*provider.StreamResult{{Status: tc.status}}}
			out := newCaptureOutput()
			runner, scheduler := newTestRunner(t, p, out,
				RunnerConfig{EmptyRetryDelay: time.Millisecond},
				SchedulerConfig{})

			runner.Process(context.Background(), testTurn("1", "hello", models.TriggerManual))

			out.await(t, tc.notice)
			waitLocked(t, scheduler, "telegram:1", false)
		})
	}
}

type captureTranscript struct {
	mu       sync.Mutex
	appended []*models.Message
}

func (c *captureTranscript) Append(_ context.Context, msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appended = append(c.appended, msg)
	return nil
}

func TestRunnerRecordsTranscriptAndSticker(t *testing.T) {
	transcript := &captureTranscript{}
	p := &outcomeProvider{script: []*provider.StreamResult{
		{Status: provider.StatusCompleted, Text: "done"},
	}}
	out := newCaptureOutput()
	scheduler := NewScheduler(SchedulerConfig{})
	loop := NewLoop(p, newLoopExecutor(t), LoopConfig{})
	runner := NewRunner(scheduler, loop, echoBuilder{}, out, RunnerConfig{
		EmptyRetryDelay: time.Millisecond,
		Transcript:      transcript,
	})

	runner.Process(context.Background(), testTurn("1", "hello", models.TriggerManual))

	out.await(t, "done")
	transcript.mu.Lock()
	defer transcript.mu.Unlock()
	if len(transcript.appended) != 1 {
		t.Fatalf("appended = %d messages, want 1", len(transcript.appended))
	}
	got := transcript.appended[0]
	if got.Role != models.RoleAssistant || got.Content != "done" {
		t.Errorf("recorded message = %+v", got)
	}
	if !strings.HasPrefix(got.ChatID, "1") {
		t.Errorf("ChatID = %q, want the turn's chat", got.ChatID)
	}
}
