package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/banter/internal/trigger"
	"github.com/haasonsaas/banter/pkg/models"
)

type captureProcessor struct {
	mu    sync.Mutex
	turns []*models.Turn
	ch    chan *models.Turn
}

func newCaptureProcessor() *captureProcessor {
	return &captureProcessor{ch: make(chan *models.Turn, 16)}
}

func (p *captureProcessor) Process(_ context.Context, turn *models.Turn) {
	p.mu.Lock()
	p.turns = append(p.turns, turn)
	p.mu.Unlock()
	p.ch <- turn
}

func (p *captureProcessor) await(t *testing.T) *models.Turn {
	t.Helper()
	select {
	case turn := <-p.ch:
		return turn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turn")
		return nil
	}
}

func inbound(content string) *models.Message {
	return &models.Message{
		Channel:   models.ChannelTelegram,
		ChatID:    "1",
		SenderID:  "u1",
		Role:      models.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func newTestGateway(threshold int) (*Gateway, *captureProcessor) {
	proc := newCaptureProcessor()
	g := New(Config{
		Runner: proc,
		Policy: trigger.NewWordPolicy(trigger.PolicyConfig{
			Words:         []string{"banter"},
			AutoThreshold: threshold,
		}),
	})
	return g, proc
}

func TestGatewayManualTrigger(t *testing.T) {
	g, proc := newTestGateway(0)

	g.Handle(context.Background(), inbound("hey banter"))
	turn := proc.await(t)
	if turn.Trigger != models.TriggerManual {
		t.Errorf("Trigger = %v, want Manual", turn.Trigger)
	}
}

func TestGatewayIgnoresPlainChatter(t *testing.T) {
	g, proc := newTestGateway(0)

	g.Handle(context.Background(), inbound("nothing to see"))
	select {
	case turn := <-proc.ch:
		t.Fatalf("unexpected turn %v for untriggered message", turn.ID)
	case <-time.After(50 * time.Millisecond):
	}
	if got := g.AutoCount("telegram:1"); got != 1 {
		t.Errorf("AutoCount = %d, want 1", got)
	}
}

func TestGatewayAutoCounter(t *testing.T) {
	g, proc := newTestGateway(3)
	ctx := context.Background()

	g.Handle(ctx, inbound("one"))
	g.Handle(ctx, inbound("two"))
	// Third message trips the counter.
	g.Handle(ctx, inbound("three"))

	turn := proc.await(t)
	if turn.Trigger != models.TriggerAuto {
		t.Errorf("Trigger = %v, want Auto", turn.Trigger)
	}
	if turn.Message.Content != "three" {
		t.Errorf("triggering message = %q", turn.Message.Content)
	}
	if got := g.AutoCount("telegram:1"); got != 0 {
		t.Errorf("AutoCount = %d, want reset to 0", got)
	}
}

func TestGatewayManualResetsCounter(t *testing.T) {
	g, proc := newTestGateway(3)
	ctx := context.Background()

	g.Handle(ctx, inbound("one"))
	g.Handle(ctx, inbound("two"))
	g.Handle(ctx, inbound("hey banter, hello"))
	turn := proc.await(t)
	if turn.Trigger != models.TriggerManual {
		t.Fatalf("Trigger = %v, want Manual", turn.Trigger)
	}

	// Counter restarted; the next two messages stay silent.
	g.Handle(ctx, inbound("four"))
	g.Handle(ctx, inbound("five"))
	select {
	case turn := <-proc.ch:
		t.Fatalf("unexpected turn %v before counter refills", turn.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayChannelsIndependent(t *testing.T) {
	g, proc := newTestGateway(2)
	ctx := context.Background()

	other := inbound("one")
	other.ChatID = "2"
	g.Handle(ctx, other)
	g.Handle(ctx, inbound("one"))
	// Channel 1 trips; channel 2 is still one short.
	g.Handle(ctx, inbound("two"))

	turn := proc.await(t)
	if turn.ChannelKey() != "telegram:1" {
		t.Errorf("triggered channel = %q, want telegram:1", turn.ChannelKey())
	}
	if got := g.AutoCount("telegram:2"); got != 1 {
		t.Errorf("channel 2 AutoCount = %d, want 1", got)
	}
}
