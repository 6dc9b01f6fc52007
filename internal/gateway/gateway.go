// Package gateway routes inbound channel messages into turns: it records
// the transcript, tracks per-channel trigger state, and hands triggered
// messages to the runner.
package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/banter/internal/channels"
	"github.com/haasonsaas/banter/internal/history"
	"github.com/haasonsaas/banter/internal/trigger"
	"github.com/haasonsaas/banter/pkg/models"
)

// Processor consumes turns. The turn runner implements it.
type Processor interface {
	Process(ctx context.Context, turn *models.Turn)
}

// Config configures the gateway.
type Config struct {
	Registry  *channels.Registry
	Runner    Processor
	Store     *history.Store
	Policy    *trigger.WordPolicy
	Logger    *slog.Logger
}

// Gateway owns the inbound pump and the live auto-reply counters. Counters
// advance with every message that goes unanswered and reset when a response
// is triggered; the scheduler's queue-time re-check deliberately ignores
// them via the neutral state.
type Gateway struct {
	registry *channels.Registry
	runner   Processor
	store    *history.Store
	policy   *trigger.WordPolicy
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*trigger.State

	wg sync.WaitGroup
}

// New creates a gateway.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		registry: cfg.Registry,
		runner:   cfg.Runner,
		store:    cfg.Store,
		policy:   cfg.Policy,
		logger:   cfg.Logger.With("component", "gateway"),
		states:   make(map[string]*trigger.State),
	}
}

// Run pumps every registered adapter until the context ends and the inbound
// channels close.
func (g *Gateway) Run(ctx context.Context) {
	for _, adapter := range g.registry.All() {
		g.wg.Add(1)
		go func(a channels.Adapter) {
			defer g.wg.Done()
			for msg := range a.Messages() {
				g.Handle(ctx, msg)
			}
		}(adapter)
	}
	g.wg.Wait()
}

// Handle processes one inbound message.
func (g *Gateway) Handle(ctx context.Context, msg *models.Message) {
	if g.store != nil {
		if err := g.store.Append(ctx, msg); err != nil {
			g.logger.Warn("failed to record inbound message",
				"channel", msg.ChannelKey(), "error", err)
		}
	}

	kind, triggered := g.evaluate(msg)
	if !triggered {
		return
	}

	turn := models.NewTurn(msg, kind)
	g.logger.Debug("turn created",
		"channel", turn.ChannelKey(), "turn_id", turn.ID, "trigger", kind)
	go g.runner.Process(ctx, turn)
}

// evaluate updates the channel's trigger state and classifies the message.
// Direct addresses and trigger words are manual; a counter trip is auto.
func (g *Gateway) evaluate(msg *models.Message) (models.TriggerKind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := msg.ChannelKey()
	st, ok := g.states[key]
	if !ok {
		st = &trigger.State{}
		g.states[key] = st
	}

	if g.policy.WouldRespondNeutral(msg) {
		st.AutoCount = 0
		return models.TriggerManual, true
	}
	if g.policy.WouldRespond(msg, *st) {
		st.AutoCount = 0
		return models.TriggerAuto, true
	}

	st.AutoCount++
	return "", false
}

// AutoCount exposes a channel's live counter, mainly for tests.
func (g *Gateway) AutoCount(channelKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.states[channelKey]; ok {
		return st.AutoCount
	}
	return 0
}
