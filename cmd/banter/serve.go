package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/banter/internal/channels"
	"github.com/haasonsaas/banter/internal/channels/telegram"
	"github.com/haasonsaas/banter/internal/config"
	"github.com/haasonsaas/banter/internal/gateway"
	"github.com/haasonsaas/banter/internal/history"
	"github.com/haasonsaas/banter/internal/observability"
	"github.com/haasonsaas/banter/internal/provider"
	"github.com/haasonsaas/banter/internal/tools"
	"github.com/haasonsaas/banter/internal/trigger"
	"github.com/haasonsaas/banter/internal/turns"
)

// runServe wires the whole bot together and blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting banter",
		"version", version,
		"config", configPath,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	store, err := history.NewStore(history.StoreConfig{Path: cfg.History.Path})
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()

	llm, err := buildProvider(cfg, logger, metrics)
	if err != nil {
		return err
	}

	policy := trigger.NewWordPolicy(trigger.PolicyConfig{
		Words:         cfg.Trigger.Words,
		BotName:       cfg.Trigger.BotName,
		AutoThreshold: cfg.Trigger.AutoThreshold,
	})
	detector := trigger.NewStopDetector(cfg.Trigger.StopPhrases)

	if !cfg.Channels.Telegram.Enabled {
		return errors.New("no channels enabled")
	}
	adapter, err := telegram.NewAdapter(telegram.Config{
		Token:                cfg.Channels.Telegram.BotToken,
		ReconnectDelay:       cfg.Channels.Telegram.ReconnectDelay,
		MaxReconnectAttempts: cfg.Channels.Telegram.MaxReconnectAttempts,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if len(cfg.Persona.Stickers) > 0 {
		if err := registry.Register(tools.NewPickStickerTool(cfg.Persona.Stickers)); err != nil {
			return err
		}
	}
	if err := registry.Register(tools.NewViewMediaTool(adapter.FileURL)); err != nil {
		return err
	}
	executor := tools.NewExecutor(registry, logger, metrics)

	scheduler := turns.NewScheduler(turns.SchedulerConfig{
		StaleLockTimeout: cfg.Engine.StaleLockTimeout,
		Policy:           turns.PolicyFunc(policy.WouldRespondNeutral),
		Detector:         detector,
		Logger:           logger,
		Metrics:          metrics,
	})
	loop := turns.NewLoop(llm, executor, turns.LoopConfig{
		MaxIterations: cfg.Engine.MaxIterations,
		CallTimeout:   cfg.Engine.CallTimeout,
		MaxTokens:     cfg.LLM.MaxTokens,
		Logger:        logger,
		Metrics:       metrics,
	})
	builder := history.NewBuilder(store, cfg.Persona.Prompt, cfg.History.Limit)
	runner := turns.NewRunner(scheduler, loop, builder, adapter, turns.RunnerConfig{
		MaxEmptyRetries: cfg.Engine.MaxEmptyRetries,
		EmptyRetryDelay: cfg.Engine.EmptyRetryDelay,
		Transcript:      store,
		Logger:          logger,
		Metrics:         metrics,
	})

	channelRegistry := channels.NewRegistry()
	if err := channelRegistry.Register(adapter); err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{
		Registry: channelRegistry,
		Runner:   runner,
		Store:    store,
		Policy:   policy,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics.Addr, logger)
	}

	if err := channelRegistry.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	logger.Info("banter started")

	// Run blocks until the adapters stop and their message channels close.
	gw.Run(ctx)
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := channelRegistry.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown reported error", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown reported error", "error", err)
		}
	}

	logger.Info("banter stopped gracefully")
	return nil
}

func buildProvider(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (provider.Provider, error) {
	pc := cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	switch cfg.LLM.DefaultProvider {
	case "anthropic":
		p, err := provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:            pc.APIKey,
			BaseURL:           pc.BaseURL,
			DefaultModel:      pc.DefaultModel,
			InactivityTimeout: cfg.Engine.InactivityTimeout,
			Logger:            logger,
			Metrics:           metrics,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:            pc.APIKey,
			DefaultModel:      pc.DefaultModel,
			InactivityTimeout: cfg.Engine.InactivityTimeout,
			Logger:            logger,
			Metrics:           metrics,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.DefaultProvider)
	}
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", addr)
	return server
}
