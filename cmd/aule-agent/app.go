package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/manthysbr/auleagent/internal/adapters/duckdb"
	"github.com/manthysbr/auleagent/internal/adapters/providers"
	"github.com/manthysbr/auleagent/internal/config"
	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/services"
	"github.com/manthysbr/auleagent/internal/logging"
)

// app holds the wired object graph shared by serve and chat.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	repo    *duckdb.Repository
	bus     *services.EventBus
	tracer  *services.TraceCollector
	agent   *services.AgentService
	closers []io.Closer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	repo, err := duckdb.NewRepository(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.repo = repo
	a.closers = append(a.closers, repo)

	backend, err := providers.Build(ctx, a.logger, cfg.Backend)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}

	tools := domain.NewToolRegistry()
	if err := services.RegisterBuiltinTools(tools, repo, cfg.Storage.Workspace); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	monitor, err := services.NewMetacognitionMonitor(cfg.Metacognition)
	if err != nil {
		return err
	}
	working, err := services.NewWorkingMemoryStore(cfg.Metacognition.MaxConversations)
	if err != nil {
		return err
	}

	tokens, err := services.NewTiktokenCounter("cl100k_base")
	if err != nil {
		a.logger.Warn("tiktoken unavailable, estimating history tokens", "error", err)
		tokens = services.ApproxTokenCounter
	}

	a.bus = services.NewEventBus(a.logger)
	a.tracer = services.NewTraceCollector(a.logger, a.bus, repo)

	agent, err := services.NewReActAgentService(a.logger, cfg.Agent, cfg.Metacognition, services.AgentDeps{
		Backend: backend,
		Model:   cfg.Backend.Model,
		Tools:   tools,
		Memory:  repo,
		Context: services.NewContextAssembler(a.logger, repo, monitor, nil),
		Monitor: monitor,
		Working: working,
		Tracer:  a.tracer,
		Events:  a.bus,
		Tokens:  tokens,
	})
	if err != nil {
		return err
	}

	convs, err := services.NewConversationStore(repo, cfg.Storage.ConversationCache)
	if err != nil {
		return err
	}

	var extractor *services.MemoryExtractor
	if cfg.Agent.ExtractFacts {
		extractor = services.NewMemoryExtractor(a.logger, backend, cfg.Backend.Model, repo)
	}
	a.agent = services.NewAgentService(a.logger, agent, convs, extractor, cfg.Agent.HistoryMessages)

	a.logger.Info("agent ready",
		"provider", cfg.Backend.Provider,
		"model", cfg.Backend.Model,
		"api_key", config.MaskSecret(cfg.Backend.APIKey),
		"tools", len(tools.ListTools()),
		"storage", cfg.Storage.Path,
	)
	return nil
}

// close drains background work, then releases resources in reverse order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.agent != nil {
		if err := a.agent.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for background work: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush traces: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
