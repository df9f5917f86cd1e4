package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ajitpratap0/phenom-core/internal/backend"
	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/embedder"
	"github.com/ajitpratap0/phenom-core/internal/jobs"
	"github.com/ajitpratap0/phenom-core/internal/memory"
	"github.com/ajitpratap0/phenom-core/internal/orchestrator"
	"github.com/ajitpratap0/phenom-core/internal/personal"
	"github.com/ajitpratap0/phenom-core/internal/rag"
	"github.com/ajitpratap0/phenom-core/internal/retrieval"
)

// app holds every component built from the loaded config.
type app struct {
	logger    *slog.Logger
	memory    *memory.Store
	retrieval *retrieval.Store
	orch      *orchestrator.Orchestrator
	rag       *rag.Pipeline
	jobs      *jobs.Scheduler
}

// newApp wires backends, memory, retrieval and the orchestrator from cfg.
// A broken retrieval setup degrades to a disabled store instead of failing startup.
func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	mem, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("opening memory: %w", err)
	}

	if n := personal.ImportIfAbsent(cfg.AI.PersonalInjection, personal.NewEnvSource(), mem); n > 0 {
		logger.Info("imported personal facts from environment", "count", n)
	}

	store := newRetrieval(logger)

	orch := orchestrator.New(cfg.AI, orchestrator.Deps{
		Local:     backend.NewLocal(cfg.AI.Local, logger),
		Cloud:     backend.NewCloud(cfg.AI.Cloud, logger),
		Providers: newProviders(logger),
		Personal:  personal.NewBuilder(cfg.AI.PersonalInjection, personal.Sources{personal.NewEnvSource(), mem}, logger),
		Learner:   memory.NewLearner(mem, cfg.Memory.LearningRate),
	}, logger)

	return &app{
		logger:    logger,
		memory:    mem,
		retrieval: store,
		orch:      orch,
		rag:       rag.New(orch, store, cfg.Retrieval, logger),
	}, nil
}

func newRetrieval(logger *slog.Logger) *retrieval.Store {
	if !cfg.Retrieval.Enabled {
		return retrieval.Disabled(logger)
	}
	emb, err := embedder.New(cfg.Retrieval, cfg.AI.Local.BaseURL, logger)
	if err != nil {
		logger.Warn("retrieval disabled: building embedder", "error", err)
		return retrieval.Disabled(logger)
	}
	store, err := retrieval.Open(cfg.Retrieval, emb, logger)
	if err != nil {
		logger.Warn("retrieval disabled: opening index", "error", err)
		return retrieval.Disabled(logger)
	}
	return store
}

// newProviders builds one Cloud per configured override plus the primary cloud
// provider, keyed by lower-case provider name.
func newProviders(logger *slog.Logger) map[string]backend.Backend {
	providers := make(map[string]backend.Backend, len(cfg.AI.ProviderOverrides)+1)
	for name, pc := range cfg.AI.ProviderOverrides {
		providers[strings.ToLower(name)] = backend.NewCloud(pc, logger)
	}
	if _, ok := providers[cfg.AI.Cloud.Provider]; !ok && cfg.AI.Cloud.Enabled {
		providers[cfg.AI.Cloud.Provider] = backend.NewCloud(cfg.AI.Cloud, logger)
	}
	return providers
}

// newSession is newApp for long-running commands: memory is also flushed and
// compacted on the configured schedule until close.
func newSession(ctx context.Context, logger *slog.Logger) (*app, error) {
	a, err := newApp(ctx, logger)
	if err != nil {
		return nil, err
	}
	if err := a.startJobs(); err != nil {
		closeApp(ctx, a)
		return nil, err
	}
	return a, nil
}

func (a *app) startJobs() error {
	sched, err := jobs.New(cfg.Memory, a.memory, a.logger)
	if err != nil {
		return fmt.Errorf("scheduling memory jobs: %w", err)
	}
	sched.Start()
	a.jobs = sched
	return nil
}

// close stops the memory jobs, drains pending recordings, flushes memory and
// releases the index.
func (a *app) close(ctx context.Context) error {
	var jobsErr error
	if a.jobs != nil {
		jobsErr = a.jobs.Stop()
	}
	a.orch.Close()
	return errors.Join(jobsErr, a.memory.Close(ctx), a.retrieval.Close())
}

// closeApp is the deferred form of close; failures are logged.
func closeApp(ctx context.Context, a *app) {
	if err := a.close(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}
