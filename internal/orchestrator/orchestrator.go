// Package orchestrator routes generation requests across the local and cloud backends,
// applies personal context, degrades to fixed fallback strings and records successful
// exchanges into conversation memory.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/phenom-core/internal/backend"
	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/memory"
	"github.com/ajitpratap0/phenom-core/internal/metrics"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/internal/personal"
)

// Fixed user-facing responses when no backend produced an answer.
const (
	FallbackLocal       = "I'm having trouble processing that request."
	FallbackCloud       = "I'm having trouble connecting to my cloud services."
	FallbackUnavailable = "I'm currently unable to process your request."
)

// Deps are the collaborators an Orchestrator composes. Local and Cloud may be nil,
// in which case they count as unavailable.
type Deps struct {
	Local backend.Backend
	Cloud backend.Backend

	// Providers holds pre-built cloud variants selectable per request by name.
	Providers map[string]backend.Backend

	Personal *personal.Builder
	Learner  *memory.Learner
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	threshold float64
	scorer    Scorer
	deps      Deps
	workers   *semaphore.Weighted
	logger    *slog.Logger

	modeMu sync.RWMutex
	mode   models.BackendMode

	recordMu sync.Mutex
	closed   bool
	pending  sync.WaitGroup
}

// New creates an Orchestrator from the AI section of the configuration.
func New(cfg config.AIConfig, deps Deps, logger *slog.Logger) *Orchestrator {
	mode, err := models.ParseBackendMode(cfg.Mode)
	if err != nil {
		mode = models.ModeHybrid
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		threshold: cfg.DecisionThreshold,
		scorer:    NewScorer(cfg.Complexity),
		deps:      deps,
		workers:   semaphore.NewWeighted(int64(workers)),
		logger:    logger.With("component", "orchestrator"),
		mode:      mode,
	}
}

// Mode returns the active routing mode.
func (o *Orchestrator) Mode() models.BackendMode {
	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	return o.mode
}

// SetMode is the administrative override for the routing mode.
func (o *Orchestrator) SetMode(m models.BackendMode) error {
	if !m.IsValid() {
		return models.ErrInvalidRequest
	}
	o.modeMu.Lock()
	prev := o.mode
	o.mode = m
	o.modeMu.Unlock()
	if prev != m {
		o.logger.Info("routing mode changed", "from", prev, "to", m)
	}
	return nil
}

// Score exposes the complexity score for a text.
func (o *Orchestrator) Score(text string) float64 {
	return o.scorer.Score(text)
}

type callFunc func(ctx context.Context, b backend.Backend) (string, error)

// Generate answers a single prompt. Backend failures never surface as errors; the
// only error is models.ErrInvalidRequest.
func (o *Orchestrator) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	if err := req.ValidateGenerate(); err != nil {
		return "", err
	}
	system := o.resolveSystem(req)
	out, ok := o.route(ctx, req, req.Prompt, func(ctx context.Context, b backend.Backend) (string, error) {
		return b.Generate(ctx, req.Prompt, system)
	})
	if ok {
		o.record(req.UserText(), out, req.Metadata)
	}
	return out, nil
}

// Chat answers a turn sequence. A System override is prepended as a system turn;
// otherwise personal context is prepended when enabled and no system turn exists.
func (o *Orchestrator) Chat(ctx context.Context, req models.GenerationRequest) (string, error) {
	if err := req.ValidateChat(); err != nil {
		return "", err
	}
	turns := o.chatTurns(req)
	out, ok := o.route(ctx, req, req.LastTurn(), func(ctx context.Context, b backend.Backend) (string, error) {
		return b.Chat(ctx, turns)
	})
	if ok {
		user, found := req.LastUserTurn()
		if !found {
			user = req.LastTurn()
		}
		o.record(user, out, req.Metadata)
	}
	return out, nil
}

func (o *Orchestrator) resolveSystem(req models.GenerationRequest) string {
	if req.System != nil {
		return *req.System
	}
	if s, ok := o.deps.Personal.Build(); ok {
		return s
	}
	return ""
}

func (o *Orchestrator) chatTurns(req models.GenerationRequest) []models.Turn {
	var system string
	switch {
	case req.System != nil:
		system = *req.System
	case !req.HasSystemTurn():
		system, _ = o.deps.Personal.Build()
	}
	turns := make([]models.Turn, 0, len(req.History)+1)
	if system != "" {
		turns = append(turns, models.Turn{Role: models.RoleSystem, Content: system})
	}
	return append(turns, req.History...)
}

// route applies the mode policy. It reports false when the answer is a fallback string.
func (o *Orchestrator) route(ctx context.Context, req models.GenerationRequest, scoreText string, call callFunc) (string, bool) {
	mode := o.Mode()
	cloud := o.cloudFor(req.Provider)

	switch mode {
	case models.ModeLocal:
		metrics.RouteDecisions.WithLabelValues(string(mode), "local").Inc()
		if out, err := o.invoke(ctx, o.deps.Local, call); err == nil {
			return out, true
		}
		return o.fallback(mode, FallbackLocal), false

	case models.ModeCloud:
		metrics.RouteDecisions.WithLabelValues(string(mode), "cloud").Inc()
		if out, err := o.invoke(ctx, cloud, call); err == nil {
			return out, true
		}
		return o.fallback(mode, FallbackCloud), false
	}

	score := o.scorer.Score(scoreText)
	order := []backend.Backend{o.deps.Local, cloud}
	preferred := "local"
	if req.ForceCloud || score >= o.threshold {
		order = []backend.Backend{cloud, o.deps.Local}
		preferred = "cloud"
	}
	metrics.RouteDecisions.WithLabelValues(string(mode), preferred).Inc()
	o.logger.Debug("hybrid route", "score", score, "threshold", o.threshold, "force_cloud", req.ForceCloud, "preferred", preferred)

	for _, b := range order {
		if isNil(b) || !b.IsAvailable(ctx) {
			continue
		}
		if out, err := o.invoke(ctx, b, call); err == nil {
			return out, true
		}
	}
	return o.fallback(mode, FallbackUnavailable), false
}

func (o *Orchestrator) cloudFor(provider string) backend.Backend {
	if provider == "" {
		return o.deps.Cloud
	}
	if b, ok := o.deps.Providers[strings.ToLower(provider)]; ok && !isNil(b) {
		return b
	}
	o.logger.Debug("provider override not configured, using default cloud", "provider", provider)
	return o.deps.Cloud
}

func (o *Orchestrator) fallback(mode models.BackendMode, msg string) string {
	metrics.FallbackResponses.WithLabelValues(string(mode)).Inc()
	o.logger.Warn("no backend produced a response", "mode", mode)
	return msg
}

type result struct {
	out string
	err error
}

// invoke runs call on a worker slot. The call runs on its own goroutine; if ctx ends
// first the result is discarded once the call returns.
func (o *Orchestrator) invoke(ctx context.Context, b backend.Backend, call callFunc) (string, error) {
	if isNil(b) {
		return "", backend.ErrUnavailable
	}
	if err := o.workers.Acquire(ctx, 1); err != nil {
		metrics.BackendRequests.WithLabelValues(b.Name(), metrics.OutcomeUnavailable).Inc()
		return "", errors.Join(backend.ErrUnavailable, err)
	}
	metrics.WorkersBusy.Inc()

	done := make(chan result, 1)
	start := time.Now()
	go func() {
		defer func() {
			metrics.WorkersBusy.Dec()
			o.workers.Release(1)
		}()
		out, err := call(ctx, b)
		done <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: errors.Join(backend.ErrUnavailable, ctx.Err())}
	}
	metrics.BackendLatency.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())

	switch {
	case res.err != nil:
		metrics.BackendRequests.WithLabelValues(b.Name(), metrics.OutcomeUnavailable).Inc()
		o.logger.Warn("backend call failed", "backend", b.Name(), "error", res.err)
		return "", res.err
	case strings.TrimSpace(res.out) == "":
		metrics.BackendRequests.WithLabelValues(b.Name(), metrics.OutcomeEmpty).Inc()
		return "", backend.ErrUnavailable
	}
	metrics.BackendRequests.WithLabelValues(b.Name(), metrics.OutcomeOK).Inc()
	return res.out, nil
}

// record feeds a successful exchange to the learner without blocking the caller.
func (o *Orchestrator) record(user, assistant string, meta map[string]any) {
	if o.deps.Learner == nil {
		return
	}
	o.recordMu.Lock()
	defer o.recordMu.Unlock()
	if o.closed {
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		o.deps.Learner.ProcessInteraction(user, assistant, meta)
	}()
}

// Wait blocks until every queued recording has been applied.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// Close stops accepting recordings and waits for queued ones.
func (o *Orchestrator) Close() {
	o.recordMu.Lock()
	o.closed = true
	o.recordMu.Unlock()
	o.pending.Wait()
}

// Status reports routing state and backend availability.
func (o *Orchestrator) Status(ctx context.Context) models.Status {
	st := models.Status{
		Mode:              o.Mode(),
		PersonalInjection: o.deps.Personal.Enabled(),
	}
	if !isNil(o.deps.Local) {
		st.LocalAvailable = o.deps.Local.IsAvailable(ctx)
		if m, ok := o.deps.Local.(interface{ Model() string }); ok {
			st.LocalModel = m.Model()
		}
	}
	if !isNil(o.deps.Cloud) {
		st.CloudAvailable = o.deps.Cloud.IsAvailable(ctx)
		if p, ok := o.deps.Cloud.(interface{ Provider() string }); ok {
			st.CloudProvider = p.Provider()
		}
	}
	if o.deps.Learner != nil {
		ms := o.deps.Learner.Store().Stats()
		st.Memory = &ms
	}
	return st
}

func isNil(b backend.Backend) bool {
	if b == nil {
		return true
	}
	switch v := b.(type) {
	case *backend.Local:
		return v == nil
	case *backend.Cloud:
		return v == nil
	}
	return false
}
