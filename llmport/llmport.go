// Package llmport defines the LLM port the Task Executor's analyze/plan/
// execute phases call through: a plain Completion(prompt) -> text contract
// (spec §9 "treat the provider as a pure Complete port"), narrowed from the
// teacher's multi-part message/tool/streaming model.Client down to the
// phase-level need. Retry/backoff and per-workspace cost tracking wrap any
// Provider without either side needing to know about the other.
package llmport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/telemetry"
	"golang.org/x/time/rate"
)

// Request is one completion call.
type Request struct {
	Workspace   string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is a provider's completion result plus the usage/cost data the
// cost tracker consults.
type Response struct {
	Text         string
	TokensUsed   int
	CostEstimate float64
}

// Provider is the minimal contract a concrete backend (anthropic, openai,
// bedrock) implements.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// RetryPolicy configures the exponential backoff wrapper (spec §4.1/§7:
// "retry transient llm_failed up to 3x with exponential backoff").
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	BackoffFactor   float64
}

func (p RetryPolicy) fill() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2
	}
	return p
}

// Budget configures the per-workspace cost cap and concurrency gate (spec
// §4.1's "base x budget_multiplier x complexity_factor" run budget, §5's
// per-workspace LLM concurrency cap).
type Budget struct {
	MaxCostPerWorkspace float64
	MaxConcurrent       int
}

// WorkspaceLimiter throttles LLM calls per workspace, lazily creating one
// rate.Limiter per workspace with burst and steady-state rate (per second)
// both equal to maxConcurrent: up to maxConcurrent calls proceed
// immediately, further calls block in Wait until the limiter refills. It
// limits how often calls start, not how many are in flight at once: a call
// holds no slot while it runs and nothing is released when it finishes.
type WorkspaceLimiter struct {
	mu            sync.Mutex
	limiters      map[string]*rate.Limiter
	maxConcurrent int
}

// NewWorkspaceLimiter constructs a limiter admitting up to maxConcurrent
// call starts per second per workspace (default 4).
func NewWorkspaceLimiter(maxConcurrent int) *WorkspaceLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &WorkspaceLimiter{limiters: make(map[string]*rate.Limiter), maxConcurrent: maxConcurrent}
}

// Wait blocks until workspace's limiter grants a token.
func (w *WorkspaceLimiter) Wait(ctx context.Context, workspace string) error {
	w.mu.Lock()
	l, ok := w.limiters[workspace]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.maxConcurrent), w.maxConcurrent)
		w.limiters[workspace] = l
	}
	w.mu.Unlock()
	return l.Wait(ctx)
}

// retryingProvider wraps a Provider with exponential backoff, a cost
// tracker, and an optional per-workspace rate gate (WorkspaceLimiter).
type retryingProvider struct {
	inner   Provider
	policy  RetryPolicy
	telem   telemetry.Set
	tracker *CostTracker
	limiter *WorkspaceLimiter
}

// WithRetryAndBudget wraps inner with retry/backoff, cost tracking, and an
// optional per-workspace rate gate. tracker/limiter may be shared across multiple
// Provider instances to enforce one cap per workspace regardless of which
// model backend served a call; either may be nil to skip that check.
func WithRetryAndBudget(inner Provider, policy RetryPolicy, tracker *CostTracker, limiter *WorkspaceLimiter, telem telemetry.Set) Provider {
	return &retryingProvider{
		inner:   inner,
		policy:  policy.fill(),
		telem:   telem.Fill(),
		tracker: tracker,
		limiter: limiter,
	}
}

func (p *retryingProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if p.tracker != nil {
		if err := p.tracker.CheckBudget(req.Workspace); err != nil {
			return Response{}, err
		}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, req.Workspace); err != nil {
			return Response{}, err
		}
	}

	var lastErr error
	interval := p.policy.InitialInterval
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		resp, err := p.inner.Complete(ctx, req)
		if err == nil {
			if p.tracker != nil {
				p.tracker.Record(req.Workspace, resp.CostEstimate)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if attempt == p.policy.MaxAttempts {
			break
		}
		p.telem.Logger.Warn(ctx, "llmport: completion attempt failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * p.policy.BackoffFactor)
	}
	return Response{}, ferrors.Wrap(ferrors.KindLLMFailed, "llmport.Complete", lastErr).
		WithDetails(map[string]any{"attempts": p.policy.MaxAttempts})
}

// CostTracker enforces a per-workspace monetary cost cap (spec §4.1's
// budget exhaustion kind).
type CostTracker struct {
	mu           sync.Mutex
	limits       map[string]float64
	spent        map[string]float64
	defaultLimit float64
}

// NewCostTracker constructs a tracker with defaultLimit applied to any
// workspace without an explicit SetLimit call.
func NewCostTracker(defaultLimit float64) *CostTracker {
	return &CostTracker{
		limits:       make(map[string]float64),
		spent:        make(map[string]float64),
		defaultLimit: defaultLimit,
	}
}

// SetLimit overrides the cost cap for one workspace, e.g. from a run's
// computed base x budget_multiplier x complexity_factor.
func (t *CostTracker) SetLimit(workspace string, limit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[workspace] = limit
}

// CheckBudget returns a KindBudgetExhausted error if workspace has already
// spent at or above its limit.
func (t *CostTracker) CheckBudget(workspace string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spent[workspace] >= t.limitLocked(workspace) {
		return ferrors.New(ferrors.KindBudgetExhausted, "llmport.CheckBudget", "workspace cost cap exhausted").
			WithDetails(map[string]any{"workspace": workspace, "spent": t.spent[workspace], "limit": t.limitLocked(workspace)})
	}
	return nil
}

// Record adds cost to workspace's running total.
func (t *CostTracker) Record(workspace string, cost float64) {
	if cost <= 0 || math.IsNaN(cost) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent[workspace] += cost
}

// Spent returns workspace's running total cost.
func (t *CostTracker) Spent(workspace string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent[workspace]
}

func (t *CostTracker) limitLocked(workspace string) float64 {
	if l, ok := t.limits[workspace]; ok {
		return l
	}
	return t.defaultLimit
}

// ErrRateLimited marks a provider-reported rate limit, distinct from a
// terminal failure: callers may choose to retry with a longer backoff.
var ErrRateLimited = errors.New("llmport: rate limited")
