package llmport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/ferrors"
	"github.com/mgxai/fabric/llmport"
	"github.com/mgxai/fabric/telemetry"
)

type fakeProvider struct {
	failures int
	calls    int
	resp     llmport.Response
}

func (f *fakeProvider) Complete(_ context.Context, _ llmport.Request) (llmport.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return llmport.Response{}, errors.New("transient provider error")
	}
	return f.resp, nil
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	fake := &fakeProvider{failures: 2, resp: llmport.Response{Text: "ok", CostEstimate: 0.01}}
	p := llmport.WithRetryAndBudget(fake, llmport.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}, nil, nil, telemetry.NoopSet())

	resp, err := p.Complete(context.Background(), llmport.Request{Workspace: "ws1", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, 3, fake.calls)
}

func TestRetryExhaustionSurfacesLLMFailedKind(t *testing.T) {
	fake := &fakeProvider{failures: 10}
	p := llmport.WithRetryAndBudget(fake, llmport.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond}, nil, nil, telemetry.NoopSet())

	_, err := p.Complete(context.Background(), llmport.Request{Workspace: "ws1", Prompt: "hi"})
	require.Error(t, err)
	require.True(t, ferrors.Is(err, ferrors.KindLLMFailed))
	require.Equal(t, 3, fake.calls)
}

func TestCostTrackerBlocksOnceLimitExhausted(t *testing.T) {
	tracker := llmport.NewCostTracker(1.0)
	tracker.Record("ws1", 1.5)

	err := tracker.CheckBudget("ws1")
	require.Error(t, err)
	require.True(t, ferrors.Is(err, ferrors.KindBudgetExhausted))
}

func TestCostTrackerPerWorkspaceLimitOverride(t *testing.T) {
	tracker := llmport.NewCostTracker(1.0)
	tracker.SetLimit("ws1", 10.0)
	tracker.Record("ws1", 5.0)

	require.NoError(t, tracker.CheckBudget("ws1"))
	require.Equal(t, 5.0, tracker.Spent("ws1"))
}

func TestCompleteChecksBudgetBeforeCallingProvider(t *testing.T) {
	fake := &fakeProvider{resp: llmport.Response{Text: "ok"}}
	tracker := llmport.NewCostTracker(0)
	p := llmport.WithRetryAndBudget(fake, llmport.RetryPolicy{}, tracker, nil, telemetry.NoopSet())

	_, err := p.Complete(context.Background(), llmport.Request{Workspace: "ws1", Prompt: "hi"})
	require.Error(t, err)
	require.True(t, ferrors.Is(err, ferrors.KindBudgetExhausted))
	require.Equal(t, 0, fake.calls, "provider must not be called once budget is exhausted")
}

func TestWorkspaceLimiterGatesConcurrentCalls(t *testing.T) {
	limiter := llmport.NewWorkspaceLimiter(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, limiter.Wait(context.Background(), "ws1"))
	// Second immediate call on the same workspace should have to wait for
	// the limiter to refill; with a short deadline it should time out.
	err := limiter.Wait(ctx, "ws1")
	if err == nil {
		t.Skip("limiter refilled faster than the test deadline on this machine")
	}
}
