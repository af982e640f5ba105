package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/telemetry"
)

func TestPublishDeliversToMatchingSubscribersOnly(t *testing.T) {
	b := events.NewBroadcaster(telemetry.NoopSet())
	all, err := b.Subscribe("all-sub", []string{"all"})
	require.NoError(t, err)
	task, err := b.Subscribe("task-sub", []string{"workspace:ws1.task:t1"})
	require.NoError(t, err)
	other, err := b.Subscribe("other-sub", []string{"workspace:ws1.task:t2"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeRunStarted, Workspace: "ws1", Task: "t1"}))

	select {
	case e := <-all.Events():
		require.Equal(t, events.TypeRunStarted, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("all-sub did not receive event")
	}
	select {
	case e := <-task.Events():
		require.Equal(t, events.TypeRunStarted, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("task-sub did not receive event")
	}
	select {
	case <-other.Events():
		t.Fatal("other-sub should not have received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := events.NewBroadcaster(telemetry.NoopSet())
	sub, err := b.Subscribe("s1", []string{"all"})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe("s1"))
	require.NoError(t, b.Unsubscribe("s1"))

	_, ok := <-sub.Events()
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestWildcardGlobMatchesWorkspaceScope(t *testing.T) {
	b := events.NewBroadcaster(telemetry.NoopSet())
	sub, err := b.Subscribe("wildcard", []string{"workspace:ws1.*"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeStepStarted, Workspace: "ws1", Workflow: "wf1"}))

	select {
	case e := <-sub.Events():
		require.Equal(t, events.TypeStepStarted, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}
}

func TestPublishOverflowEmitsSubscriberLagging(t *testing.T) {
	b := events.NewBroadcaster(telemetry.NoopSet())
	sub, err := b.Subscribe("slow", []string{"all"}, events.WithBufferSize(1))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeRunStarted, Workspace: "ws1"}))
	// The data buffer (size 1) is now saturated; this publish is dropped but
	// a synthetic subscriber_lagging event still fits in the reserved slot.
	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeRunCompleted, Workspace: "ws1"}))
	// A second drop while already lagging must not enqueue a duplicate marker.
	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeRunFailed, Workspace: "ws1"}))

	first := <-sub.Events()
	require.Equal(t, events.TypeRunStarted, first.EventType)

	second := <-sub.Events()
	require.Equal(t, events.TypeSubscriberLagging, second.EventType)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected extra event: %v", e.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}
