package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mgxai/fabric/events"
	"github.com/mgxai/fabric/telemetry"
)

type fakeStore struct {
	mu        sync.Mutex
	failUntil int
	calls     int
	appended  []events.Event
}

func (f *fakeStore) AppendEvent(_ context.Context, e events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("transient store failure")
	}
	f.appended = append(f.appended, e)
	return nil
}

type fakeDeadLetter struct {
	mu   sync.Mutex
	sent []events.Event
}

func (d *fakeDeadLetter) DeadLetter(_ context.Context, e events.Event, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, e)
}

func TestPersistenceSubscriberRetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{failUntil: 2}
	dlq := &fakeDeadLetter{}
	sub := events.NewPersistenceSubscriber(store, dlq, telemetry.NoopSet(), events.PersistenceOptions{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})
	b := events.NewBroadcaster(telemetry.NoopSet())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sub.Run(ctx, b)
	time.Sleep(10 * time.Millisecond) // let Subscribe register before publishing

	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeRunStarted, Workspace: "ws1"}))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.appended) == 1
	}, time.Second, 5*time.Millisecond)

	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	require.Empty(t, dlq.sent)
}

func TestPersistenceSubscriberDeadLettersAfterExhaustedRetries(t *testing.T) {
	store := &fakeStore{failUntil: 100}
	dlq := &fakeDeadLetter{}
	sub := events.NewPersistenceSubscriber(store, dlq, telemetry.NoopSet(), events.PersistenceOptions{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})
	b := events.NewBroadcaster(telemetry.NoopSet())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sub.Run(ctx, b)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, events.Event{EventType: events.TypeRunFailed, Workspace: "ws1"}))

	require.Eventually(t, func() bool {
		dlq.mu.Lock()
		defer dlq.mu.Unlock()
		return len(dlq.sent) == 1
	}, time.Second, 5*time.Millisecond)
}
