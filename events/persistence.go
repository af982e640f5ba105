package events

import (
	"context"
	"sync"
	"time"

	"github.com/mgxai/fabric/telemetry"
)

// Store is the append-only event store the persistence subscriber writes
// to. Implementations live in package store.
type Store interface {
	AppendEvent(ctx context.Context, event Event) error
}

// DeadLetterSink receives events that exhausted retry and could not be
// persisted. Implementations may log, alert, or re-queue out of band.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, event Event, cause error)
}

// PersistenceSubscriber drains a broadcaster subscription to an append-only
// Store. Persistence failures never silently drop events: each write is
// retried with bounded backoff, and exhausted retries are handed to a
// DeadLetterSink rather than discarded (spec §4.7).
type PersistenceSubscriber struct {
	store    Store
	deadLet  DeadLetterSink
	telem    telemetry.Set
	maxTries int
	backoff  time.Duration

	mu   sync.Mutex
	done chan struct{}
}

// PersistenceOptions configures retry behavior for a PersistenceSubscriber.
type PersistenceOptions struct {
	// MaxAttempts bounds the total number of write attempts, the first one
	// included, before dead-letter. Defaults to 3.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry, doubling each
	// subsequent attempt. Defaults to 100ms.
	InitialBackoff time.Duration
}

// NewPersistenceSubscriber constructs a subscriber that writes every event it
// receives to store, dead-lettering to sink on exhausted retry.
func NewPersistenceSubscriber(store Store, sink DeadLetterSink, telem telemetry.Set, opts PersistenceOptions) *PersistenceSubscriber {
	maxTries := opts.MaxAttempts
	if maxTries <= 0 {
		maxTries = 3
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &PersistenceSubscriber{
		store:    store,
		deadLet:  sink,
		telem:    telem.Fill(),
		maxTries: maxTries,
		backoff:  backoff,
	}
}

// Run subscribes to b with the "all" topic and persists events until ctx is
// cancelled or the subscription's channel is closed (for example by
// b.Unsubscribe("persistence")). It is intended to run in its own goroutine
// for the lifetime of the process.
func (p *PersistenceSubscriber) Run(ctx context.Context, b Broadcaster) error {
	sub, err := b.Subscribe("persistence", []string{"all"}, WithBufferSize(4096))
	if err != nil {
		return err
	}
	defer sub.Close()

	p.mu.Lock()
	p.done = make(chan struct{})
	p.mu.Unlock()
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			p.persist(ctx, event)
		}
	}
}

func (p *PersistenceSubscriber) persist(ctx context.Context, event Event) {
	var lastErr error
	wait := p.backoff
	for attempt := 1; attempt <= p.maxTries; attempt++ {
		if err := p.store.AppendEvent(ctx, event); err == nil {
			return
		} else {
			lastErr = err
		}
		if attempt == p.maxTries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
	p.telem.Logger.Error(ctx, "events: persistence exhausted retries, dead-lettering", "event_id", event.EventID, "event_type", string(event.EventType), "err", lastErr)
	if p.deadLet != nil {
		p.deadLet.DeadLetter(ctx, event, lastErr)
	}
}
