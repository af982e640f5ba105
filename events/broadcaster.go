package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mgxai/fabric/ids"
	"github.com/mgxai/fabric/telemetry"
)

// DefaultBufferSize is the default per-subscriber channel capacity (spec §5:
// "default 1024 events").
const DefaultBufferSize = 1024

type (
	// Broadcaster is the Event Broadcaster's public contract: non-blocking
	// publish, topic-glob subscribe, idempotent unsubscribe.
	Broadcaster interface {
		// Publish fans the event out to every subscriber whose patterns match
		// one of the event's topics. Publish never blocks on a slow
		// subscriber: a full subscriber buffer drops the event and, on first
		// drop since last successful delivery, emits a synthetic
		// subscriber_lagging event to that subscriber.
		Publish(ctx context.Context, event Event) error
		// Subscribe registers a subscriber under subscriberID, filtered by
		// topicPatterns (glob-matched against Event.Topics()). Re-subscribing
		// an existing ID replaces its pattern set and buffer.
		Subscribe(subscriberID string, topicPatterns []string, opts ...SubscribeOption) (Subscription, error)
		// Unsubscribe removes a subscriber. Idempotent.
		Unsubscribe(subscriberID string) error
	}

	// Subscription is a live handle on a subscriber's event channel.
	Subscription interface {
		// Events delivers matched events in publish order for any given
		// source entity (run, execution, agent, task, or workflow).
		Events() <-chan Event
		// Close stops delivery to this subscription and closes its Events
		// channel; events already buffered stay readable. The subscriber
		// stays registered with the broadcaster until Unsubscribe is called
		// with its ID. Idempotent.
		Close() error
	}

	// SubscribeOption customizes a single Subscribe call.
	SubscribeOption func(*subscriberConfig)

	subscriberConfig struct {
		buffer int
	}

	broadcaster struct {
		mu   sync.RWMutex
		subs map[string]*subscriber
		telem telemetry.Set
	}

	subscriber struct {
		id       string
		patterns []string
		ch       chan Event
		buffer   int
		mu       sync.Mutex
		closed   bool
		lagging  bool
	}
)

// WithBufferSize overrides the default per-subscriber buffer capacity.
func WithBufferSize(n int) SubscribeOption {
	return func(c *subscriberConfig) { c.buffer = n }
}

// NewBroadcaster constructs an in-process Event Broadcaster. telem, if its
// fields are nil, defaults to no-op implementations.
func NewBroadcaster(telem telemetry.Set) Broadcaster {
	return &broadcaster{subs: make(map[string]*subscriber), telem: telem.Fill()}
}

func (b *broadcaster) Subscribe(subscriberID string, topicPatterns []string, opts ...SubscribeOption) (Subscription, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("events: subscriber id is required")
	}
	if len(topicPatterns) == 0 {
		topicPatterns = []string{"all"}
	}
	cfg := subscriberConfig{buffer: DefaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	sub := &subscriber{
		id:       subscriberID,
		patterns: append([]string(nil), topicPatterns...),
		// The channel reserves one slot beyond the configured data buffer so
		// a subscriber_lagging marker can always be enqueued even when the
		// data buffer itself is saturated.
		ch:     make(chan Event, cfg.buffer+1),
		buffer: cfg.buffer,
	}
	b.mu.Lock()
	b.subs[subscriberID] = sub
	b.mu.Unlock()
	return sub, nil
}

func (b *broadcaster) Unsubscribe(subscriberID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriberID]
	delete(b.subs, subscriberID)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
	return nil
}

// Publish delivers event to every matching subscriber without blocking. A
// snapshot of subscribers is taken under a read lock so registrations during
// Publish never affect the current delivery, mirroring the teacher bus's
// Publish semantics (runtime/agent/hooks/bus.go) generalized to topic
// filtering and bounded asynchronous delivery instead of synchronous
// fail-fast fan-out.
func (b *broadcaster) Publish(ctx context.Context, event Event) error {
	if event.EventID == "" {
		event.EventID = ids.New()
	}
	if event.TimestampUTC.IsZero() {
		event.TimestampUTC = time.Now().UTC()
	}
	topics := event.Topics()

	b.mu.RLock()
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(topics) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.deliver(ctx, event, b.telem.Logger)
	}
	return nil
}

func (s *subscriber) matches(topics []string) bool {
	for _, pattern := range s.patterns {
		for _, topic := range topics {
			if globMatch(pattern, topic) {
				return true
			}
		}
	}
	return false
}

// deliver attempts a non-blocking send. On a full buffer it drops the event
// and, the first time since the last successful delivery, injects a
// synthetic subscriber_lagging event so consumers can detect loss.
func (s *subscriber) deliver(ctx context.Context, event Event, logger telemetry.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.ch) < s.buffer {
		s.ch <- event
		s.lagging = false
		return
	}
	if !s.lagging {
		s.lagging = true
		lag := Event{
			EventID:      ids.New(),
			EventType:    TypeSubscriberLagging,
			TimestampUTC: time.Now().UTC(),
			Workspace:    event.Workspace,
			Data:         map[string]any{"subscriber_id": s.id},
		}
		select {
		case s.ch <- lag:
		default:
		}
	}
	logger.Warn(ctx, "events: subscriber buffer full, dropping event", "subscriber_id", s.id, "event_type", string(event.EventType))
}

func (s *subscriber) Events() <-chan Event { return s.ch }

func (s *subscriber) Close() error {
	s.close()
	return nil
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// globMatch supports '*' as a wildcard matching any run of characters;
// every other character (including ':' and '.') is literal. Patterns
// without '*' must match exactly.
func globMatch(pattern, s string) bool {
	if pattern == s {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	parts := strings.Split(pattern, "*")
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(s[pos:], part)
		if idx == -1 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(s, last) {
		return false
	}
	return true
}
