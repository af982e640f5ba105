package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/mgxai/fabric/events"
)

type (
	// SubscriberOptions configures a relay Subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume. Required.
		Client Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "fabric_events".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 1024.
		Buffer int
	}

	// Subscriber consumes a Pulse stream and re-emits fabric events,
	// letting a process that did not originate an event still observe it
	// (multi-instance deployments sharing a workspace).
	Subscriber struct {
		client Client
		name   string
		buffer int
	}
)

// NewSubscriber constructs a Pulse-backed relay subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "fabric_events"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a consumer group on streamID and returns channels of
// decoded events and errors, plus a cancel func that stops consumption and
// closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan events.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	return out, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink Sink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			event, err := decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse: decode payload: %w", err)
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse: ack: %w", err)
				return
			}
		}
	}
}

func decode(payload []byte) (events.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return events.Event{}, err
	}
	ts, _ := time.Parse("2006-01-02T15:04:05.000000000Z", env.TimestampUTC)
	return events.Event{
		EventID:       env.EventID,
		EventType:     events.Type(env.EventType),
		TimestampUTC:  ts,
		Version:       env.Version,
		Workspace:     env.Workspace,
		Task:          env.Task,
		Run:           env.Run,
		Workflow:      env.Workflow,
		Execution:     env.Execution,
		Agent:         env.Agent,
		CorrelationID: env.CorrelationID,
		Data:          env.Data,
	}, nil
}
