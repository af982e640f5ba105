package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mgxai/fabric/events"
)

type (
	// SinkOptions configures a relay Sink.
	SinkOptions struct {
		// Client is the Pulse client used to publish. Required.
		Client Client
		// StreamID derives the target Pulse stream name from an event.
		// Defaults to "workspace/<Workspace>".
		StreamID func(events.Event) (string, error)
	}

	// Sink publishes fabric events onto Pulse streams so other fabric
	// instances (or out-of-process consumers) can relay them, mirroring
	// the layering of the teacher's stream sink: one envelope type, one
	// stream-naming function, JSON payloads.
	Sink struct {
		client   Client
		streamID func(events.Event) (string, error)
	}

	// envelope is the wire format written to Pulse; it is a direct JSON
	// projection of events.Event.
	envelope struct {
		EventID       string         `json:"event_id"`
		EventType     string         `json:"event_type"`
		TimestampUTC  string         `json:"timestamp_utc"`
		Version       int            `json:"version"`
		Workspace     string         `json:"workspace"`
		Task          string         `json:"task,omitempty"`
		Run           string         `json:"run,omitempty"`
		Workflow      string         `json:"workflow,omitempty"`
		Execution     string         `json:"execution,omitempty"`
		Agent         string         `json:"agent,omitempty"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		Data          map[string]any `json:"data,omitempty"`
	}
)

// NewSink constructs a Pulse-backed relay sink. Options.Client is required.
func NewSink(opts SinkOptions) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse: client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes event to the derived Pulse stream.
func (s *Sink) Send(ctx context.Context, event events.Event) error {
	streamID, err := s.streamID(event)
	if err != nil {
		return err
	}
	stream, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(toEnvelope(event))
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, string(event.EventType), payload)
	return err
}

// Close releases resources held by the underlying client.
func (s *Sink) Close(ctx context.Context) error { return s.client.Close(ctx) }

func defaultStreamID(event events.Event) (string, error) {
	if event.Workspace == "" {
		return "", errors.New("pulse: event missing workspace")
	}
	return fmt.Sprintf("workspace/%s", event.Workspace), nil
}

func toEnvelope(e events.Event) envelope {
	return envelope{
		EventID:       e.EventID,
		EventType:     string(e.EventType),
		TimestampUTC:  e.TimestampUTC.Format("2006-01-02T15:04:05.000000000Z"),
		Version:       e.Version,
		Workspace:     e.Workspace,
		Task:          e.Task,
		Run:           e.Run,
		Workflow:      e.Workflow,
		Execution:     e.Execution,
		Agent:         e.Agent,
		CorrelationID: e.CorrelationID,
		Data:          e.Data,
	}
}
