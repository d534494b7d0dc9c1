package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultRelayTopic is the topic events are republished on.
const DefaultRelayTopic = "tradegate.events"

// ErrSubscriptionClosed is returned by Relay.Run when the hub closed the
// relay's subscription, e.g. after evicting it as a slow consumer.
var ErrSubscriptionClosed = errors.New("streaming: relay subscription closed")

// Relay republishes hub events to a Watermill publisher so external
// consumers can follow session progress.
type Relay struct {
	hub       EventHub
	publisher message.Publisher
	topic     string
	filter    EventFilter
	logger    *slog.Logger
}

// NewRelay creates a relay from hub to publisher. An empty topic uses
// DefaultRelayTopic.
func NewRelay(hub EventHub, publisher message.Publisher, topic string, logger *slog.Logger) *Relay {
	if topic == "" {
		topic = DefaultRelayTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{hub: hub, publisher: publisher, topic: topic, logger: logger}
}

// WithFilter restricts which events are relayed.
func (r *Relay) WithFilter(f EventFilter) *Relay {
	r.filter = f
	return r
}

// Run forwards events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ch, cancel, err := r.hub.Subscribe(ctx, r.filter)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}
			if err := r.forward(ev); err != nil {
				r.logger.Warn("relay publish failed",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Relay) forward(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set("event_id", ev.ID)
	msg.Metadata.Set("event_type", string(ev.Type))
	msg.Metadata.Set("session_id", ev.SessionID)
	return r.publisher.Publish(r.topic, msg)
}
