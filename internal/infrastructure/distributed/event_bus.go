package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventCallState EventType = "call.state"
	EventCallEnded EventType = "call.ended"
)

// Event is one call state change as seen by other processes.
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	State      domain.CallState `json:"state"`
}

// EventBus publishes call state over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
}

var _ ports.CallEventPublisher = (*EventBus)(nil)

func NewEventBus(client *redis.Client, channel, instanceID string, logger *zap.SugaredLogger) *EventBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (eb *EventBus) PublishCallState(ctx context.Context, state domain.CallState) error {
	return eb.Publish(ctx, NewEvent(state))
}

// NewEvent classifies a state as an end event or a plain state change.
func NewEvent(state domain.CallState) *Event {
	eventType := EventCallState
	if state.Status == domain.StatusEnded {
		eventType = EventCallEnded
	}
	return &Event{Type: eventType, State: state}
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published call event",
		"type", event.Type,
		"call_id", event.State.CallID,
		"status", event.State.Status,
	)
	return nil
}

// Subscribe delivers events from other instances until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
				)
				continue
			}
			if event == nil {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// decode returns nil for events this instance published itself.
func (eb *EventBus) decode(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.InstanceID == eb.instanceID {
		return nil, nil
	}
	return &event, nil
}
