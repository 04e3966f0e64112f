package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the pubsub channel session events are published on.
const DefaultChannel = "callrelay:events"

var ErrAlreadySubscribed = errors.New("already subscribed")

// Event is one session lifecycle notification as seen by out-of-process observers.
type Event struct {
	Type       domain.SessionEventType `json:"type"`
	InstanceID string                  `json:"instance_id"`
	Timestamp  time.Time               `json:"timestamp"`
	Channel    string                  `json:"channel,omitempty"`
	Identity   string                  `json:"identity,omitempty"`
	Role       domain.Role             `json:"role,omitempty"`
	Snapshot   domain.Snapshot         `json:"snapshot"`
}

// subscription is the part of *redis.PubSub the bus consumes.
type subscription interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// EventBus publishes session events over Redis pubsub and relays events
// published by other instances to a handler.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time
	breaker    *circuitbreaker.CircuitBreaker

	subscribe func(ctx context.Context, channel string) subscription

	mu  sync.Mutex
	sub subscription
}

func NewEventBus(
	client redis.UniversalClient,
	instanceID string,
	channel string,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		now:        time.Now,
	}
	eb.subscribe = func(ctx context.Context, channel string) subscription {
		return eb.client.Subscribe(ctx, channel)
	}
	return eb
}

// WithBreaker makes Publish fail fast while Redis keeps erroring, so a dead
// broker does not hold up session notifications for the full notify timeout.
func (eb *EventBus) WithBreaker(cb *circuitbreaker.CircuitBreaker) *EventBus {
	eb.breaker = cb
	return eb
}

// PublishSessionEvent implements ports.SessionEventPublisher.
func (eb *EventBus) PublishSessionEvent(ctx context.Context, eventType domain.SessionEventType, snap domain.Snapshot) error {
	event := &Event{
		Type:     eventType,
		Snapshot: snap,
	}
	if snap.Session != nil {
		event.Channel = snap.Session.Channel
		event.Identity = snap.Session.Identity
		event.Role = snap.Session.Role
	}
	return eb.Publish(ctx, event)
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	publish := func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	}
	if eb.breaker != nil {
		err = eb.breaker.Execute(publish)
	} else {
		err = publish()
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"channel", event.Channel,
		"identity", event.Identity,
	)

	return nil
}

// Subscribe delivers events from other instances to handler until ctx ends or
// Close is called. Only one subscription may be active per bus.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.sub != nil {
		eb.mu.Unlock()
		return ErrAlreadySubscribed
	}
	sub := eb.subscribe(ctx, eb.channel)
	eb.sub = sub
	eb.mu.Unlock()

	defer eb.release(sub)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.deliver(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) deliver(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"error", err,
		)
	}
}

// release closes sub unless Close already took it.
func (eb *EventBus) release(sub subscription) {
	eb.mu.Lock()
	if eb.sub != sub {
		eb.mu.Unlock()
		return
	}
	eb.sub = nil
	eb.mu.Unlock()

	if err := sub.Close(); err != nil {
		eb.logger.Debugw("failed to close subscription", "error", err)
	}
}

// Close ends an active Subscribe.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	sub := eb.sub
	eb.sub = nil
	eb.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Close()
}

// LogPeerEvents returns a Subscribe handler that logs session events seen on
// other instances.
func LogPeerEvents(logger *zap.SugaredLogger) func(*Event) error {
	return func(e *Event) error {
		logger.Infow("session event from peer instance",
			"type", e.Type,
			"instance_id", e.InstanceID,
			"channel", e.Channel,
			"identity", e.Identity,
			"role", e.Role,
			"phase", e.Snapshot.Phase,
		)
		return nil
	}
}
