package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type published struct {
	channel string
	payload []byte
}

// fakeRedis overrides Publish; every other UniversalClient method panics.
type fakeRedis struct {
	redis.UniversalClient
	err   error
	calls int
	sent  []published
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.calls++
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func TestEventBus_PublishSessionEvent(t *testing.T) {
	client := &fakeRedis{}
	bus := NewEventBus(client, "instance-a", "", zap.NewNop().Sugar())
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return at }

	snap := domain.Snapshot{
		Session: &domain.Session{Channel: "room1", Identity: "host-alice-1", Role: domain.RoleHost},
		Phase:   domain.PhaseActive,
	}
	require.NoError(t, bus.PublishSessionEvent(context.Background(), domain.SessionJoined, snap))

	require.Len(t, client.sent, 1)
	assert.Equal(t, DefaultChannel, client.sent[0].channel)

	var event Event
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &event))
	assert.Equal(t, domain.SessionJoined, event.Type)
	assert.Equal(t, "instance-a", event.InstanceID)
	assert.Equal(t, "room1", event.Channel)
	assert.Equal(t, "host-alice-1", event.Identity)
	assert.Equal(t, domain.RoleHost, event.Role)
	assert.Equal(t, domain.PhaseActive, event.Snapshot.Phase)
	assert.True(t, at.Equal(event.Timestamp))
}

func TestEventBus_PublishWithoutSession(t *testing.T) {
	client := &fakeRedis{}
	bus := NewEventBus(client, "instance-a", "custom", zap.NewNop().Sugar())

	require.NoError(t, bus.PublishSessionEvent(context.Background(), domain.SessionLeft, domain.Snapshot{Phase: domain.PhaseIdle}))
	require.Len(t, client.sent, 1)
	assert.Equal(t, "custom", client.sent[0].channel)
	assert.NotContains(t, string(client.sent[0].payload), `"identity"`)
}

func TestEventBus_PublishError(t *testing.T) {
	bus := NewEventBus(&fakeRedis{err: errors.New("connection refused")}, "instance-a", "", zap.NewNop().Sugar())

	err := bus.PublishSessionEvent(context.Background(), domain.SessionLeft, domain.Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish event")
}

func TestEventBus_BreakerFailsFast(t *testing.T) {
	client := &fakeRedis{err: errors.New("connection refused")}
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour})
	bus := NewEventBus(client, "instance-a", "", zap.NewNop().Sugar()).WithBreaker(breaker)

	for i := 0; i < 2; i++ {
		require.Error(t, bus.PublishSessionEvent(context.Background(), domain.SessionLeft, domain.Snapshot{}))
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	err := bus.PublishSessionEvent(context.Background(), domain.SessionLeft, domain.Snapshot{})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, client.calls)
}

type fakeSubscription struct {
	ch        chan *redis.Message
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan *redis.Message, 8)}
}

func (f *fakeSubscription) Channel(opts ...redis.ChannelOption) <-chan *redis.Message {
	return f.ch
}

func (f *fakeSubscription) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

func newSubscribedBus(t *testing.T, sub *fakeSubscription, logger *zap.SugaredLogger) *EventBus {
	t.Helper()
	bus := NewEventBus(&fakeRedis{}, "instance-a", "", logger)
	bus.subscribe = func(ctx context.Context, channel string) subscription {
		assert.Equal(t, DefaultChannel, channel)
		return sub
	}
	return bus
}

func payload(t *testing.T, e Event) *redis.Message {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return &redis.Message{Channel: DefaultChannel, Payload: string(data)}
}

func TestEventBus_SubscribeDeliversPeerEvents(t *testing.T) {
	sub := newFakeSubscription()
	bus := newSubscribedBus(t, sub, zap.NewNop().Sugar())

	got := make(chan *Event, 4)
	handler := func(e *Event) error {
		got <- e
		return errors.New("ignored")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, handler) }()

	sub.ch <- payload(t, Event{Type: domain.SessionJoined, InstanceID: "instance-a"})
	sub.ch <- &redis.Message{Payload: "{not json"}
	sub.ch <- payload(t, Event{Type: domain.ParticipantUpdated, InstanceID: "instance-b", Channel: "room1"})

	select {
	case e := <-got:
		assert.Equal(t, domain.ParticipantUpdated, e.Type)
		assert.Equal(t, "instance-b", e.InstanceID)
		assert.Equal(t, "room1", e.Channel)
	case <-time.After(time.Second):
		t.Fatal("peer event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	assert.Empty(t, got, "own and malformed events must be skipped")
	assert.Equal(t, int32(1), sub.closes.Load())
	require.NoError(t, bus.Close())
	assert.Equal(t, int32(1), sub.closes.Load())
}

func TestEventBus_CloseEndsSubscriptionOnce(t *testing.T) {
	sub := newFakeSubscription()
	bus := newSubscribedBus(t, sub, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(context.Background(), func(*Event) error { return nil }) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.sub != nil
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), nil), ErrAlreadySubscribed)

	require.NoError(t, bus.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after Close")
	}
	assert.Equal(t, int32(1), sub.closes.Load())
}

func TestLogPeerEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := LogPeerEvents(zap.New(core).Sugar())

	require.NoError(t, handler(&Event{
		Type:       domain.SessionLeft,
		InstanceID: "instance-b",
		Channel:    "room1",
		Snapshot:   domain.Snapshot{Phase: domain.PhaseIdle},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "instance-b", fields["instance_id"])
	assert.Equal(t, "room1", fields["channel"])
}
