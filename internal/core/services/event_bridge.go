package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"go.uber.org/zap"
)

// BridgeConfig bounds the relay calls the bridge makes on behalf of remote events.
type BridgeConfig struct {
	SubscribeTimeout time.Duration
}

type stampedEvent struct {
	domain.RelayEvent
	epoch uint64
}

// EventBridge turns relay callbacks into registry mutations and the reconnecting flag.
// Listeners are installed once per client at construction and disposed by Close.
type EventBridge struct {
	config   BridgeConfig
	pool     ports.ClientPool
	registry *ParticipantRegistry
	metrics  ports.SessionMetrics

	disposers []func()
	closeOnce sync.Once
	done      chan struct{}

	// mailbox is unbounded so relay read loops never block on a slow consumer
	queueMu sync.Mutex
	queue   []stampedEvent
	wake    chan struct{}

	bindMu sync.RWMutex
	bound  domain.Role
	epoch  uint64

	reconnecting atomic.Bool
	degraded     atomic.Bool

	notifyMu sync.RWMutex
	notify   func(domain.SessionEventType)

	logger *zap.SugaredLogger
}

func NewEventBridge(
	config BridgeConfig,
	pool ports.ClientPool,
	registry *ParticipantRegistry,
	logger *zap.SugaredLogger,
) *EventBridge {
	if config.SubscribeTimeout <= 0 {
		config.SubscribeTimeout = 5 * time.Second
	}
	b := &EventBridge{
		config:   config,
		pool:     pool,
		registry: registry,
		metrics:  noopMetrics{},
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		logger:   logger,
	}
	for _, client := range pool.All() {
		b.disposers = append(b.disposers, client.OnEvent(b.dispatch))
	}
	return b
}

func (b *EventBridge) SetMetrics(m ports.SessionMetrics) {
	if m != nil {
		b.metrics = m
	}
}

// SetNotifier installs the callback invoked after observable state changes.
func (b *EventBridge) SetNotifier(fn func(domain.SessionEventType)) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.notify = fn
}

func (b *EventBridge) Registry() *ParticipantRegistry {
	return b.registry
}

func (b *EventBridge) Reconnecting() bool {
	return b.reconnecting.Load()
}

func (b *EventBridge) Degraded() bool {
	return b.degraded.Load()
}

// Bind routes events from the role's client into the registry. Events queued for
// any earlier binding are discarded.
func (b *EventBridge) Bind(role domain.Role) {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.bound = role
	b.epoch++
}

// Unbind stops accepting events; anything already queued becomes stale.
func (b *EventBridge) Unbind() {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.bound = ""
	b.epoch++
}

// Reset clears the registry and connection flags after a session is torn down.
// It waits for any in-progress mutation from a handled event to finish.
func (b *EventBridge) Reset() {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()
	b.registry.Reset()
	b.reconnecting.Store(false)
	b.degraded.Store(false)
	b.metrics.SetRemoteParticipants(0)
	b.metrics.SetReconnecting(false)
}

func (b *EventBridge) currentEpoch() uint64 {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()
	return b.epoch
}

// applyCurrent runs fn only if epoch is still current, holding the binding
// stable so Unbind and Reset cannot interleave with fn.
func (b *EventBridge) applyCurrent(epoch uint64, fn func()) bool {
	b.bindMu.RLock()
	defer b.bindMu.RUnlock()
	if epoch != b.epoch {
		return false
	}
	fn()
	return true
}

func (b *EventBridge) dispatch(ev domain.RelayEvent) {
	b.bindMu.RLock()
	bound, epoch := b.bound, b.epoch
	b.bindMu.RUnlock()

	if bound == "" || ev.Source != bound {
		b.logger.Debugw("dropping event from unbound client",
			"type", ev.Type,
			"source", ev.Source,
			"identity", ev.Identity,
		)
		return
	}

	b.queueMu.Lock()
	b.queue = append(b.queue, stampedEvent{RelayEvent: ev, epoch: epoch})
	b.queueMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run consumes queued events in arrival order until ctx ends or Close is called.
func (b *EventBridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-b.wake:
			b.ProcessPending(ctx)
		}
	}
}

// ProcessPending handles every event queued so far and returns how many were taken.
func (b *EventBridge) ProcessPending(ctx context.Context) int {
	b.queueMu.Lock()
	pending := b.queue
	b.queue = nil
	b.queueMu.Unlock()

	for _, ev := range pending {
		b.handle(ctx, ev)
	}
	return len(pending)
}

func (b *EventBridge) handle(ctx context.Context, ev stampedEvent) {
	if ev.epoch != b.currentEpoch() {
		b.logger.Debugw("dropping stale event",
			"type", ev.Type,
			"identity", ev.Identity,
		)
		return
	}

	switch ev.Type {
	case domain.EventUserPublished:
		b.onPublished(ctx, ev)
	case domain.EventUserUnpublished:
		b.onUnpublished(ctx, ev)
	case domain.EventUserLeft:
		b.onLeft(ev)
	case domain.EventConnectionState:
		b.onConnectionState(ev)
	default:
		b.logger.Warnw("unknown relay event", "type", ev.Type)
	}
}

func (b *EventBridge) onPublished(ctx context.Context, ev stampedEvent) {
	client := b.pool.For(ev.Source)
	subCtx, cancel := context.WithTimeout(ctx, b.config.SubscribeTimeout)
	defer cancel()

	track, err := client.Subscribe(subCtx, ev.Identity, ev.Media)
	if err != nil {
		subErr := &domain.SubscriptionError{Identity: ev.Identity, Media: ev.Media, Err: err}
		b.metrics.RecordSubscriptionFailure(ev.Media)
		b.logger.Warnw("dropping remote publication",
			"identity", ev.Identity,
			"media", ev.Media,
			"error", subErr,
		)
		return
	}

	// the session may have been torn down while the subscription was in flight
	applied := b.applyCurrent(ev.epoch, func() {
		b.registry.Upsert(ev.Identity, ev.Media, track)
		b.metrics.SetRemoteParticipants(b.registry.Len())
	})
	if !applied {
		b.logger.Debugw("discarding subscription for cleared session",
			"identity", ev.Identity,
			"media", ev.Media,
		)
		return
	}

	b.logger.Infow("remote media subscribed",
		"identity", ev.Identity,
		"media", ev.Media,
		"track_id", track.TrackID,
	)
	b.emit(domain.ParticipantUpdated)
}

func (b *EventBridge) onUnpublished(ctx context.Context, ev stampedEvent) {
	client := b.pool.For(ev.Source)
	unsubCtx, cancel := context.WithTimeout(ctx, b.config.SubscribeTimeout)
	defer cancel()

	if err := client.Unsubscribe(unsubCtx, ev.Identity, ev.Media); err != nil {
		b.logger.Warnw("unsubscribe failed",
			"identity", ev.Identity,
			"media", ev.Media,
			"error", err,
		)
	}

	var cleared bool
	b.applyCurrent(ev.epoch, func() {
		cleared = b.registry.Clear(ev.Identity, ev.Media)
	})
	if cleared {
		b.emit(domain.ParticipantUpdated)
	}
}

func (b *EventBridge) onLeft(ev stampedEvent) {
	var removed bool
	b.applyCurrent(ev.epoch, func() {
		removed = b.registry.Remove(ev.Identity)
		if removed {
			b.metrics.SetRemoteParticipants(b.registry.Len())
		}
	})
	if removed {
		b.logger.Infow("remote participant left", "identity", ev.Identity)
		b.emit(domain.ParticipantUpdated)
	}
}

func (b *EventBridge) onConnectionState(ev stampedEvent) {
	b.logger.Infow("relay connection state changed",
		"role", ev.Source,
		"current", ev.Current,
		"previous", ev.Previous,
	)

	var emitted domain.SessionEventType
	b.applyCurrent(ev.epoch, func() {
		switch ev.Current {
		case domain.StateReconnecting:
			b.reconnecting.Store(true)
			b.metrics.SetReconnecting(true)
			emitted = domain.SessionReconnecting
		case domain.StateConnected:
			wasReconnecting := b.reconnecting.Swap(false)
			wasDegraded := b.degraded.Swap(false)
			b.metrics.SetReconnecting(false)
			if wasReconnecting || wasDegraded {
				emitted = domain.SessionRecovered
			}
		case domain.StateDisconnected:
			// the relay gave up; the session stays until the caller leaves or rejoins
			b.reconnecting.Store(false)
			b.degraded.Store(true)
			b.metrics.SetReconnecting(false)
			emitted = domain.SessionDegraded
		}
	})
	if emitted != "" {
		b.emit(emitted)
	}
}

func (b *EventBridge) emit(t domain.SessionEventType) {
	b.notifyMu.RLock()
	fn := b.notify
	b.notifyMu.RUnlock()
	if fn != nil {
		fn(t)
	}
}

// Close disposes every listener exactly once and stops Run.
func (b *EventBridge) Close() {
	b.closeOnce.Do(func() {
		for _, dispose := range b.disposers {
			dispose()
		}
		close(b.done)
	})
}
