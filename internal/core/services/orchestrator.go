package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"
	"callrelay/pkg/tracing"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// OrchestratorConfig bounds every blocking step of join and cleanup.
type OrchestratorConfig struct {
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	// SettleTimeout bounds the wait for a handle to confirm it is disconnected.
	SettleTimeout time.Duration
	// NotifyTimeout bounds delivery of lifecycle events to the publisher.
	NotifyTimeout time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ConnectTimeout:    10 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		SettleTimeout:     3 * time.Second,
		NotifyTimeout:     2 * time.Second,
	}
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	d := DefaultOrchestratorConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// Orchestrator owns the active session and its local tracks. Join and cleanup
// sequences are mutually exclusive.
type Orchestrator struct {
	config     OrchestratorConfig
	pool       ports.ClientPool
	acquirer   ports.TrackAcquirer
	bridge     *EventBridge
	identities *IdentityGenerator

	tokens    ports.TokenIssuer
	metrics   ports.SessionMetrics
	publisher ports.SessionEventPublisher

	opMu    sync.Mutex
	leaving atomic.Bool

	mu      sync.RWMutex
	phase   domain.Phase
	session *domain.Session
	tracks  *ports.LocalTrackSet

	logger *zap.SugaredLogger
}

var _ ports.SessionManager = (*Orchestrator)(nil)

func NewOrchestrator(
	config OrchestratorConfig,
	pool ports.ClientPool,
	acquirer ports.TrackAcquirer,
	bridge *EventBridge,
	logger *zap.SugaredLogger,
) *Orchestrator {
	config = config.withDefaults()
	o := &Orchestrator{
		config:     config,
		pool:       pool,
		acquirer:   acquirer,
		bridge:     bridge,
		identities: NewIdentityGenerator(),
		metrics:    noopMetrics{},
		phase:      domain.PhaseIdle,
		logger:     logger,
	}
	bridge.SetNotifier(o.notify)
	return o
}

func (o *Orchestrator) SetMetrics(m ports.SessionMetrics) {
	if m != nil {
		o.metrics = m
		o.bridge.SetMetrics(m)
	}
}

func (o *Orchestrator) SetEventPublisher(p ports.SessionEventPublisher) {
	o.publisher = p
}

func (o *Orchestrator) SetTokenIssuer(t ports.TokenIssuer) {
	o.tokens = t
}

// Join connects to channel under role, superseding any active session first.
// On failure the orchestrator is back to idle before the JoinError is returned.
func (o *Orchestrator) Join(ctx context.Context, channel, credential, uid string, role domain.Role) (domain.Session, error) {
	if channel == "" {
		return domain.Session{}, &domain.JoinError{Reason: domain.ReasonChannelMissing, Role: role, Err: domain.ErrChannelMissing}
	}
	if !role.Valid() {
		return domain.Session{}, &domain.JoinError{Reason: domain.ReasonInvalidRole, Channel: channel, Role: role, Err: domain.ErrInvalidRole}
	}

	ctx, span := tracing.TraceSession(ctx, "join", channel, string(role))
	defer span.End()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	start := time.Now()

	if o.hasSession() || o.anyLive() {
		o.logger.Infow("superseding active session", "channel", channel, "role", role)
		o.cleanupLocked(context.WithoutCancel(ctx))
	}
	o.setPhase(domain.PhaseJoining)

	client := o.pool.For(role)
	if client.State().Live() {
		o.resetHandle(ctx, client)
	}

	identity := o.identities.Next(role, uid)
	tracing.AddSpanAttributes(ctx, tracing.IdentityKey.String(identity))

	token := credential
	if token == "" && o.tokens != nil {
		issued, err := o.tokens.Issue(channel, identity, role)
		if err != nil {
			return domain.Session{}, o.fail(ctx, start, channel, role, domain.ReasonConnectFailed, err)
		}
		token = issued
	}

	o.bridge.Bind(role)

	o.logger.Infow("joining channel",
		"channel", channel,
		"role", role,
		"identity", identity,
	)

	connectCtx, cancel := context.WithTimeout(ctx, o.config.ConnectTimeout)
	err := client.Connect(connectCtx, channel, token, identity)
	cancel()
	if err != nil {
		return domain.Session{}, o.fail(ctx, start, channel, role, o.reasonFor(ctx, domain.ReasonConnectFailed), err)
	}

	if role == domain.RoleHost {
		tracks, err := o.acquirer.Acquire(ctx)
		if err != nil {
			return domain.Session{}, o.fail(ctx, start, channel, role, o.acquireReason(ctx, err), err)
		}

		o.mu.Lock()
		o.tracks = tracks
		o.mu.Unlock()

		publishCtx, cancel := context.WithTimeout(ctx, o.config.PublishTimeout)
		err = client.Publish(publishCtx, tracks.Tracks()...)
		cancel()
		if err != nil {
			return domain.Session{}, o.fail(ctx, start, channel, role, o.reasonFor(ctx, domain.ReasonPublishFailed), err)
		}
	}

	session := &domain.Session{
		Channel:  channel,
		Identity: identity,
		Role:     role,
		JoinedAt: time.Now(),
	}

	o.mu.Lock()
	o.session = session
	o.phase = domain.PhaseActive
	o.mu.Unlock()

	o.metrics.RecordJoin(role, "", time.Since(start))
	o.metrics.SetActiveSession(role, true)
	o.logger.Infow("joined channel",
		"channel", channel,
		"role", role,
		"identity", identity,
		"duration", time.Since(start),
	)
	o.notify(domain.SessionJoined)

	return *session, nil
}

// Leave tears the session down unless a cleanup is already running.
func (o *Orchestrator) Leave(ctx context.Context) {
	if o.leaving.Load() {
		o.logger.Debugw("leave ignored, cleanup in flight")
		return
	}
	o.Cleanup(ctx)
}

// Cleanup releases local tracks, disconnects every live handle and clears state.
// It is safe to call at any time and from several goroutines; it never fails.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.leaving.Store(true)
	defer o.leaving.Store(false)

	o.cleanupLocked(ctx)
}

// Close is the process-teardown path: cleanup, then listener disposal.
func (o *Orchestrator) Close(ctx context.Context) {
	o.Cleanup(ctx)
	o.bridge.Close()
}

func (o *Orchestrator) cleanupLocked(ctx context.Context) {
	ctx, span := tracing.TraceSession(ctx, "cleanup", "", "")
	defer span.End()

	start := time.Now()
	o.setPhase(domain.PhaseLeaving)
	o.bridge.Unbind()

	var warnings error

	// capture stops before network teardown so a quick rejoin finds the devices free
	o.mu.Lock()
	tracks := o.tracks
	o.tracks = nil
	o.mu.Unlock()
	for _, track := range tracks.Tracks() {
		if err := track.Close(); err != nil {
			warnings = multierr.Append(warnings, &domain.CleanupWarning{Step: "release " + string(track.Media()), Err: err})
		}
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
	)
	for _, client := range o.pool.All() {
		if !client.State().Live() {
			continue
		}
		wg.Add(1)
		go func(client ports.RelayClient) {
			defer wg.Done()
			if err := o.disconnect(ctx, client); err != nil {
				errMu.Lock()
				warnings = multierr.Append(warnings, &domain.CleanupWarning{Step: "disconnect", Handle: client.Role(), Err: err})
				errMu.Unlock()
			}
		}(client)
	}
	wg.Wait()

	o.bridge.Reset()

	o.mu.Lock()
	prev := o.session
	o.session = nil
	o.phase = domain.PhaseIdle
	o.mu.Unlock()

	all := multierr.Errors(warnings)
	for _, w := range all {
		o.logger.Warnw("cleanup step failed", "error", w)
	}
	o.metrics.RecordCleanup(time.Since(start), len(all))

	if prev != nil {
		o.metrics.SetActiveSession(prev.Role, false)
		o.logger.Infow("left channel",
			"channel", prev.Channel,
			"role", prev.Role,
			"identity", prev.Identity,
		)
		o.publish(ctx, domain.SessionLeft, o.snapshotWith(prev))
	}
}

// disconnect asks client to leave and waits for it to confirm, both bounded.
func (o *Orchestrator) disconnect(ctx context.Context, client ports.RelayClient) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, o.config.DisconnectTimeout)
	defer cancel()
	if err := client.Disconnect(disconnectCtx); err != nil {
		return err
	}

	settleCtx, cancelSettle := context.WithTimeout(ctx, o.config.SettleTimeout)
	defer cancelSettle()
	return client.WaitForState(settleCtx, domain.StateDisconnected)
}

// resetHandle drops a connection left on the handle we are about to reuse.
// Relays reject a connect on a handle that is still transitioning.
func (o *Orchestrator) resetHandle(ctx context.Context, client ports.RelayClient) {
	o.logger.Infow("resetting live handle before join",
		"role", client.Role(),
		"state", client.State(),
	)
	if err := o.disconnect(context.WithoutCancel(ctx), client); err != nil {
		o.logger.Warnw("handle did not settle before join",
			"role", client.Role(),
			"error", &domain.CleanupWarning{Step: "reset", Handle: client.Role(), Err: err},
		)
	}
}

func (o *Orchestrator) fail(ctx context.Context, start time.Time, channel string, role domain.Role, reason domain.JoinReason, err error) error {
	joinErr := &domain.JoinError{Reason: reason, Channel: channel, Role: role, Err: err}
	tracing.RecordError(ctx, joinErr)
	o.logger.Errorw("join failed",
		"channel", channel,
		"role", role,
		"reason", reason,
		"error", err,
	)
	o.cleanupLocked(context.WithoutCancel(ctx))
	o.metrics.RecordJoin(role, reason, time.Since(start))
	return joinErr
}

func (o *Orchestrator) reasonFor(ctx context.Context, fallback domain.JoinReason) domain.JoinReason {
	if ctx.Err() != nil {
		return domain.ReasonCancelled
	}
	return fallback
}

func (o *Orchestrator) acquireReason(ctx context.Context, err error) domain.JoinReason {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return domain.ReasonPermissionDenied
	case errors.Is(err, domain.ErrDeviceBusy):
		return domain.ReasonDeviceBusy
	default:
		return o.reasonFor(ctx, domain.ReasonPublishFailed)
	}
}

func (o *Orchestrator) hasSession() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.session != nil
}

func (o *Orchestrator) anyLive() bool {
	for _, client := range o.pool.All() {
		if client.State().Live() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setPhase(p domain.Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Session returns a copy of the active session.
func (o *Orchestrator) Session() (domain.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.session == nil {
		return domain.Session{}, false
	}
	return *o.session, true
}

func (o *Orchestrator) Phase() domain.Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// LocalTracks returns the host's captures, or nil outside a host session.
func (o *Orchestrator) LocalTracks() *ports.LocalTrackSet {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tracks
}

func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.RLock()
	var session *domain.Session
	if o.session != nil {
		s := *o.session
		session = &s
	}
	snap := domain.Snapshot{
		Session: session,
		Phase:   o.phase,
	}
	if o.tracks != nil {
		snap.HasLocalTracks = true
		if o.tracks.Audio != nil {
			snap.LocalAudioEnabled = o.tracks.Audio.Enabled()
		}
		if o.tracks.Video != nil {
			snap.LocalVideoEnabled = o.tracks.Video.Enabled()
		}
	}
	o.mu.RUnlock()

	snap.Participants = o.bridge.Registry().Views()
	snap.Reconnecting = o.bridge.Reconnecting()
	snap.Degraded = session != nil && o.bridge.Degraded()
	return snap
}

func (o *Orchestrator) snapshotWith(session *domain.Session) domain.Snapshot {
	snap := o.Snapshot()
	s := *session
	snap.Session = &s
	return snap
}

// SetAudioEnabled mutes or unmutes the microphone without releasing it.
func (o *Orchestrator) SetAudioEnabled(enabled bool) error {
	return o.toggle(domain.MediaAudio, enabled)
}

// SetVideoEnabled turns the camera on or off without releasing it.
func (o *Orchestrator) SetVideoEnabled(enabled bool) error {
	return o.toggle(domain.MediaVideo, enabled)
}

func (o *Orchestrator) toggle(media domain.MediaType, enabled bool) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.tracks == nil {
		return domain.ErrNoLocalTracks
	}
	track := o.tracks.Audio
	if media == domain.MediaVideo {
		track = o.tracks.Video
	}
	if track == nil {
		return domain.ErrNoLocalTracks
	}
	track.SetEnabled(enabled)
	o.logger.Infow("local track toggled", "media", media, "enabled", enabled)
	return nil
}

func (o *Orchestrator) notify(t domain.SessionEventType) {
	o.publish(context.Background(), t, o.Snapshot())
}

func (o *Orchestrator) publish(ctx context.Context, t domain.SessionEventType, snap domain.Snapshot) {
	if o.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, o.config.NotifyTimeout)
	defer cancel()
	if err := o.publisher.PublishSessionEvent(pubCtx, t, snap); err != nil {
		o.logger.Warnw("failed to publish session event", "type", t, "error", err)
	}
}
