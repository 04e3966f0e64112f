package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"
	"callrelay/pkg/retry"
	"callrelay/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrAlreadyConnected = errors.New("relay client already connected")
	ErrConnectionLost   = errors.New("relay connection lost")
	ErrRejected         = errors.New("relay rejected request")
)

// Config is shared by both handles of a pool.
type Config struct {
	URL   string
	AppID string
	// Mode and Codec form the channel profile announced on join.
	Mode  string
	Codec string

	ICEServers []webrtc.ICEServer
	ICEPortMin uint16
	ICEPortMax uint16

	RequestTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration

	Dial              retry.Config
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:7880/rtc",
		Mode:              "live",
		Codec:             "vp8",
		ICEServers:        []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		RequestTimeout:    5 * time.Second,
		PingInterval:      15 * time.Second,
		WriteTimeout:      5 * time.Second,
		Dial:              retry.DefaultConfig(),
		ReconnectAttempts: 5,
		ReconnectDelay:    500 * time.Millisecond,
	}
}

type pendingRequest struct {
	conn  *websocket.Conn
	reply chan Message
}

// Client is one relay handle: a websocket signaling session plus, once
// something is published, a send-only peer connection.
type Client struct {
	role   domain.Role
	config Config
	dialer *websocket.Dialer

	mu           sync.Mutex
	state        domain.ConnectionState
	stateChanged chan struct{}
	// gen is bumped by Connect and Disconnect; background work started for an
	// older generation must not touch the handle.
	gen      uint64
	conn     *websocket.Conn
	readDone chan struct{}
	channel  string
	token    string
	identity string

	pc        *webrtc.PeerConnection
	published map[string]*webrtc.RTPSender
	pending   map[string]pendingRequest

	stopReconnect context.CancelFunc
	reconnectDone chan struct{}

	writeMu sync.Mutex

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(domain.RelayEvent)
	nextListener uint64

	logger *zap.SugaredLogger
}

var _ ports.RelayClient = (*Client)(nil)

func NewClient(role domain.Role, config Config, logger *zap.SugaredLogger) *Client {
	return &Client{
		role:   role,
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.RequestTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		state:        domain.StateDisconnected,
		stateChanged: make(chan struct{}),
		published:    make(map[string]*webrtc.RTPSender),
		pending:      make(map[string]pendingRequest),
		listeners:    make(map[uint64]func(domain.RelayEvent)),
		logger:       logger.With("role", role),
	}
}

func (c *Client) Role() domain.Role {
	return c.role
}

func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) OnEvent(fn func(domain.RelayEvent)) func() {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.listeners, id)
			c.listenersMu.Unlock()
		})
	}
}

func (c *Client) WaitForState(ctx context.Context, states ...domain.ConnectionState) error {
	for {
		c.mu.Lock()
		current, changed := c.state, c.stateChanged
		c.mu.Unlock()

		for _, s := range states {
			if current == s {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v (at %s): %w", states, current, ctx.Err())
		case <-changed:
		}
	}
}

// Connect dials the relay and joins channel. Dial failures are retried with
// backoff until ctx ends; a join rejected by the relay is not retried.
func (c *Client) Connect(ctx context.Context, channel, token, identity string) error {
	c.mu.Lock()
	if c.state != domain.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyConnected, state)
	}
	c.gen++
	gen := c.gen
	c.channel, c.token, c.identity = channel, token, identity
	ev, changed := c.setStateLocked(domain.StateConnecting)
	c.mu.Unlock()
	c.emitIf(ev, changed)

	dial := c.config.Dial
	dial.NonRetryableErrors = []error{ErrRejected, domain.ErrClientClosed}
	dial.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("relay dial failed, retrying",
			"channel", channel,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	}

	if err := retry.Retry(ctx, dial, func() error { return c.establish(ctx, gen) }); err != nil {
		c.abort(gen)
		return fmt.Errorf("connect %s: %w", channel, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return domain.ErrClientClosed
	}
	ev, changed = c.setStateLocked(domain.StateConnected)
	c.mu.Unlock()

	c.logger.Infow("relay connected", "channel", channel, "identity", identity)
	c.emitIf(ev, changed)
	return nil
}

// Disconnect leaves the channel, closes the peer connection and socket and
// waits for background loops to stop. Calling it on an idle handle is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.StateDisconnected && c.conn == nil && c.pc == nil {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	reconnectDone := c.reconnectDone
	c.reconnectDone = nil
	c.mu.Unlock()

	var errs error
	if reconnectDone != nil {
		select {
		case <-reconnectDone:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("reconnect still running: %w", ctx.Err()))
		}
	}

	c.mu.Lock()
	channel, identity := c.channel, c.identity
	conn, readDone, pc := c.detachLocked()
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, Message{Type: TypeLeave, Channel: channel, Identity: identity}); err != nil {
			c.logger.Debugw("leave not delivered", "channel", channel, "error", err)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"),
			time.Now().Add(c.config.WriteTimeout))
		errs = multierr.Append(errs, ignoreClosed(conn.Close()))
	}
	if readDone != nil {
		select {
		case <-readDone:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("read loop still running: %w", ctx.Err()))
		}
	}
	if pc != nil {
		errs = multierr.Append(errs, pc.Close())
	}

	c.mu.Lock()
	ev, changed := c.setStateLocked(domain.StateDisconnected)
	c.mu.Unlock()

	c.logger.Infow("relay disconnected", "channel", channel, "identity", identity)
	c.emitIf(ev, changed)
	return errs
}

// Publish adds tracks to the peer connection and negotiates them with the relay.
// Tracks already published are skipped.
func (c *Client) Publish(ctx context.Context, tracks ...ports.LocalTrack) error {
	ctx, span := tracing.TraceRelay(ctx, "publish", string(c.role))
	defer span.End()

	if c.role == domain.RoleAudience {
		tracing.RecordError(ctx, domain.ErrNotPublisher)
		return domain.ErrNotPublisher
	}

	c.mu.Lock()
	if c.state != domain.StateConnected {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	pc, err := c.peerConnectionLocked()
	if err != nil {
		c.mu.Unlock()
		tracing.RecordError(ctx, err)
		return err
	}
	for _, t := range tracks {
		if _, ok := c.published[t.ID()]; ok {
			continue
		}
		sender, err := pc.AddTrack(t.TrackLocal())
		if err != nil {
			c.mu.Unlock()
			tracing.RecordError(ctx, err)
			return fmt.Errorf("add %s track: %w", t.Media(), err)
		}
		c.published[t.ID()] = sender
		go c.readSenderRTCP(sender, t.ID(), t.Media())
	}
	channel := c.channel
	c.mu.Unlock()

	if err := c.renegotiate(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("publish: %w", err)
	}

	c.logger.Infow("tracks published", "channel", channel, "tracks", len(tracks))
	return nil
}

func (c *Client) Subscribe(ctx context.Context, identity string, media domain.MediaType) (*domain.RemoteTrack, error) {
	if !media.Valid() {
		return nil, fmt.Errorf("unknown media %q", media)
	}
	if c.State() != domain.StateConnected {
		return nil, domain.ErrNotConnected
	}

	ctx, span := tracing.TraceRelay(ctx, "subscribe", string(c.role))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.IdentityKey.String(identity), tracing.MediaKey.String(string(media)))

	reply, err := c.request(ctx, Message{Type: TypeSubscribe, Identity: identity, Media: string(media)})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	trackID := reply.TrackID
	if trackID == "" {
		trackID = fmt.Sprintf("%s-%s", identity, media)
	}
	return &domain.RemoteTrack{Identity: identity, Media: media, TrackID: trackID}, nil
}

func (c *Client) Unsubscribe(ctx context.Context, identity string, media domain.MediaType) error {
	if c.State() != domain.StateConnected {
		return domain.ErrNotConnected
	}
	_, err := c.request(ctx, Message{Type: TypeUnsubscribe, Identity: identity, Media: string(media)})
	return err
}

// establish dials one socket, starts its loops and sends join.
func (c *Client) establish(ctx context.Context, gen uint64) error {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrClientClosed
	}
	done := make(chan struct{})
	c.conn, c.readDone = conn, done
	join := Message{
		Type:     TypeJoin,
		Channel:  c.channel,
		Identity: c.identity,
		Token:    c.token,
		Role:     string(c.role),
		AppID:    c.config.AppID,
		Mode:     c.config.Mode,
		Codec:    c.config.Codec,
	}
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.keepalive(conn, done)

	if _, err := c.request(ctx, join); err != nil {
		c.dropConn(conn)
		return err
	}
	return nil
}

func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	if _, ok := ctx.Deadline(); !ok && c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	msg.ID = uuid.NewString()
	reply := make(chan Message, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Message{}, domain.ErrNotConnected
	}
	c.pending[msg.ID] = pendingRequest{conn: conn, reply: reply}
	c.mu.Unlock()

	if err := c.write(conn, msg); err != nil {
		c.forget(msg.ID)
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case <-ctx.Done():
		c.forget(msg.ID)
		return Message{}, fmt.Errorf("%s: %w", msg.Type, ctx.Err())
	case resp, ok := <-reply:
		if !ok {
			return Message{}, fmt.Errorf("%s: %w", msg.Type, ErrConnectionLost)
		}
		if resp.Type == TypeError {
			return resp, fmt.Errorf("%s: %w: %s", msg.Type, ErrRejected, resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return conn.WriteJSON(msg)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	readTimeout := 3 * c.config.PingInterval
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	var err error
	for {
		var msg Message
		if err = conn.ReadJSON(&msg); err != nil {
			break
		}
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		c.handle(msg)
	}

	c.failPending(conn)
	close(done)
	c.connectionLost(conn, err)
}

func (c *Client) keepalive(conn *websocket.Conn, done chan struct{}) {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugw("relay ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) handle(msg Message) {
	if msg.isReply() {
		c.mu.Lock()
		p, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			p.reply <- msg
		}
		return
	}

	switch msg.Type {
	case TypeUserPublished, TypeUserUnpublished, TypeUserLeft:
		c.emit(domain.RelayEvent{
			Type:     domain.RelayEventType(msg.Type),
			Source:   c.role,
			Identity: msg.Identity,
			Media:    domain.MediaType(msg.Media),
			At:       time.Now(),
		})
	case TypeCandidate:
		c.addCandidate(msg.Candidate)
	case TypeError:
		c.logger.Warnw("relay error", "error", msg.Error)
	default:
		c.logger.Debugw("unhandled relay message", "type", msg.Type)
	}
}

func (c *Client) failPending(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		if p.conn == conn {
			close(p.reply)
			delete(c.pending, id)
		}
	}
}

// connectionLost moves a connected handle to Reconnecting and starts the
// redial loop. Sockets closed on purpose are ignored.
func (c *Client) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state != domain.StateConnected {
		c.mu.Unlock()
		return
	}
	c.conn, c.readDone = nil, nil
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.stopReconnect = cancel
	done := make(chan struct{})
	c.reconnectDone = done
	channel := c.channel
	ev, changed := c.setStateLocked(domain.StateReconnecting)
	c.mu.Unlock()

	c.logger.Warnw("relay connection lost, reconnecting", "channel", channel, "error", cause)
	c.emitIf(ev, changed)

	go c.reconnect(ctx, gen, done)
}

func (c *Client) reconnect(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	attempts := c.config.ReconnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	cfg := retry.Config{
		Enabled:            true,
		MaxAttempts:        attempts - 1,
		InitialDelay:       c.config.ReconnectDelay,
		MaxDelay:           10 * c.config.ReconnectDelay,
		Multiplier:         2.0,
		Jitter:             true,
		NonRetryableErrors: []error{ErrRejected, domain.ErrClientClosed},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warnw("relay reconnect attempt failed", "attempt", attempt+1, "delay", delay, "error", err)
		},
	}

	err := retry.Retry(ctx, cfg, func() error {
		if err := c.establish(ctx, gen); err != nil {
			return err
		}
		// the relay forgets publications with the socket
		if err := c.renegotiate(ctx); err != nil {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				c.dropConn(conn)
			}
			return err
		}
		return nil
	})

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.stopReconnect, c.reconnectDone = nil, nil
	channel := c.channel
	if err != nil {
		conn, _, pc := c.detachLocked()
		ev, changed := c.setStateLocked(domain.StateDisconnected)
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
		c.logger.Errorw("relay reconnect failed", "channel", channel, "error", err)
		c.emitIf(ev, changed)
		return
	}
	ev, changed := c.setStateLocked(domain.StateConnected)
	c.mu.Unlock()

	c.logger.Infow("relay reconnected", "channel", channel)
	c.emitIf(ev, changed)
}

// abort tears down a failed Connect unless Disconnect already took over.
func (c *Client) abort(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conn, _, pc := c.detachLocked()
	ev, changed := c.setStateLocked(domain.StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	c.emitIf(ev, changed)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn, c.readDone = nil, nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) detachLocked() (*websocket.Conn, chan struct{}, *webrtc.PeerConnection) {
	conn, done, pc := c.conn, c.readDone, c.pc
	c.conn, c.readDone, c.pc = nil, nil, nil
	c.published = make(map[string]*webrtc.RTPSender)
	return conn, done, pc
}

func (c *Client) peerConnectionLocked() (*webrtc.PeerConnection, error) {
	if c.pc != nil {
		return c.pc, nil
	}

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	settings := webrtc.SettingEngine{}
	if c.config.ICEPortMin > 0 && c.config.ICEPortMax > 0 {
		if err := settings.SetEphemeralUDPPortRange(c.config.ICEPortMin, c.config.ICEPortMax); err != nil {
			return nil, fmt.Errorf("invalid ice port range: %w", err)
		}
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   c.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		c.sendCandidate(candidate.ToJSON().Candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Infow("media connection state changed", "state", state.String())
	})

	c.pc = pc
	return pc, nil
}

// renegotiate sends a fresh offer covering every published track. It is a
// no-op while nothing is published.
func (c *Client) renegotiate(ctx context.Context) error {
	c.mu.Lock()
	pc := c.pc
	published := len(c.published)
	channel, identity := c.channel, c.identity
	c.mu.Unlock()

	if pc == nil || published == 0 {
		return nil
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	reply, err := c.request(ctx, Message{Type: TypePublish, Channel: channel, Identity: identity, SDP: offer.SDP})
	if err != nil {
		return err
	}
	if reply.SDP == "" {
		return fmt.Errorf("%w: answer without sdp", ErrRejected)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: reply.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *Client) sendCandidate(candidate string) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, Message{Type: TypeCandidate, Candidate: candidate}); err != nil {
		c.logger.Debugw("candidate not delivered", "error", err)
	}
}

func (c *Client) addCandidate(candidate string) {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil || candidate == "" {
		return
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		c.logger.Debugw("remote candidate rejected", "error", err)
	}
}

// readSenderRTCP drains RTCP feedback for a published track until the sender stops.
func (c *Client) readSenderRTCP(sender *webrtc.RTPSender, trackID string, media domain.MediaType) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				c.logger.Debugw("keyframe requested", "track", trackID, "media", media)
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				c.logger.Debugw("bandwidth estimate", "track", trackID, "bitrate", p.Bitrate)
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					c.logger.Debugw("receiver report",
						"track", trackID,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func (c *Client) setStateLocked(next domain.ConnectionState) (domain.RelayEvent, bool) {
	prev := c.state
	if prev == next {
		return domain.RelayEvent{}, false
	}
	c.state = next
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	return domain.RelayEvent{
		Type:     domain.EventConnectionState,
		Source:   c.role,
		Current:  next,
		Previous: prev,
		At:       time.Now(),
	}, true
}

func (c *Client) emitIf(ev domain.RelayEvent, ok bool) {
	if ok {
		c.emit(ev)
	}
}

func (c *Client) emit(ev domain.RelayEvent) {
	c.listenersMu.RLock()
	fns := make([]func(domain.RelayEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
