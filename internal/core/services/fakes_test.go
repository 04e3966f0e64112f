package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/mock"
)

// opLog records calls across fakes so tests can assert ordering.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) index(op string) int {
	for i, o := range l.all() {
		if o == op {
			return i
		}
	}
	return -1
}

type connectCall struct {
	Channel  string
	Token    string
	Identity string
}

// fakeClient is an in-memory relay handle with the real client's state rules:
// Connect is refused unless the handle is Disconnected.
type fakeClient struct {
	role domain.Role
	log  *opLog

	mu      sync.Mutex
	state   domain.ConnectionState
	changed chan struct{}

	connectErr    error
	connectGate   chan struct{}
	publishErr    error
	disconnectErr error
	// stuck makes Disconnect return without ever reaching Disconnected
	stuck        bool
	subscribeErr map[string]error
	// subscribeGate holds Subscribe until closed; subscribeStarted is signalled on entry
	subscribeGate    chan struct{}
	subscribeStarted chan struct{}

	connects     []connectCall
	published    []ports.LocalTrack
	disconnects  int
	subscribes   []string
	unsubscribes []string

	listenersMu sync.Mutex
	listeners   map[int]func(domain.RelayEvent)
	nextID      int
}

func newFakeClient(role domain.Role, log *opLog) *fakeClient {
	return &fakeClient{
		role:         role,
		log:          log,
		state:        domain.StateDisconnected,
		changed:      make(chan struct{}),
		subscribeErr: make(map[string]error),
		listeners:    make(map[int]func(domain.RelayEvent)),
	}
}

func (c *fakeClient) Role() domain.Role {
	return c.role
}

func (c *fakeClient) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions the handle and delivers the callback like the relay does.
func (c *fakeClient) setState(next domain.ConnectionState) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	c.fire(domain.RelayEvent{Type: domain.EventConnectionState, Current: next, Previous: prev})
}

func (c *fakeClient) Connect(ctx context.Context, channel, token, identity string) error {
	c.mu.Lock()
	if c.state != domain.StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("handle busy (%s)", state)
	}
	c.connects = append(c.connects, connectCall{Channel: channel, Token: token, Identity: identity})
	gate, connectErr := c.connectGate, c.connectErr
	c.mu.Unlock()

	c.log.add("%s:connect:%s", c.role, channel)
	c.setState(domain.StateConnecting)

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			c.setState(domain.StateDisconnected)
			return ctx.Err()
		}
	}
	if connectErr != nil {
		c.setState(domain.StateDisconnected)
		return connectErr
	}
	c.setState(domain.StateConnected)
	return nil
}

func (c *fakeClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnects++
	err, stuck := c.disconnectErr, c.stuck
	c.mu.Unlock()

	c.log.add("%s:disconnect", c.role)
	if err != nil {
		return err
	}
	if !stuck {
		c.setState(domain.StateDisconnected)
	}
	return nil
}

func (c *fakeClient) WaitForState(ctx context.Context, states ...domain.ConnectionState) error {
	for {
		c.mu.Lock()
		current, changed := c.state, c.changed
		c.mu.Unlock()
		for _, s := range states {
			if s == current {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *fakeClient) Publish(ctx context.Context, tracks ...ports.LocalTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateConnected {
		return domain.ErrNotConnected
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, tracks...)
	c.log.add("%s:publish:%d", c.role, len(tracks))
	return nil
}

func (c *fakeClient) Subscribe(ctx context.Context, identity string, media domain.MediaType) (*domain.RemoteTrack, error) {
	key := identity + "/" + string(media)
	c.mu.Lock()
	c.subscribes = append(c.subscribes, key)
	err := c.subscribeErr[key]
	gate, started := c.subscribeGate, c.subscribeStarted
	c.mu.Unlock()
	if gate != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.RemoteTrack{Identity: identity, Media: media, TrackID: identity + "-" + string(media)}, nil
}

func (c *fakeClient) Unsubscribe(ctx context.Context, identity string, media domain.MediaType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, identity+"/"+string(media))
	return nil
}

func (c *fakeClient) OnEvent(fn func(domain.RelayEvent)) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *fakeClient) listenerCount() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners)
}

func (c *fakeClient) fire(ev domain.RelayEvent) {
	ev.Source = c.role
	ev.At = time.Now()
	c.listenersMu.Lock()
	fns := make([]func(domain.RelayEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *fakeClient) connectCalls() []connectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]connectCall(nil), c.connects...)
}

type fakePool struct {
	host     *fakeClient
	audience *fakeClient
}

func newFakePool(log *opLog) *fakePool {
	return &fakePool{
		host:     newFakeClient(domain.RoleHost, log),
		audience: newFakeClient(domain.RoleAudience, log),
	}
}

func (p *fakePool) For(role domain.Role) ports.RelayClient {
	if role == domain.RoleAudience {
		return p.audience
	}
	return p.host
}

func (p *fakePool) All() []ports.RelayClient {
	return []ports.RelayClient{p.host, p.audience}
}

type fakeTrack struct {
	id    string
	media domain.MediaType
	log   *opLog

	mu      sync.Mutex
	enabled bool
	closed  int
	release func()
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Media() domain.MediaType { return t.media }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal {
	return nil
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed == 0 {
		t.log.add("track:%s:close", t.media)
		t.enabled = false
		if t.release != nil {
			t.release()
		}
	}
	t.closed++
	return nil
}

func (t *fakeTrack) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeAcquirer models exclusive capture devices: acquiring while a previous
// capture is still open fails with ErrDeviceBusy.
type fakeAcquirer struct {
	log *opLog

	mu       sync.Mutex
	err      error
	held     int
	acquired []*ports.LocalTrackSet
}

func (a *fakeAcquirer) Acquire(ctx context.Context) (*ports.LocalTrackSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if a.held > 0 {
		return nil, domain.ErrDeviceBusy
	}

	n := len(a.acquired)
	release := func() {
		a.mu.Lock()
		a.held--
		a.mu.Unlock()
	}
	set := &ports.LocalTrackSet{
		Audio: &fakeTrack{id: fmt.Sprintf("audio-%d", n), media: domain.MediaAudio, log: a.log, enabled: true, release: release},
		Video: &fakeTrack{id: fmt.Sprintf("video-%d", n), media: domain.MediaVideo, log: a.log, enabled: true, release: release},
	}
	a.held = 2
	a.acquired = append(a.acquired, set)
	a.log.add("acquire")
	return set, nil
}

func (a *fakeAcquirer) last() *ports.LocalTrackSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.acquired) == 0 {
		return nil
	}
	return a.acquired[len(a.acquired)-1]
}

// publishedEvents records lifecycle notifications.
type publishedEvents struct {
	mu     sync.Mutex
	events []domain.SessionEventType
	snaps  []domain.Snapshot
}

func (p *publishedEvents) PublishSessionEvent(ctx context.Context, t domain.SessionEventType, snap domain.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	p.snaps = append(p.snaps, snap)
	return nil
}

func (p *publishedEvents) types() []domain.SessionEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SessionEventType(nil), p.events...)
}

func (p *publishedEvents) count(t domain.SessionEventType) int {
	n := 0
	for _, e := range p.types() {
		if e == t {
			n++
		}
	}
	return n
}

type mockTokenIssuer struct {
	mock.Mock
}

func (m *mockTokenIssuer) Issue(channel, identity string, role domain.Role) (string, error) {
	args := m.Called(channel, identity, role)
	return args.String(0), args.Error(1)
}

var errRelayDown = errors.New("relay unreachable")
