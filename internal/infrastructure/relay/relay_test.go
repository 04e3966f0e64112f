package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// fakeRelay is an in-process signaling relay speaking the client's protocol.
type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []Message
	reject   string
	silent   bool
	peers    []*webrtc.PeerConnection

	writeMu sync.Mutex
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()

	// one answerer per socket so repeated offers renegotiate the same session
	var peer *webrtc.PeerConnection
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, msg)
		reject, silent := r.reject, r.silent
		r.mu.Unlock()

		if silent {
			continue
		}

		switch msg.Type {
		case TypeJoin:
			if reject != "" {
				r.write(conn, Message{Type: TypeError, ID: msg.ID, Error: reject})
				continue
			}
			r.write(conn, Message{Type: TypeAck, ID: msg.ID})
		case TypeSubscribe:
			r.write(conn, Message{Type: TypeAck, ID: msg.ID, TrackID: "remote-" + msg.Identity + "-" + msg.Media})
		case TypeUnsubscribe:
			r.write(conn, Message{Type: TypeAck, ID: msg.ID})
		case TypePublish:
			sdp, err := r.answer(&peer, msg.SDP)
			if err != nil {
				r.write(conn, Message{Type: TypeError, ID: msg.ID, Error: err.Error()})
				continue
			}
			r.write(conn, Message{Type: TypeAnswer, ID: msg.ID, SDP: sdp})
		}
	}
}

func (r *fakeRelay) answer(peer **webrtc.PeerConnection, offer string) (string, error) {
	if *peer == nil {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.peers = append(r.peers, pc)
		r.mu.Unlock()
		*peer = pc
	}
	pc := *peer

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (r *fakeRelay) write(conn *websocket.Conn, msg Message) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}

// push sends an unsolicited message on the newest connection.
func (r *fakeRelay) push(msg Message) {
	r.mu.Lock()
	conn := r.conns[len(r.conns)-1]
	r.mu.Unlock()
	r.write(conn, msg)
}

// drop closes every accepted socket without a close frame.
func (r *fakeRelay) drop() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.UnderlyingConn().Close()
	}
}

func (r *fakeRelay) setReject(reason string) {
	r.mu.Lock()
	r.reject = reason
	r.mu.Unlock()
}

func (r *fakeRelay) setSilent(silent bool) {
	r.mu.Lock()
	r.silent = silent
	r.mu.Unlock()
}

func (r *fakeRelay) messages(msgType string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.received {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (r *fakeRelay) close() {
	r.drop()
	r.server.Close()
	r.mu.Lock()
	peers := r.peers
	r.mu.Unlock()
	for _, pc := range peers {
		_ = pc.Close()
	}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		AppID:          "app-test",
		Mode:           "live",
		Codec:          "vp8",
		RequestTimeout: time.Second,
		WriteTimeout:   time.Second,
		Dial: retry.Config{
			Enabled:      true,
			MaxAttempts:  2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   2.0,
		},
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

// eventRecorder collects relay callbacks.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.RelayEvent
}

func (e *eventRecorder) record(ev domain.RelayEvent) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventRecorder) states() []domain.ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ConnectionState
	for _, ev := range e.events {
		if ev.Type == domain.EventConnectionState {
			out = append(out, ev.Current)
		}
	}
	return out
}

func (e *eventRecorder) ofType(t domain.RelayEventType) []domain.RelayEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.RelayEvent
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestClient(t *testing.T, role domain.Role, cfg Config) (*Client, *eventRecorder) {
	t.Helper()
	c := NewClient(role, cfg, zap.NewNop().Sugar())
	rec := &eventRecorder{}
	c.OnEvent(rec.record)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c, rec
}
