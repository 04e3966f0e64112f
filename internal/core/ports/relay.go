package ports

import (
	"context"

	"callrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// RelayClient is one long-lived handle to the signaling/media relay.
// Implementations must be safe for concurrent use.
type RelayClient interface {
	Role() domain.Role
	State() domain.ConnectionState

	Connect(ctx context.Context, channel, token, identity string) error
	Disconnect(ctx context.Context) error
	// WaitForState blocks until the handle reports one of states or ctx ends.
	WaitForState(ctx context.Context, states ...domain.ConnectionState) error

	Publish(ctx context.Context, tracks ...LocalTrack) error
	Subscribe(ctx context.Context, identity string, media domain.MediaType) (*domain.RemoteTrack, error)
	Unsubscribe(ctx context.Context, identity string, media domain.MediaType) error

	// OnEvent registers fn for lifecycle callbacks and returns its disposer.
	OnEvent(fn func(domain.RelayEvent)) (dispose func())
}

// ClientPool holds exactly one RelayClient per role.
type ClientPool interface {
	For(role domain.Role) RelayClient
	All() []RelayClient
}

// LocalTrack is a local capture that can be published.
type LocalTrack interface {
	ID() string
	Media() domain.MediaType
	Enabled() bool
	SetEnabled(enabled bool)
	Close() error
	TrackLocal() webrtc.TrackLocal
}

// LocalTrackSet holds the host's captures for one session.
type LocalTrackSet struct {
	Audio LocalTrack
	Video LocalTrack
}

// Tracks returns the non-nil captures, audio first.
func (s *LocalTrackSet) Tracks() []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// TrackAcquirer obtains microphone and camera captures with fixed encoder settings.
type TrackAcquirer interface {
	Acquire(ctx context.Context) (*LocalTrackSet, error)
}
