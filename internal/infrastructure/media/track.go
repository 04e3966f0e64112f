package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var ErrTrackClosed = errors.New("local track closed")

// LocalTrack is a capture bound to an exclusive device lease. Disabling it keeps
// the lease and the published sender; packets are simply not forwarded.
type LocalTrack struct {
	id    string
	media domain.MediaType
	track *webrtc.TrackLocalStaticRTP

	enabled atomic.Bool
	closed  atomic.Bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64

	release   func()
	closeOnce sync.Once
}

var _ ports.LocalTrack = (*LocalTrack)(nil)

func newLocalTrack(media domain.MediaType, track *webrtc.TrackLocalStaticRTP, release func()) *LocalTrack {
	t := &LocalTrack{
		id:      track.ID(),
		media:   media,
		track:   track,
		release: release,
	}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string {
	return t.id
}

func (t *LocalTrack) Media() domain.MediaType {
	return t.media
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Closed() bool {
	return t.closed.Load()
}

func (t *LocalTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}

// Codec returns the fixed codec the track was created with.
func (t *LocalTrack) Codec() webrtc.RTPCodecCapability {
	return t.track.Codec()
}

// WriteRTP forwards a captured packet to every bound sender while the track is enabled.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}
	if err := t.track.WriteRTP(pkt); err != nil {
		return err
	}
	t.forwarded.Add(1)
	return nil
}

// Stats returns forwarded and dropped packet counts.
func (t *LocalTrack) Stats() (forwarded, dropped uint64) {
	return t.forwarded.Load(), t.dropped.Load()
}

// Close releases the capture device. Further calls are no-ops.
func (t *LocalTrack) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.enabled.Store(false)
		if t.release != nil {
			t.release()
		}
	})
	return nil
}
