package media

import (
	"context"
	"fmt"
	"sync"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// AudioEncoderConfig fixes the microphone encoder; nothing is negotiated at runtime.
type AudioEncoderConfig struct {
	SampleRate       uint32 `yaml:"sample_rate"`
	Channels         uint16 `yaml:"channels"`
	BitrateKbps      int    `yaml:"bitrate_kbps"`
	EchoCancellation bool   `yaml:"echo_cancellation"`
	NoiseSuppression bool   `yaml:"noise_suppression"`
	AutoGainControl  bool   `yaml:"auto_gain_control"`
}

// VideoEncoderConfig fixes the camera encoder.
type VideoEncoderConfig struct {
	Width          int    `yaml:"width"`
	Height         int    `yaml:"height"`
	FrameRate      int    `yaml:"frame_rate"`
	MinBitrateKbps int    `yaml:"min_bitrate_kbps"`
	MaxBitrateKbps int    `yaml:"max_bitrate_kbps"`
	Optimization   string `yaml:"optimization"`
}

type Config struct {
	AllowCapture bool               `yaml:"allow_capture"`
	StreamID     string             `yaml:"stream_id"`
	// VideoCodec follows the relay channel profile: "vp8" or "h264".
	VideoCodec   string             `yaml:"video_codec"`
	Audio        AudioEncoderConfig `yaml:"audio"`
	Video        VideoEncoderConfig `yaml:"video"`
}

// DefaultConfig mirrors the "high_quality" microphone and 360p camera presets.
func DefaultConfig() Config {
	return Config{
		AllowCapture: true,
		StreamID:     "callrelay",
		VideoCodec:   "vp8",
		Audio: AudioEncoderConfig{
			SampleRate:       48000,
			Channels:         2,
			BitrateKbps:      128,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: VideoEncoderConfig{
			Width:          640,
			Height:         360,
			FrameRate:      30,
			MinBitrateKbps: 400,
			MaxBitrateKbps: 1000,
			Optimization:   "detail",
		},
	}
}

// Acquirer hands out microphone and camera captures. Each device can be held by
// one capture at a time; a capture must be closed before the device is reusable.
type Acquirer struct {
	config Config

	mu     sync.Mutex
	leased map[domain.MediaType]string

	logger *zap.SugaredLogger
}

var _ ports.TrackAcquirer = (*Acquirer)(nil)

func NewAcquirer(config Config, logger *zap.SugaredLogger) *Acquirer {
	return &Acquirer{
		config: config,
		leased: make(map[domain.MediaType]string),
		logger: logger,
	}
}

func (a *Acquirer) Acquire(ctx context.Context) (*ports.LocalTrackSet, error) {
	if !a.config.AllowCapture {
		return nil, domain.ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audio, err := a.open(domain.MediaAudio)
	if err != nil {
		return nil, err
	}
	video, err := a.open(domain.MediaVideo)
	if err != nil {
		_ = audio.Close()
		return nil, err
	}

	a.logger.Infow("local tracks acquired",
		"audio_track", audio.ID(),
		"video_track", video.ID(),
		"audio_bitrate_kbps", a.config.Audio.BitrateKbps,
		"video_resolution", fmt.Sprintf("%dx%d@%d", a.config.Video.Width, a.config.Video.Height, a.config.Video.FrameRate),
	)

	return &ports.LocalTrackSet{Audio: audio, Video: video}, nil
}

// Leased reports whether media's device is currently held by a capture.
func (a *Acquirer) Leased(media domain.MediaType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.leased[media]
	return ok
}

func (a *Acquirer) open(media domain.MediaType) (*LocalTrack, error) {
	id := fmt.Sprintf("%s-%s", media, uuid.NewString())

	a.mu.Lock()
	if holder, busy := a.leased[media]; busy {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s held by %s: %w", media, holder, domain.ErrDeviceBusy)
	}
	a.leased[media] = id
	a.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(a.codecFor(media), id, a.config.StreamID)
	if err != nil {
		a.releaseLease(media, id)
		return nil, fmt.Errorf("failed to create %s track: %w", media, err)
	}

	return newLocalTrack(media, track, func() {
		a.releaseLease(media, id)
		a.logger.Debugw("capture released", "media", media, "track", id)
	}), nil
}

func (a *Acquirer) releaseLease(media domain.MediaType, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leased[media] == id {
		delete(a.leased, media)
	}
}

func (a *Acquirer) codecFor(media domain.MediaType) webrtc.RTPCodecCapability {
	if media == domain.MediaAudio {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   a.config.Audio.SampleRate,
			Channels:    a.config.Audio.Channels,
			SDPFmtpLine: fmt.Sprintf("minptime=10;useinbandfec=1;maxaveragebitrate=%d", a.config.Audio.BitrateKbps*1000),
		}
	}
	if a.config.VideoCodec == "h264" {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}
	}
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
		SDPFmtpLine: fmt.Sprintf("max-fr=%d;max-fs=%d",
			a.config.Video.FrameRate,
			(a.config.Video.Width/16)*(a.config.Video.Height/16),
		),
	}
}
