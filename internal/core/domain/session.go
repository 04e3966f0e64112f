package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleHost     Role = "host"
	RoleAudience Role = "audience"
)

// ParseRole accepts "host" or "audience" in any case.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleHost:
		return RoleHost, true
	case RoleAudience:
		return RoleAudience, true
	default:
		return "", false
	}
}

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleAudience
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Live reports whether a handle in this state holds (or is acquiring) a relay connection.
func (s ConnectionState) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// Phase is the orchestrator's lifecycle position.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseJoining Phase = "joining"
	PhaseActive  Phase = "active"
	PhaseLeaving Phase = "leaving"
)

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

func (m MediaType) Valid() bool {
	return m == MediaAudio || m == MediaVideo
}

// Session is the currently joined channel. Callers only ever receive copies.
type Session struct {
	Channel  string    `json:"channel"`
	Identity string    `json:"identity"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// RemoteTrack is a subscribed media handle of a remote participant.
type RemoteTrack struct {
	Identity string    `json:"identity"`
	Media    MediaType `json:"media"`
	TrackID  string    `json:"track_id"`
}

type RemoteParticipant struct {
	Identity string
	Audio    *RemoteTrack
	Video    *RemoteTrack
}

// Track returns the handle for media, or nil.
func (p *RemoteParticipant) Track(media MediaType) *RemoteTrack {
	switch media {
	case MediaAudio:
		return p.Audio
	case MediaVideo:
		return p.Video
	}
	return nil
}

func (p *RemoteParticipant) set(media MediaType, t *RemoteTrack) {
	switch media {
	case MediaAudio:
		p.Audio = t
	case MediaVideo:
		p.Video = t
	}
}

// WithTrack returns a copy of p with media set to t (nil clears it).
func (p RemoteParticipant) WithTrack(media MediaType, t *RemoteTrack) RemoteParticipant {
	p.set(media, t)
	return p
}

// IsHost reports whether the identity was generated for a host join.
func (p RemoteParticipant) IsHost() bool {
	return strings.HasPrefix(p.Identity, string(RoleHost)+"-")
}

// ParticipantView is the read-only projection exposed to collaborators.
type ParticipantView struct {
	Identity string `json:"identity"`
	Label    string `json:"label"`
	HasAudio bool   `json:"has_audio"`
	HasVideo bool   `json:"has_video"`
}

func (p RemoteParticipant) View() ParticipantView {
	label := "Client"
	if p.IsHost() {
		label = "Developer"
	}
	return ParticipantView{
		Identity: p.Identity,
		Label:    label,
		HasAudio: p.Audio != nil,
		HasVideo: p.Video != nil,
	}
}

// Snapshot is the observable session state.
type Snapshot struct {
	Session           *Session          `json:"session"`
	Phase             Phase             `json:"phase"`
	Participants      []ParticipantView `json:"participants"`
	Reconnecting      bool              `json:"reconnecting"`
	Degraded          bool              `json:"degraded"`
	HasLocalTracks    bool              `json:"has_local_tracks"`
	LocalAudioEnabled bool              `json:"local_audio_enabled"`
	LocalVideoEnabled bool              `json:"local_video_enabled"`
}
