package domain

import "time"

// RelayEventType names a lifecycle callback delivered by a relay client.
type RelayEventType string

const (
	EventUserPublished   RelayEventType = "user-published"
	EventUserUnpublished RelayEventType = "user-unpublished"
	EventUserLeft        RelayEventType = "user-left"
	EventConnectionState RelayEventType = "connection-state-change"
)

// RelayEvent is a typed relay callback. Identity and Media are set for user events;
// Current and Previous for connection state changes.
type RelayEvent struct {
	Type     RelayEventType
	Source   Role
	Identity string
	Media    MediaType
	Current  ConnectionState
	Previous ConnectionState
	At       time.Time
}

// SessionEventType names a lifecycle notification published to external observers.
type SessionEventType string

const (
	SessionJoined       SessionEventType = "session.joined"
	SessionLeft         SessionEventType = "session.left"
	SessionReconnecting SessionEventType = "session.reconnecting"
	SessionRecovered    SessionEventType = "session.recovered"
	SessionDegraded     SessionEventType = "session.degraded"
	ParticipantUpdated  SessionEventType = "participant.updated"
)
