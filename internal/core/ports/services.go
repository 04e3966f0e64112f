package ports

import (
	"context"
	"time"

	"callrelay/internal/core/domain"
)

// SessionManager is the surface external collaborators (UI, HTTP API) drive.
type SessionManager interface {
	Join(ctx context.Context, channel, credential, uid string, role domain.Role) (domain.Session, error)
	Leave(ctx context.Context)
	Cleanup(ctx context.Context)
	Snapshot() domain.Snapshot
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
}

// SessionMetrics receives orchestration measurements.
type SessionMetrics interface {
	RecordJoin(role domain.Role, reason domain.JoinReason, duration time.Duration)
	RecordCleanup(duration time.Duration, warnings int)
	SetActiveSession(role domain.Role, active bool)
	SetRemoteParticipants(n int)
	SetReconnecting(reconnecting bool)
	RecordSubscriptionFailure(media domain.MediaType)
}

// SessionEventPublisher forwards lifecycle notifications to out-of-process observers.
type SessionEventPublisher interface {
	PublishSessionEvent(ctx context.Context, eventType domain.SessionEventType, snapshot domain.Snapshot) error
}

// TokenIssuer mints relay credentials when a join supplies none.
type TokenIssuer interface {
	Issue(channel, identity string, role domain.Role) (string, error)
}
