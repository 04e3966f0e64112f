package services

import (
	"sync"
	"time"

	"callrelay/internal/core/domain"
)

// SessionStats is a point-in-time copy of MetricsService counters.
type SessionStats struct {
	JoinsByReason        map[domain.JoinReason]int `json:"joins_by_reason"`
	SuccessfulJoins      int                       `json:"successful_joins"`
	Cleanups             int                       `json:"cleanups"`
	CleanupWarnings      int                       `json:"cleanup_warnings"`
	SubscriptionFailures int                       `json:"subscription_failures"`
	ActiveRole           domain.Role               `json:"active_role,omitempty"`
	RemoteParticipants   int                       `json:"remote_participants"`
	Reconnecting         bool                      `json:"reconnecting"`
	LastJoinDuration     time.Duration             `json:"last_join_duration"`
	LastCleanupDuration  time.Duration             `json:"last_cleanup_duration"`
}

// MetricsService is the in-process SessionMetrics used when Prometheus is disabled.
type MetricsService struct {
	mu    sync.RWMutex
	stats SessionStats
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		stats: SessionStats{JoinsByReason: make(map[domain.JoinReason]int)},
	}
}

func (m *MetricsService) RecordJoin(role domain.Role, reason domain.JoinReason, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		m.stats.SuccessfulJoins++
	} else {
		m.stats.JoinsByReason[reason]++
	}
	m.stats.LastJoinDuration = duration
}

func (m *MetricsService) RecordCleanup(duration time.Duration, warnings int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Cleanups++
	m.stats.CleanupWarnings += warnings
	m.stats.LastCleanupDuration = duration
}

func (m *MetricsService) SetActiveSession(role domain.Role, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.stats.ActiveRole = role
	} else if m.stats.ActiveRole == role {
		m.stats.ActiveRole = ""
	}
}

func (m *MetricsService) SetRemoteParticipants(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.RemoteParticipants = n
}

func (m *MetricsService) SetReconnecting(reconnecting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Reconnecting = reconnecting
}

func (m *MetricsService) RecordSubscriptionFailure(media domain.MediaType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.SubscriptionFailures++
}

func (m *MetricsService) Stats() SessionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.stats
	out.JoinsByReason = make(map[domain.JoinReason]int, len(m.stats.JoinsByReason))
	for k, v := range m.stats.JoinsByReason {
		out.JoinsByReason[k] = v
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) RecordJoin(domain.Role, domain.JoinReason, time.Duration) {}
func (noopMetrics) RecordCleanup(time.Duration, int)                         {}
func (noopMetrics) SetActiveSession(domain.Role, bool)                       {}
func (noopMetrics) SetRemoteParticipants(int)                                {}
func (noopMetrics) SetReconnecting(bool)                                     {}
func (noopMetrics) RecordSubscriptionFailure(domain.MediaType)               {}
