package monitoring

import (
	"context"
	"fmt"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSessionCheck reports unhealthy while the active session has lost its relay
// connection for good.
func (h *HealthChecker) AddSessionCheck(sessions ports.SessionManager) {
	h.AddCheck("session", func(ctx context.Context) (bool, error) {
		snap := sessions.Snapshot()
		if snap.Degraded && snap.Session != nil {
			return false, fmt.Errorf("relay connection lost for %s", snap.Session.Identity)
		}
		return true, nil
	}, 0)
}

// AddRelayCheck flags a handle stuck in a live state while no session uses it.
func (h *HealthChecker) AddRelayCheck(pool ports.ClientPool, sessions ports.SessionManager) {
	h.AddCheck("relay", func(ctx context.Context) (bool, error) {
		snap := sessions.Snapshot()
		if snap.Phase != domain.PhaseIdle {
			return true, nil
		}
		for _, client := range pool.All() {
			if client.State().Live() {
				return false, fmt.Errorf("%s handle is %s without a session", client.Role(), client.State())
			}
		}
		return true, nil
	}, 0)
}
