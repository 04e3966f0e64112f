package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCollector_RecordsJoinsAndCleanups(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewSessionCollector(reg)

	c.RecordJoin(domain.RoleHost, "", 120*time.Millisecond)
	c.RecordJoin(domain.RoleHost, domain.ReasonDeviceBusy, 10*time.Millisecond)
	c.RecordJoin(domain.RoleAudience, "", 80*time.Millisecond)
	c.RecordCleanup(30*time.Millisecond, 2)
	c.RecordSubscriptionFailure(domain.MediaVideo)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.joinsTotal.WithLabelValues("host", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.joinsTotal.WithLabelValues("host", "device_busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.joinsTotal.WithLabelValues("audience", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cleanupWarnings))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.subscriptionFailures.WithLabelValues("video")))

	n, err := testutil.GatherAndCount(reg, "callrelay_join_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSessionCollector_Gauges(t *testing.T) {
	c := NewSessionCollector(prometheus.NewRegistry())

	c.SetActiveSession(domain.RoleAudience, true)
	c.SetRemoteParticipants(3)
	c.SetReconnecting(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeSession.WithLabelValues("audience")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.remoteParticipants))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnecting))

	c.SetActiveSession(domain.RoleAudience, false)
	c.SetReconnecting(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeSession.WithLabelValues("audience")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.reconnecting))
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(ctx context.Context) (bool, error) { return true, nil }, time.Second)
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("down", func(ctx context.Context) (bool, error) { return false, errors.New("boom") }, time.Second)
	h.AddCheck("false", func(ctx context.Context) (bool, error) { return false, nil }, 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "boom", status.Checks["down"])
	assert.Equal(t, "check failed", status.Checks["false"])
}

func TestHealthChecker_TimeoutApplies(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

type stubSessions struct {
	ports.SessionManager
	snap domain.Snapshot
}

func (s *stubSessions) Snapshot() domain.Snapshot { return s.snap }

type stubClient struct {
	ports.RelayClient
	role  domain.Role
	state domain.ConnectionState
}

func (c *stubClient) Role() domain.Role             { return c.role }
func (c *stubClient) State() domain.ConnectionState { return c.state }

type stubPool struct {
	ports.ClientPool
	clients []ports.RelayClient
}

func (p *stubPool) All() []ports.RelayClient { return p.clients }

func TestSessionCheck_DegradedSessionIsUnhealthy(t *testing.T) {
	sessions := &stubSessions{snap: domain.Snapshot{Phase: domain.PhaseIdle, Degraded: true}}
	h := NewHealthChecker()
	h.AddSessionCheck(sessions)

	assert.True(t, h.IsReady(context.Background()), "degraded flag without a session is ignored")

	sessions.snap.Session = &domain.Session{Channel: "room1", Identity: "audience-bob-1"}
	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["session"], "audience-bob-1")
}

func TestRelayCheck_LiveHandleWhileIdle(t *testing.T) {
	host := &stubClient{role: domain.RoleHost, state: domain.StateDisconnected}
	audience := &stubClient{role: domain.RoleAudience, state: domain.StateReconnecting}
	sessions := &stubSessions{snap: domain.Snapshot{Phase: domain.PhaseActive}}

	h := NewHealthChecker()
	h.AddRelayCheck(&stubPool{clients: []ports.RelayClient{host, audience}}, sessions)

	assert.True(t, h.IsReady(context.Background()), "live handles are expected during a session")

	sessions.snap.Phase = domain.PhaseIdle
	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["relay"], "audience handle is RECONNECTING")

	audience.state = domain.StateDisconnected
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_ZeroTimeoutKeepsCallerDeadline(t *testing.T) {
	h := NewHealthChecker()
	var hadDeadline bool
	h.AddCheck("unbounded", func(ctx context.Context) (bool, error) {
		_, hadDeadline = ctx.Deadline()
		return true, nil
	}, 0)

	require.True(t, h.IsReady(context.Background()))
	assert.False(t, hadDeadline)
}
