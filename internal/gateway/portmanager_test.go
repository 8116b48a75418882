package gateway

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProber struct {
	listening map[int]bool
	err       error
}

func (f *fakeProber) IsListening(port int) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.listening[port], nil
}

func newTestPortManager(t *testing.T, ports ...int) *PortManager {
	t.Helper()
	if len(ports) == 0 {
		ports = []int{8443}
	}
	return NewPortManager(ports, "127.0.0.1", 1000, &fakeProber{}, zap.NewNop())
}

func TestIsConnectionAllowed(t *testing.T) {
	pm := newTestPortManager(t, 8443)

	tests := []struct {
		name     string
		sourceIP string
		port     int
		want     bool
	}{
		{"allowed port", "10.0.0.1", 8443, true},
		{"allowed port different ip", "203.0.113.7", 8443, true},
		{"blocked http", "10.0.0.1", 80, false},
		{"blocked ssh", "10.0.0.1", 22, false},
		{"blocked high port", "10.0.0.1", 65535, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pm.IsConnectionAllowed(tt.sourceIP, tt.port))
		})
	}
}

func TestRingBufferEviction(t *testing.T) {
	pm := newTestPortManager(t)

	// 1001 inserts into a 1000-slot buffer must evict exactly the first.
	for i := 1; i <= 1001; i++ {
		pm.LogConnectionAttempt(ConnectionAttempt{
			SourceIP:   fmt.Sprintf("10.0.0.%d", i%250),
			TargetPort: 8443,
			Protocol:   "tcp",
			Action:     ActionAllowed,
			Reason:     "",
			ID:         fmt.Sprintf("attempt-%d", i),
		})
	}

	log := pm.ConnectionLog(0)
	require.Len(t, log, 1000)
	assert.Equal(t, "attempt-2", log[0].ID)
	assert.Equal(t, "attempt-1001", log[999].ID)
}

func TestConnectionLogLimit(t *testing.T) {
	pm := newTestPortManager(t)

	for i := 1; i <= 5; i++ {
		pm.LogConnectionAttempt(ConnectionAttempt{ID: fmt.Sprintf("a%d", i), Action: ActionAllowed})
	}

	log := pm.ConnectionLog(2)
	require.Len(t, log, 2)
	assert.Equal(t, "a4", log[0].ID)
	assert.Equal(t, "a5", log[1].ID)

	// Over-large limit returns everything.
	assert.Len(t, pm.ConnectionLog(100), 5)
}

func TestStatsEmptyBuffer(t *testing.T) {
	pm := newTestPortManager(t)

	stats := pm.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.Allowed)
	assert.Equal(t, 0, stats.Blocked)
	assert.Equal(t, 0, stats.RecentBlocked)
	assert.Empty(t, stats.TopBlockedIPs)
}

func TestStatsAggregation(t *testing.T) {
	pm := newTestPortManager(t)

	for i := 0; i < 3; i++ {
		pm.LogConnectionAttempt(ConnectionAttempt{SourceIP: "10.0.0.1", Action: ActionAllowed, Protocol: "tcp"})
	}
	for i := 0; i < 4; i++ {
		pm.LogConnectionAttempt(ConnectionAttempt{SourceIP: "10.0.0.2", Action: ActionBlocked, Reason: "no", Protocol: "tcp"})
	}
	for i := 0; i < 2; i++ {
		pm.LogConnectionAttempt(ConnectionAttempt{SourceIP: "10.0.0.3", Action: ActionBlocked, Reason: "no", Protocol: "udp"})
	}
	// Old blocked attempt outside the 1h recent window.
	pm.LogConnectionAttempt(ConnectionAttempt{
		SourceIP:  "10.0.0.4",
		Action:    ActionBlocked,
		Reason:    "no",
		Timestamp: time.Now().Add(-2 * time.Hour),
	})

	stats := pm.Stats()
	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 3, stats.Allowed)
	assert.Equal(t, 7, stats.Blocked)
	assert.Equal(t, 6, stats.RecentBlocked)

	require.NotEmpty(t, stats.TopBlockedIPs)
	assert.Equal(t, "10.0.0.2", stats.TopBlockedIPs[0].IP)
	assert.Equal(t, 4, stats.TopBlockedIPs[0].Count)
}

func TestStatsTopBlockedStableTieBreak(t *testing.T) {
	pm := newTestPortManager(t)

	// Equal counts: first-seen order must win, repeatably.
	pm.LogConnectionAttempt(ConnectionAttempt{SourceIP: "10.0.0.9", Action: ActionBlocked, Reason: "no"})
	pm.LogConnectionAttempt(ConnectionAttempt{SourceIP: "10.0.0.1", Action: ActionBlocked, Reason: "no"})
	pm.LogConnectionAttempt(ConnectionAttempt{SourceIP: "10.0.0.5", Action: ActionBlocked, Reason: "no"})

	for i := 0; i < 5; i++ {
		stats := pm.Stats()
		require.Len(t, stats.TopBlockedIPs, 3)
		assert.Equal(t, "10.0.0.9", stats.TopBlockedIPs[0].IP)
		assert.Equal(t, "10.0.0.1", stats.TopBlockedIPs[1].IP)
		assert.Equal(t, "10.0.0.5", stats.TopBlockedIPs[2].IP)
	}
}

func TestPortStatuses(t *testing.T) {
	prober := &fakeProber{listening: map[int]bool{8443: true}}
	pm := NewPortManager([]int{8443, 9000}, "127.0.0.1", 100, prober, zap.NewNop())

	statuses := pm.PortStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, 8443, statuses[0].Port)
	assert.Equal(t, "open", statuses[0].Status)
	assert.Equal(t, "https-alt", statuses[0].Service)
	assert.Equal(t, "closed", statuses[1].Status)
}

func TestPortStatusesProbeFailure(t *testing.T) {
	prober := &fakeProber{err: fmt.Errorf("probe unavailable")}
	pm := NewPortManager([]int{8443}, "127.0.0.1", 100, prober, zap.NewNop())

	// A failed probe reports closed rather than erroring.
	statuses := pm.PortStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "closed", statuses[0].Status)
}

func TestClearOldLogs(t *testing.T) {
	pm := newTestPortManager(t)

	pm.LogConnectionAttempt(ConnectionAttempt{ID: "old", Action: ActionAllowed, Timestamp: time.Now().Add(-48 * time.Hour)})
	pm.LogConnectionAttempt(ConnectionAttempt{ID: "fresh", Action: ActionAllowed})

	removed := pm.ClearOldLogs(24 * time.Hour)
	assert.Equal(t, 1, removed)

	log := pm.ConnectionLog(0)
	require.Len(t, log, 1)
	assert.Equal(t, "fresh", log[0].ID)

	// Buffer keeps working after the compaction.
	pm.LogConnectionAttempt(ConnectionAttempt{ID: "next", Action: ActionAllowed})
	assert.Len(t, pm.ConnectionLog(0), 2)
}
