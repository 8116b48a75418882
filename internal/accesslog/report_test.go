package accesslog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

func seedEntries(t *testing.T, l *Logger, entries []Entry) {
	t.Helper()
	for _, e := range entries {
		l.LogAccess(e)
	}
	require.NoError(t, l.Flush())
}

func TestQueryLogsFilters(t *testing.T) {
	l := newTestLogger(t, Config{})
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	seedEntries(t, l, []Entry{
		{ID: "a", Timestamp: base, SourceIP: "10.0.0.1", Action: gateway.ActionAllowed},
		{ID: "b", Timestamp: base.Add(time.Minute), SourceIP: "10.0.0.2", Action: gateway.ActionBlocked, UserAgent: "nmap"},
		{ID: "c", Timestamp: base.Add(2 * time.Minute), SourceIP: "10.0.0.1", Action: gateway.ActionBlocked, Path: "/admin"},
		{ID: "d", Timestamp: base.Add(3 * time.Minute), SourceIP: "10.0.0.3", Action: gateway.ActionRateLimited},
	})

	byIP, err := l.QueryLogs(Query{SourceIP: "10.0.0.1"})
	require.NoError(t, err)
	require.Len(t, byIP, 2)
	assert.Equal(t, "a", byIP[0].ID)
	assert.Equal(t, "c", byIP[1].ID)

	blocked, err := l.QueryLogs(Query{Action: gateway.ActionBlocked})
	require.NoError(t, err)
	assert.Len(t, blocked, 2)

	// Threat level filters at-least, not exact.
	elevated, err := l.QueryLogs(Query{ThreatLevel: gateway.SeverityMedium})
	require.NoError(t, err)
	assert.Len(t, elevated, 3)

	start := base.Add(90 * time.Second)
	end := base.Add(4 * time.Minute)
	windowed, err := l.QueryLogs(Query{StartDate: &start, EndDate: &end})
	require.NoError(t, err)
	require.Len(t, windowed, 2)
	assert.Equal(t, "c", windowed[0].ID)

	paged, err := l.QueryLogs(Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "b", paged[0].ID)
	assert.Equal(t, "c", paged[1].ID)
}

func TestStatsAggregation(t *testing.T) {
	l := newTestLogger(t, Config{})
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	seedEntries(t, l, []Entry{
		{Timestamp: base, SourceIP: "10.0.0.1", Action: gateway.ActionAllowed, ResponseCode: 200, ResponseTime: 10, BytesTransferred: 100, Path: "/a"},
		{Timestamp: base.Add(time.Minute), SourceIP: "10.0.0.1", Action: gateway.ActionAllowed, ResponseCode: 200, ResponseTime: 30, BytesTransferred: 200, Path: "/a"},
		{Timestamp: base.Add(2 * time.Minute), SourceIP: "10.0.0.2", Action: gateway.ActionBlocked, ResponseCode: 403, Path: "/admin"},
		{Timestamp: base.Add(time.Hour), SourceIP: "10.0.0.3", Action: gateway.ActionRateLimited},
	})

	stats, err := l.Stats(TimeRange{})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalEntries)
	assert.Equal(t, 2, stats.Allowed)
	assert.Equal(t, 1, stats.Blocked)
	assert.Equal(t, 1, stats.RateLimited)
	assert.Equal(t, 3, stats.UniqueIPs)
	assert.Equal(t, int64(300), stats.TotalBytes)
	assert.InDelta(t, 20.0, stats.AvgResponseTime, 0.001)
	assert.Equal(t, 3, stats.ByHour[9])
	assert.Equal(t, 1, stats.ByHour[10])
	assert.Equal(t, 2, stats.ByResponseCode[200])

	require.NotEmpty(t, stats.TopIPs)
	assert.Equal(t, "10.0.0.1", stats.TopIPs[0].IP)
	assert.Equal(t, 2, stats.TopIPs[0].Count)
	assert.Equal(t, gateway.SeverityLow, stats.TopIPs[0].ThreatLevel)

	require.NotEmpty(t, stats.TopPaths)
	assert.Equal(t, "/a", stats.TopPaths[0].Path)

	// The blocked probe to /admin carries its highest observed level.
	for _, ip := range stats.TopIPs {
		if ip.IP == "10.0.0.2" {
			assert.Equal(t, gateway.SeverityCritical, ip.ThreatLevel)
		}
	}
}

func TestStatsWindowed(t *testing.T) {
	l := newTestLogger(t, Config{})
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	seedEntries(t, l, []Entry{
		{Timestamp: base, SourceIP: "10.0.0.1", Action: gateway.ActionAllowed},
		{Timestamp: base.Add(2 * time.Hour), SourceIP: "10.0.0.2", Action: gateway.ActionAllowed},
	})

	stats, err := l.Stats(TimeRange{Start: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 1, stats.UniqueIPs)
}

func TestSecurityReportQuietWindow(t *testing.T) {
	l := newTestLogger(t, Config{})
	seedEntries(t, l, []Entry{
		{SourceIP: "10.0.0.1", Action: gateway.ActionAllowed, ResponseCode: 200},
	})

	report, err := l.GenerateSecurityReport(TimeRange{})
	require.NoError(t, err)

	assert.Empty(t, report.Threats)
	require.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "normal")
	assert.False(t, report.Timestamp.IsZero())
}

func TestSecurityReportElevated(t *testing.T) {
	l := newTestLogger(t, Config{FlushThreshold: 200})

	// Mostly blocked traffic with a batch of critical-scoring probes.
	entries := make([]Entry, 0, 40)
	for i := 0; i < 25; i++ {
		entries = append(entries, Entry{SourceIP: "198.51.100.9", Action: gateway.ActionAllowed, ResponseCode: 200})
	}
	for i := 0; i < 15; i++ {
		entries = append(entries, Entry{
			SourceIP:     "203.0.113.66",
			Action:       gateway.ActionBlocked,
			ResponseCode: 403,
			UserAgent:    "sqlmap/1.7",
			Path:         "/admin",
		})
	}
	seedEntries(t, l, entries)

	report, err := l.GenerateSecurityReport(TimeRange{})
	require.NoError(t, err)

	assert.Len(t, report.Threats, 15)
	for _, threat := range report.Threats {
		assert.True(t, threat.ThreatLevel.AtLeast(gateway.SeverityHigh))
	}

	var hasBlockRate, hasThreatCount bool
	for _, rec := range report.Recommendations {
		lower := strings.ToLower(rec)
		if strings.Contains(lower, "block rate") {
			hasBlockRate = true
		}
		if strings.Contains(lower, "critical") {
			hasThreatCount = true
		}
	}
	assert.True(t, hasBlockRate)
	assert.True(t, hasThreatCount)
}
