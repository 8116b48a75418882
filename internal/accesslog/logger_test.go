package accesslog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/gateway"
	"github.com/knakagaki/gatewarden/internal/rules"
)

func newTestLogger(t *testing.T, config Config) *Logger {
	t.Helper()
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "access.log")
	}
	l, err := New(config, rules.Default(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAccessAssignsIdentityAndLevel(t *testing.T) {
	l := newTestLogger(t, Config{})

	l.LogAccess(Entry{
		SourceIP:     "203.0.113.7",
		TargetPort:   8443,
		Protocol:     "tcp",
		Action:       gateway.ActionBlocked,
		ResponseCode: 403,
		UserAgent:    "nmap/7.80",
		Path:         "/admin",
	})
	require.NoError(t, l.Flush())

	entries, err := l.QueryLogs(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, gateway.SeverityCritical, e.ThreatLevel)
}

func TestLoggerRoundTripLossless(t *testing.T) {
	l := newTestLogger(t, Config{})

	in := Entry{
		ID:               "fixed-id",
		Timestamp:        time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		SourceIP:         "198.51.100.23",
		TargetPort:       8443,
		Protocol:         "tcp",
		Method:           "GET",
		Path:             "/api/v1/items",
		UserAgent:        "Mozilla/5.0",
		Action:           gateway.ActionAllowed,
		ResponseCode:     200,
		ResponseTime:     12.5,
		BytesTransferred: 4096,
		Metadata:         map[string]interface{}{"region": "eu-west"},
	}
	l.LogAccess(in)
	require.NoError(t, l.Flush())

	entries, err := l.QueryLogs(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	out := entries[0]
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.SourceIP, out.SourceIP)
	assert.Equal(t, in.Method, out.Method)
	assert.Equal(t, in.Path, out.Path)
	assert.Equal(t, in.ResponseTime, out.ResponseTime)
	assert.Equal(t, in.BytesTransferred, out.BytesTransferred)
	assert.Equal(t, "eu-west", out.Metadata["region"])
	assert.Equal(t, gateway.SeverityLow, out.ThreatLevel)
}

func TestLoggerBufferUntilFlush(t *testing.T) {
	l := newTestLogger(t, Config{FlushThreshold: 100, FlushInterval: time.Hour})

	for i := 0; i < 10; i++ {
		l.LogAccess(Entry{SourceIP: "10.0.0.1", Action: gateway.ActionAllowed})
	}

	// Nothing durable yet: below the threshold and the timer has not fired.
	entries, err := l.QueryLogs(Query{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, l.Flush())
	entries, err = l.QueryLogs(Query{})
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestLoggerCloseFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	l, err := New(Config{Path: path, FlushInterval: time.Hour}, rules.Default(), zap.NewNop())
	require.NoError(t, err)

	l.LogAccess(Entry{SourceIP: "10.0.0.1", Action: gateway.ActionAllowed})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.1")

	// Close is idempotent.
	assert.NoError(t, l.Close())
}

func TestLoggerBufferCap(t *testing.T) {
	l := newTestLogger(t, Config{BufferCapacity: 5, FlushThreshold: 100, FlushInterval: time.Hour})

	for i := 0; i < 8; i++ {
		l.LogAccess(Entry{ID: fmt.Sprintf("e%d", i), SourceIP: "10.0.0.1", Action: gateway.ActionAllowed})
	}
	require.NoError(t, l.Flush())

	entries, err := l.QueryLogs(Query{})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "e3", entries[0].ID)
	assert.Equal(t, "e7", entries[4].ID)
}

func TestStoreRotationRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	store, err := NewStore(path, 2048, 2)
	require.NoError(t, err)

	// Enough volume to force several rotations past the retention count.
	for i := 0; i < 60; i++ {
		err := store.Append([]Entry{{
			ID:       fmt.Sprintf("entry-%03d", i),
			SourceIP: "198.51.100.1",
			Path:     "/some/request/path/to/pad/the/line/out",
			Action:   gateway.ActionAllowed,
		}})
		require.NoError(t, err)
	}

	rotated := store.RotatedFiles()
	assert.LessOrEqual(t, len(rotated), 2)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))

	// The newest entry survives; entries beyond retention are gone.
	var ids []string
	require.NoError(t, store.Scan(func(e Entry) bool {
		ids = append(ids, e.ID)
		return true
	}))
	require.NotEmpty(t, ids)
	assert.Equal(t, "entry-059", ids[len(ids)-1])
	assert.Less(t, len(ids), 60)
}

func TestStoreScanSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	store, err := NewStore(path, 1024*1024, 2)
	require.NoError(t, err)

	require.NoError(t, store.Append([]Entry{{ID: "good-1", Action: gateway.ActionAllowed}}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append([]Entry{{ID: "good-2", Action: gateway.ActionAllowed}}))

	var ids []string
	require.NoError(t, store.Scan(func(e Entry) bool {
		ids = append(ids, e.ID)
		return true
	}))
	assert.Equal(t, []string{"good-1", "good-2"}, ids)
}
