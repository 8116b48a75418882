package firewall

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopManagerLifecycle(t *testing.T) {
	m := NewNoopManager()
	ctx := context.Background()

	// Unconfigured state validates as invalid, never errors.
	v, err := m.Validate(ctx, []int{8443})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Issues)

	require.NoError(t, m.ConfigureSecure(ctx, []int{8443}))

	v, err = m.Validate(ctx, []int{8443})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Issues)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Contains(t, status.Rules, "allow tcp dport 8443")
	assert.Contains(t, status.Rules, "default deny inbound")
	assert.False(t, status.LastUpdated.IsZero())

	require.NoError(t, m.Reset(ctx))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Enabled)
	assert.Empty(t, status.Rules)
}

func TestNoopManagerValidateDrift(t *testing.T) {
	m := NewNoopManager()
	ctx := context.Background()

	require.NoError(t, m.ConfigureSecure(ctx, []int{8443}))

	// The allow-list grew after configuration: the new port is an issue.
	v, err := m.Validate(ctx, []int{8443, 9000})
	require.NoError(t, err)
	assert.False(t, v.Valid)
	require.Len(t, v.Issues, 1)
	assert.Contains(t, v.Issues[0], "9000")
}

func TestNoopManagerInjectedFailures(t *testing.T) {
	m := NewNoopManager()
	m.ConfigureErr = errors.New("permission denied")

	err := m.ConfigureSecure(context.Background(), []int{8443})
	require.Error(t, err)

	v, verr := m.Validate(context.Background(), []int{8443})
	require.NoError(t, verr)
	assert.False(t, v.Valid)
}
