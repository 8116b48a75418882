package firewall

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// NoopManager tracks the desired configuration in memory without touching
// the platform. Used on hosts without iptables and in dry-run mode; the
// monitoring loop runs unchanged against it.
type NoopManager struct {
	mu          sync.Mutex
	configured  bool
	ports       []int
	lastUpdated time.Time

	// ConfigureErr and ResetErr, when set, are returned by the matching
	// calls. Lets callers exercise collaborator-failure paths.
	ConfigureErr error
	ResetErr     error
}

// NewNoopManager creates an in-memory firewall collaborator.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

func (m *NoopManager) ConfigureSecure(_ context.Context, allowedPorts []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfigureErr != nil {
		return m.ConfigureErr
	}
	m.ports = append([]int(nil), allowedPorts...)
	m.configured = true
	m.lastUpdated = time.Now()
	return nil
}

func (m *NoopManager) Validate(_ context.Context, allowedPorts []int) (*Validation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.configured {
		return &Validation{Valid: false, Issues: []string{"firewall has not been configured"}}, nil
	}

	var issues []string
	have := make(map[int]bool, len(m.ports))
	for _, p := range m.ports {
		have[p] = true
	}
	for _, p := range allowedPorts {
		if !have[p] {
			issues = append(issues, fmt.Sprintf("allowed port %d has no accept rule", p))
		}
	}
	return &Validation{Valid: len(issues) == 0, Issues: issues}, nil
}

func (m *NoopManager) Status(_ context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := &Status{
		Enabled:     m.configured,
		Platform:    runtime.GOOS + " (noop)",
		LastUpdated: m.lastUpdated,
	}
	for _, p := range m.ports {
		status.Rules = append(status.Rules, fmt.Sprintf("allow tcp dport %d", p))
	}
	if m.configured {
		status.Rules = append(status.Rules, "default deny inbound")
	}
	return status, nil
}

func (m *NoopManager) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResetErr != nil {
		return m.ResetErr
	}
	m.configured = false
	m.ports = nil
	m.lastUpdated = time.Now()
	return nil
}
