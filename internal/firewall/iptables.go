package firewall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const chainName = "GATEWARDEN"

// IptablesManager manages a dedicated iptables chain on Linux. All managed
// rules live in their own chain so Reset never touches rules owned by other
// tooling on the host.
type IptablesManager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu          sync.Mutex
	lastUpdated time.Time
}

// NewIptablesManager creates the Linux firewall collaborator. timeout
// bounds each external invocation; zero selects the 30 second default.
func NewIptablesManager(timeout time.Duration, logger *zap.Logger) *IptablesManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IptablesManager{logger: logger, timeout: timeout}
}

// ConfigureSecure installs the default-deny chain and opens the allowed
// ports. Re-running replaces the managed chain wholesale.
func (m *IptablesManager) ConfigureSecure(ctx context.Context, allowedPorts []int) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("iptables management not supported on %s", runtime.GOOS)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Create-or-flush the managed chain, then rebuild it.
	if _, err := m.run(ctx, "-N", chainName); err != nil {
		if _, ferr := m.run(ctx, "-F", chainName); ferr != nil {
			return fmt.Errorf("failed to prepare chain %s: %w", chainName, ferr)
		}
	}

	for _, port := range allowedPorts {
		args := []string{"-A", chainName, "-p", "tcp", "--dport", fmt.Sprintf("%d", port), "-j", "ACCEPT"}
		if _, err := m.run(ctx, args...); err != nil {
			return fmt.Errorf("failed to allow port %d: %w", port, err)
		}
	}
	if _, err := m.run(ctx, "-A", chainName, "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("failed to allow established traffic: %w", err)
	}
	if _, err := m.run(ctx, "-A", chainName, "-j", "DROP"); err != nil {
		return fmt.Errorf("failed to install default deny: %w", err)
	}

	// Hook the chain into INPUT if not already present.
	if _, err := m.run(ctx, "-C", "INPUT", "-j", chainName); err != nil {
		if _, err := m.run(ctx, "-I", "INPUT", "-j", chainName); err != nil {
			return fmt.Errorf("failed to attach chain to INPUT: %w", err)
		}
	}

	m.lastUpdated = time.Now()
	m.logger.Info("Firewall configured",
		zap.Ints("allowed_ports", allowedPorts),
		zap.String("chain", chainName))
	return nil
}

// Validate compares the live chain against the expected baseline.
func (m *IptablesManager) Validate(ctx context.Context, allowedPorts []int) (*Validation, error) {
	if runtime.GOOS != "linux" {
		return &Validation{Valid: false, Issues: []string{
			fmt.Sprintf("iptables management not supported on %s", runtime.GOOS),
		}}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.run(ctx, "-S", chainName)
	if err != nil {
		return &Validation{Valid: false, Issues: []string{
			fmt.Sprintf("managed chain %s not present: %v", chainName, err),
		}}, nil
	}

	var issues []string
	for _, port := range allowedPorts {
		needle := fmt.Sprintf("--dport %d", port)
		if !strings.Contains(out, needle) {
			issues = append(issues, fmt.Sprintf("allowed port %d has no accept rule", port))
		}
	}
	if !strings.Contains(out, "-j DROP") {
		issues = append(issues, "default deny rule missing")
	}

	hook, err := m.run(ctx, "-S", "INPUT")
	if err != nil {
		issues = append(issues, fmt.Sprintf("cannot inspect INPUT chain: %v", err))
	} else if !strings.Contains(hook, "-j "+chainName) {
		issues = append(issues, "managed chain not attached to INPUT")
	}

	return &Validation{Valid: len(issues) == 0, Issues: issues}, nil
}

// Status reports the managed chain's rules.
func (m *IptablesManager) Status(ctx context.Context) (*Status, error) {
	status := &Status{Platform: runtime.GOOS}
	if runtime.GOOS != "linux" {
		return status, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.run(ctx, "-S", chainName)
	if err != nil {
		return status, nil
	}

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			status.Rules = append(status.Rules, line)
		}
	}
	status.Enabled = len(status.Rules) > 1 // more than the bare -N line
	status.LastUpdated = m.lastUpdated
	return status, nil
}

// Reset detaches and deletes the managed chain.
func (m *IptablesManager) Reset(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("iptables management not supported on %s", runtime.GOOS)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Ignore detach failure: the chain may never have been attached.
	if _, err := m.run(ctx, "-D", "INPUT", "-j", chainName); err != nil {
		m.logger.Debug("Chain was not attached to INPUT", zap.Error(err))
	}
	if _, err := m.run(ctx, "-F", chainName); err != nil {
		return fmt.Errorf("failed to flush chain %s: %w", chainName, err)
	}
	if _, err := m.run(ctx, "-X", chainName); err != nil {
		return fmt.Errorf("failed to delete chain %s: %w", chainName, err)
	}

	m.lastUpdated = time.Now()
	m.logger.Info("Firewall reset", zap.String("chain", chainName))
	return nil
}

func (m *IptablesManager) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "iptables", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("iptables %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
