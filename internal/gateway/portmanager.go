package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PortProber answers whether a local port has a listening socket. The
// platform implementation lives in sockets.go; tests inject a fake.
type PortProber interface {
	IsListening(port int) (bool, error)
}

// PortManager is the single source of truth for the port allow-list and the
// raw ledger of connection attempts.
type PortManager struct {
	logger *zap.Logger
	prober PortProber
	host   string

	allowed map[int]bool

	mu       sync.RWMutex
	attempts []ConnectionAttempt // ring buffer
	next     int
	count    int
}

// NewPortManager creates a port manager over the given allow-list.
func NewPortManager(allowedPorts []int, host string, capacity int, prober PortProber, logger *zap.Logger) *PortManager {
	if capacity <= 0 {
		capacity = 1000
	}

	allowed := make(map[int]bool, len(allowedPorts))
	for _, p := range allowedPorts {
		allowed[p] = true
	}

	return &PortManager{
		logger:   logger,
		prober:   prober,
		host:     host,
		allowed:  allowed,
		attempts: make([]ConnectionAttempt, capacity),
	}
}

// IsConnectionAllowed reports whether targetPort is in the allow-list.
// Pure and side-effect free; source IPs are not filtered at this layer.
func (pm *PortManager) IsConnectionAllowed(sourceIP string, targetPort int) bool {
	return pm.allowed[targetPort]
}

// AllowedPorts returns the configured allow-list in ascending order.
func (pm *PortManager) AllowedPorts() []int {
	ports := make([]int, 0, len(pm.allowed))
	for p := range pm.allowed {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// LogConnectionAttempt appends an attempt to the ring buffer, evicting the
// oldest entry at capacity. Always succeeds.
func (pm *PortManager) LogConnectionAttempt(attempt ConnectionAttempt) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now()
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.attempts[pm.next] = attempt
	pm.next = (pm.next + 1) % len(pm.attempts)
	if pm.count < len(pm.attempts) {
		pm.count++
	}
}

// ConnectionLog returns the most recent limit attempts, newest-last.
// limit <= 0 returns the full buffer.
func (pm *PortManager) ConnectionLog(limit int) []ConnectionAttempt {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if limit <= 0 || limit > pm.count {
		limit = pm.count
	}

	out := make([]ConnectionAttempt, 0, limit)
	start := pm.count - limit
	for i := start; i < pm.count; i++ {
		out = append(out, pm.at(i))
	}
	return out
}

// at returns the i-th attempt in oldest-first order. Caller holds the lock.
func (pm *PortManager) at(i int) ConnectionAttempt {
	idx := (pm.next - pm.count + i + len(pm.attempts)) % len(pm.attempts)
	return pm.attempts[idx]
}

// Stats scans the buffer and computes aggregate statistics. Top blocked IPs
// are ranked by count with ties broken by first-seen order, so repeated
// calls over identical data are stable.
func (pm *PortManager) Stats() ConnectionStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := ConnectionStats{
		TopBlockedIPs: []IPCount{},
		ByProtocol:    make(map[string]int),
	}

	blockedCounts := make(map[string]int)
	firstSeen := make(map[string]int)
	cutoff := time.Now().Add(-1 * time.Hour)

	for i := 0; i < pm.count; i++ {
		a := pm.at(i)
		stats.Total++
		stats.ByProtocol[a.Protocol]++

		switch a.Action {
		case ActionAllowed:
			stats.Allowed++
		default:
			stats.Blocked++
			if a.Timestamp.After(cutoff) {
				stats.RecentBlocked++
			}
			if _, seen := firstSeen[a.SourceIP]; !seen {
				firstSeen[a.SourceIP] = i
			}
			blockedCounts[a.SourceIP]++
		}
	}

	ranked := make([]IPCount, 0, len(blockedCounts))
	for ip, count := range blockedCounts {
		ranked = append(ranked, IPCount{IP: ip, Count: count})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return firstSeen[ranked[i].IP] < firstSeen[ranked[j].IP]
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}
	stats.TopBlockedIPs = ranked

	return stats
}

// PortStatuses queries live listening-socket state for every allowed port.
// A failed probe reports the port closed rather than returning an error.
func (pm *PortManager) PortStatuses() []PortStatus {
	statuses := make([]PortStatus, 0, len(pm.allowed))
	for _, port := range pm.AllowedPorts() {
		status := PortStatus{
			Port:    port,
			Host:    pm.host,
			Status:  "closed",
			Service: serviceName(port),
		}

		listening, err := pm.prober.IsListening(port)
		if err != nil {
			pm.logger.Debug("Port probe failed",
				zap.Int("port", port),
				zap.Error(err),
			)
		} else if listening {
			status.Status = "open"
		}

		statuses = append(statuses, status)
	}
	return statuses
}

// ClearOldLogs drops all attempts older than maxAge. Hygiene only; the
// bounded buffer is what guarantees the memory ceiling.
func (pm *PortManager) ClearOldLogs(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	kept := make([]ConnectionAttempt, 0, pm.count)
	for i := 0; i < pm.count; i++ {
		a := pm.at(i)
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}

	removed := pm.count - len(kept)

	capacity := len(pm.attempts)
	pm.attempts = make([]ConnectionAttempt, capacity)
	copy(pm.attempts, kept)
	pm.count = len(kept)
	pm.next = pm.count % capacity

	if removed > 0 {
		pm.logger.Info("Cleared old connection attempts",
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge),
		)
	}
	return removed
}

var wellKnownServices = map[int]string{
	22:   "ssh",
	53:   "dns",
	80:   "http",
	443:  "https",
	3306: "mysql",
	5432: "postgres",
	6379: "redis",
	8080: "http-alt",
	8443: "https-alt",
}

func serviceName(port int) string {
	return wellKnownServices[port]
}
