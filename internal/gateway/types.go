// Package gateway implements the transport-level admission core: the port
// allow-list, the connection attempt ledger and the connection monitor with
// its rate limiting and pattern detection.
package gateway

import "time"

// Action is the admission outcome recorded for a connection attempt.
type Action string

const (
	ActionAllowed     Action = "ALLOWED"
	ActionBlocked     Action = "BLOCKED"
	ActionRateLimited Action = "RATE_LIMITED"
)

// Severity classifies alerts and threat levels.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for comparisons. Unknown values rank lowest.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// AlertType identifies the detection that raised an alert.
type AlertType string

const (
	AlertSuspiciousActivity AlertType = "SUSPICIOUS_ACTIVITY"
	AlertRateLimitExceeded  AlertType = "RATE_LIMIT_EXCEEDED"
	AlertUnauthorizedAccess AlertType = "UNAUTHORIZED_ACCESS"
	AlertPortScanDetected   AlertType = "PORT_SCAN_DETECTED"
)

// ConnectionAttempt is one inbound connection decision. Immutable once
// created; blocked attempts always carry a reason.
type ConnectionAttempt struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SourceIP   string    `json:"source_ip"`
	TargetPort int       `json:"target_port"`
	Protocol   string    `json:"protocol"`
	Action     Action    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// SecurityAlert is raised by the connection monitor. Immutable.
type SecurityAlert struct {
	ID          string                 `json:"id"`
	Type        AlertType              `json:"type"`
	Severity    Severity               `json:"severity"`
	SourceIP    string                 `json:"source_ip"`
	Description string                 `json:"description"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Decision is the outcome of a monitored connection check. Denials are
// ordinary values, never errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// PortStatus describes one allow-listed port's live socket state.
type PortStatus struct {
	Port    int    `json:"port"`
	Host    string `json:"host"`
	Status  string `json:"status"` // "open" or "closed"
	Service string `json:"service,omitempty"`
}

// ConnectionStats is an on-demand aggregate over the attempt buffer.
type ConnectionStats struct {
	Total         int            `json:"total"`
	Allowed       int            `json:"allowed"`
	Blocked       int            `json:"blocked"`
	RecentBlocked int            `json:"recent_blocked"`
	TopBlockedIPs []IPCount      `json:"top_blocked_ips"`
	ByProtocol    map[string]int `json:"by_protocol"`
}

// IPCount pairs a source IP with an occurrence count.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// MonitoringStats summarizes the connection monitor's alert state.
type MonitoringStats struct {
	TotalAlerts      int               `json:"total_alerts"`
	AlertsBySeverity map[Severity]int  `json:"alerts_by_severity"`
	SuspiciousIPs    int               `json:"suspicious_ips"`
	ActiveRateLimits int               `json:"active_rate_limits"`
	TopAlertTypes    []AlertTypeCount  `json:"top_alert_types"`
}

// AlertTypeCount pairs an alert type with an occurrence count.
type AlertTypeCount struct {
	Type  AlertType `json:"type"`
	Count int       `json:"count"`
}
