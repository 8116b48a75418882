// Package audit is the compliance and audit layer: a durable event trail,
// a compliance check battery and risk-scored audit reports.
package audit

import (
	"time"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

// EventType classifies audit events.
type EventType string

const (
	EventSecurityViolation EventType = "SECURITY_VIOLATION"
	EventPolicyChange      EventType = "POLICY_CHANGE"
	EventAlertGenerated    EventType = "ALERT_GENERATED"
	EventAccessDenied      EventType = "ACCESS_DENIED"
	EventComplianceCheck   EventType = "COMPLIANCE_CHECK"
	EventSystemError       EventType = "SYSTEM_ERROR"
)

// Event is one immutable audit record.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"type"`
	Severity    gateway.Severity       `json:"severity"`
	Source      string                 `json:"source"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
	SourceIP    string                 `json:"source_ip,omitempty"`
}

// Category groups compliance checks.
type Category string

const (
	CategoryAccessControl   Category = "ACCESS_CONTROL"
	CategoryNetworkSecurity Category = "NETWORK_SECURITY"
	CategoryLogging         Category = "LOGGING"
	CategoryMonitoring      Category = "MONITORING"
	CategoryConfiguration   Category = "CONFIGURATION"
)

// CheckStatus is the outcome of one compliance check.
type CheckStatus string

const (
	StatusPass          CheckStatus = "PASS"
	StatusFail          CheckStatus = "FAIL"
	StatusWarning       CheckStatus = "WARNING"
	StatusNotApplicable CheckStatus = "NOT_APPLICABLE"
)

// ComplianceCheck is one freshly evaluated posture assertion. Only the
// latest snapshot matters; history is not persisted.
type ComplianceCheck struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    Category    `json:"category"`
	Status      CheckStatus `json:"status"`
	Details     string      `json:"details,omitempty"`
	LastChecked time.Time   `json:"last_checked"`
}

// ReportPeriod bounds an audit report.
type ReportPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ReportSummary aggregates the events inside a report period.
type ReportSummary struct {
	TotalEvents      int                      `json:"total_events"`
	EventsBySeverity map[gateway.Severity]int `json:"events_by_severity"`
	EventsByType     map[EventType]int        `json:"events_by_type"`
	ComplianceScore  float64                  `json:"compliance_score"`
	CriticalIssues   int                      `json:"critical_issues"`
}

// RiskAssessment is the report's overall risk verdict.
type RiskAssessment struct {
	OverallRisk     gateway.Severity `json:"overall_risk"`
	RiskFactors     []string         `json:"risk_factors"`
	MitigationSteps []string         `json:"mitigation_steps"`
}

// Report is a full audit report over a period.
type Report struct {
	ID               string            `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	Period           ReportPeriod      `json:"period"`
	Summary          ReportSummary     `json:"summary"`
	ComplianceChecks []ComplianceCheck `json:"compliance_checks"`
	SecurityEvents   []Event           `json:"security_events"`
	Recommendations  []string          `json:"recommendations"`
	RiskAssessment   RiskAssessment    `json:"risk_assessment"`
}
