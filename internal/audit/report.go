package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

// Risk escalation thresholds. Volume thresholds apply when no individual
// event severity forces a higher verdict.
const (
	riskHighEvents   = 2  // more than this many HIGH events escalates to HIGH
	riskMediumVolume = 50 // more than this many events in the period is MEDIUM
	reportEventLimit = 100
)

// GenerateAuditReport builds the risk-scored report over a period. A zero
// period defaults to the trailing 24 hours. If a report directory is
// configured the report is also written there as JSON; a write failure is
// logged, not returned, since the report itself is still usable.
func (a *Auditor) GenerateAuditReport(ctx context.Context, period ReportPeriod) (*Report, error) {
	if period.End.IsZero() {
		period.End = time.Now()
	}
	if period.Start.IsZero() {
		period.Start = period.End.Add(-24 * time.Hour)
	}

	events, err := a.store.InPeriod(ctx, period.Start, period.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit events for report: %w", err)
	}

	checks := a.PerformComplianceCheck(ctx)

	summary := ReportSummary{
		EventsBySeverity: make(map[gateway.Severity]int),
		EventsByType:     make(map[EventType]int),
	}
	for _, e := range events {
		summary.TotalEvents++
		summary.EventsBySeverity[e.Severity]++
		summary.EventsByType[e.Type]++
		if e.Severity == gateway.SeverityCritical {
			summary.CriticalIssues++
		}
	}

	passed := 0
	for _, c := range checks {
		if c.Status == StatusPass {
			passed++
		}
	}
	if len(checks) > 0 {
		summary.ComplianceScore = float64(passed) / float64(len(checks)) * 100
	}

	// The report carries the most security-relevant events, capped.
	securityEvents := make([]Event, 0, reportEventLimit)
	for i := len(events) - 1; i >= 0 && len(securityEvents) < reportEventLimit; i-- {
		if events[i].Severity.AtLeast(gateway.SeverityMedium) {
			securityEvents = append(securityEvents, events[i])
		}
	}

	risk := assessRisk(&summary)

	report := &Report{
		ID:               uuid.New().String(),
		Timestamp:        time.Now(),
		Period:           period,
		Summary:          summary,
		ComplianceChecks: checks,
		SecurityEvents:   securityEvents,
		Recommendations:  reportRecommendations(&summary, checks, &risk),
		RiskAssessment:   risk,
	}

	if err := a.LogAuditEvent(ctx, Event{
		Type:        EventComplianceCheck,
		Severity:    gateway.SeverityLow,
		Source:      "security_auditor",
		Description: fmt.Sprintf("Audit report generated: compliance %.0f%%, risk %s", summary.ComplianceScore, risk.OverallRisk),
		Details: map[string]interface{}{
			"report_id":        report.ID,
			"compliance_score": summary.ComplianceScore,
			"overall_risk":     string(risk.OverallRisk),
		},
	}); err != nil {
		a.logger.Error("Failed to record report generation", zap.Error(err))
	}

	if a.auditCfg.ReportDir != "" {
		if err := a.writeReportFile(report); err != nil {
			a.logger.Error("Failed to write audit report file", zap.Error(err))
		}
	}

	return report, nil
}

// assessRisk mirrors the severity vocabulary used by the alert and threat
// scoring layers so the subsystems agree on what CRITICAL means.
func assessRisk(summary *ReportSummary) RiskAssessment {
	risk := RiskAssessment{}

	criticals := summary.EventsBySeverity[gateway.SeverityCritical]
	highs := summary.EventsBySeverity[gateway.SeverityHigh]

	switch {
	case criticals > 0:
		risk.OverallRisk = gateway.SeverityCritical
		risk.RiskFactors = append(risk.RiskFactors,
			fmt.Sprintf("%d CRITICAL audit event(s) in the period", criticals))
		risk.MitigationSteps = append(risk.MitigationSteps,
			"Investigate all CRITICAL events immediately and block the offending sources")
	case highs > riskHighEvents:
		risk.OverallRisk = gateway.SeverityHigh
		risk.RiskFactors = append(risk.RiskFactors,
			fmt.Sprintf("%d HIGH audit events in the period", highs))
		risk.MitigationSteps = append(risk.MitigationSteps,
			"Review HIGH events for a common source and tighten firewall rules")
	case highs > 0 || summary.TotalEvents > riskMediumVolume:
		risk.OverallRisk = gateway.SeverityMedium
		risk.RiskFactors = append(risk.RiskFactors,
			fmt.Sprintf("%d audit events in the period, %d of them HIGH", summary.TotalEvents, highs))
		risk.MitigationSteps = append(risk.MitigationSteps,
			"Monitor event volume trends and verify rate limits are adequate")
	default:
		risk.OverallRisk = gateway.SeverityLow
		risk.RiskFactors = append(risk.RiskFactors, "no elevated audit activity in the period")
		risk.MitigationSteps = append(risk.MitigationSteps, "Maintain current controls")
	}
	return risk
}

func reportRecommendations(summary *ReportSummary, checks []ComplianceCheck, risk *RiskAssessment) []string {
	var recs []string

	for _, c := range checks {
		switch c.Status {
		case StatusFail:
			recs = append(recs, fmt.Sprintf("Remediate failed check %q: %s", c.Name, c.Details))
		case StatusWarning:
			recs = append(recs, fmt.Sprintf("Review check %q: %s", c.Name, c.Details))
		}
	}

	if summary.CriticalIssues > 0 {
		recs = append(recs, fmt.Sprintf("Triage %d critical issue(s) recorded in this period", summary.CriticalIssues))
	}
	if risk.OverallRisk.AtLeast(gateway.SeverityHigh) {
		recs = append(recs, "Consider enabling stricter rate limiting until risk subsides")
	}

	if len(recs) == 0 {
		recs = append(recs, "All checks passing and no elevated activity. No action required.")
	}
	return recs
}

func (a *Auditor) writeReportFile(report *Report) error {
	if err := os.MkdirAll(a.auditCfg.ReportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("audit-report-%s.json", report.Timestamp.Format("20060102-150405"))
	path := filepath.Join(a.auditCfg.ReportDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode audit report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write audit report: %w", err)
	}

	a.logger.Info("Audit report written", zap.String("path", path))
	return nil
}
