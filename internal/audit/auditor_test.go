package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/config"
	"github.com/knakagaki/gatewarden/internal/firewall"
	"github.com/knakagaki/gatewarden/internal/gateway"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestAuditor(t *testing.T, fw firewall.Manager) *Auditor {
	t.Helper()
	return NewAuditor(
		newTestStore(t),
		config.GatewayConfig{
			AllowedPorts:    []int{8443},
			RateLimitMax:    60,
			RateLimitWindow: time.Minute,
		},
		config.AuditConfig{ReportDir: filepath.Join(t.TempDir(), "reports")},
		nil, nil, fw, nil,
		zap.NewNop(),
	)
}

func TestLogAndQueryAuditEvents(t *testing.T) {
	a := newTestAuditor(t, nil)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	events := []Event{
		{Timestamp: base, Type: EventAccessDenied, Severity: gateway.SeverityMedium, Source: "connection_monitor", Description: "blocked port 22", SourceIP: "10.0.0.1"},
		{Timestamp: base.Add(time.Minute), Type: EventSecurityViolation, Severity: gateway.SeverityHigh, Source: "connection_monitor", Description: "port scan", SourceIP: "10.0.0.2", Details: map[string]interface{}{"distinct_ports": 6.0}},
		{Timestamp: base.Add(2 * time.Minute), Type: EventPolicyChange, Severity: gateway.SeverityLow, Source: "api", Description: "firewall reconfigured"},
	}
	for _, e := range events {
		require.NoError(t, a.LogAuditEvent(ctx, e))
	}

	recent, err := a.AuditEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, EventPolicyChange, recent[0].Type) // newest first
	assert.NotEmpty(t, recent[0].ID)

	byType, err := a.AuditEventsByType(ctx, EventSecurityViolation, 10)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "10.0.0.2", byType[0].SourceIP)
	assert.Equal(t, 6.0, byType[0].Details["distinct_ports"])

	bySev, err := a.AuditEventsBySeverity(ctx, gateway.SeverityHigh, 10)
	require.NoError(t, err)
	require.Len(t, bySev, 1)
	assert.Equal(t, EventSecurityViolation, bySev[0].Type)
}

func TestStoreTrimBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, ts := range []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)} {
		require.NoError(t, store.Insert(ctx, &Event{
			ID: string(rune('a' + i)), Timestamp: ts, Type: EventAlertGenerated,
			Severity: gateway.SeverityLow, Source: "test", Description: "event",
		}))
	}

	n, err := store.TrimBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].ID)
}

func TestComplianceCheckNeverThrows(t *testing.T) {
	// All collaborators absent: the battery still completes with a defined
	// status for every check.
	a := newTestAuditor(t, nil)

	checks := a.PerformComplianceCheck(context.Background())
	require.Len(t, checks, 5)

	valid := map[CheckStatus]bool{
		StatusPass: true, StatusFail: true, StatusWarning: true, StatusNotApplicable: true,
	}
	categories := make(map[Category]bool)
	for _, c := range checks {
		assert.True(t, valid[c.Status], "check %s has undefined status %q", c.Name, c.Status)
		assert.NotEmpty(t, c.ID)
		assert.False(t, c.LastChecked.IsZero())
		categories[c.Category] = true
	}
	assert.Len(t, categories, 5)
}

func TestComplianceCheckFirewallStates(t *testing.T) {
	ctx := context.Background()

	// Configured firewall passes.
	fw := firewall.NewNoopManager()
	require.NoError(t, fw.ConfigureSecure(ctx, []int{8443}))
	a := newTestAuditor(t, fw)
	assert.Equal(t, StatusPass, findCheck(t, a.PerformComplianceCheck(ctx), "firewall-baseline").Status)

	// Unconfigured firewall drifts: FAIL.
	a = newTestAuditor(t, firewall.NewNoopManager())
	assert.Equal(t, StatusFail, findCheck(t, a.PerformComplianceCheck(ctx), "firewall-baseline").Status)

	// Collaborator error downgrades to WARNING, never an error.
	a = newTestAuditor(t, failingFirewall{})
	assert.Equal(t, StatusWarning, findCheck(t, a.PerformComplianceCheck(ctx), "firewall-baseline").Status)

	// No collaborator at all: NOT_APPLICABLE.
	a = newTestAuditor(t, nil)
	assert.Equal(t, StatusNotApplicable, findCheck(t, a.PerformComplianceCheck(ctx), "firewall-baseline").Status)
}

func findCheck(t *testing.T, checks []ComplianceCheck, name string) ComplianceCheck {
	t.Helper()
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found", name)
	return ComplianceCheck{}
}

type failingFirewall struct{}

func (failingFirewall) ConfigureSecure(context.Context, []int) error { return errors.New("exec failed") }
func (failingFirewall) Validate(context.Context, []int) (*firewall.Validation, error) {
	return nil, errors.New("exec failed")
}
func (failingFirewall) Status(context.Context) (*firewall.Status, error) {
	return nil, errors.New("exec failed")
}
func (failingFirewall) Reset(context.Context) error { return errors.New("exec failed") }

func TestGenerateAuditReport(t *testing.T) {
	fw := firewall.NewNoopManager()
	require.NoError(t, fw.ConfigureSecure(context.Background(), []int{8443}))
	a := newTestAuditor(t, fw)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, a.LogAuditEvent(ctx, Event{
		Timestamp: now.Add(-time.Hour), Type: EventSecurityViolation,
		Severity: gateway.SeverityCritical, Source: "connection_monitor",
		Description: "port scan from 203.0.113.9", SourceIP: "203.0.113.9",
	}))
	require.NoError(t, a.LogAuditEvent(ctx, Event{
		Timestamp: now.Add(-30 * time.Minute), Type: EventAccessDenied,
		Severity: gateway.SeverityMedium, Source: "connection_monitor",
		Description: "blocked port 22",
	}))

	report, err := a.GenerateAuditReport(ctx, ReportPeriod{})
	require.NoError(t, err)

	assert.NotEmpty(t, report.ID)
	assert.Equal(t, 2, report.Summary.TotalEvents)
	assert.Equal(t, 1, report.Summary.CriticalIssues)
	assert.Len(t, report.ComplianceChecks, 5)
	assert.NotEmpty(t, report.SecurityEvents)
	assert.NotEmpty(t, report.Recommendations)

	// Any CRITICAL event in the period escalates overall risk to CRITICAL.
	assert.Equal(t, gateway.SeverityCritical, report.RiskAssessment.OverallRisk)
	assert.NotEmpty(t, report.RiskAssessment.RiskFactors)
	assert.NotEmpty(t, report.RiskAssessment.MitigationSteps)

	// Compliance score is passed/total*100.
	passed := 0
	for _, c := range report.ComplianceChecks {
		if c.Status == StatusPass {
			passed++
		}
	}
	assert.InDelta(t, float64(passed)/5*100, report.Summary.ComplianceScore, 0.001)
}

func TestRiskEscalationLadder(t *testing.T) {
	tests := []struct {
		name    string
		summary ReportSummary
		want    gateway.Severity
	}{
		{
			name:    "quiet period",
			summary: ReportSummary{TotalEvents: 3, EventsBySeverity: map[gateway.Severity]int{gateway.SeverityLow: 3}},
			want:    gateway.SeverityLow,
		},
		{
			name:    "high volume",
			summary: ReportSummary{TotalEvents: 80, EventsBySeverity: map[gateway.Severity]int{gateway.SeverityLow: 80}},
			want:    gateway.SeverityMedium,
		},
		{
			name:    "two highs stay medium",
			summary: ReportSummary{TotalEvents: 2, EventsBySeverity: map[gateway.Severity]int{gateway.SeverityHigh: 2}},
			want:    gateway.SeverityMedium,
		},
		{
			name:    "three highs escalate",
			summary: ReportSummary{TotalEvents: 3, EventsBySeverity: map[gateway.Severity]int{gateway.SeverityHigh: 3}},
			want:    gateway.SeverityHigh,
		},
		{
			name:    "one critical dominates",
			summary: ReportSummary{TotalEvents: 1, EventsBySeverity: map[gateway.Severity]int{gateway.SeverityCritical: 1}},
			want:    gateway.SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			risk := assessRisk(&tt.summary)
			assert.Equal(t, tt.want, risk.OverallRisk)
		})
	}
}

func TestAuditorConsumesAlerts(t *testing.T) {
	bus := gateway.NewAlertBus(16, zap.NewNop())
	store := newTestStore(t)
	a := NewAuditor(store,
		config.GatewayConfig{AllowedPorts: []int{8443}, RateLimitMax: 60, RateLimitWindow: time.Minute},
		config.AuditConfig{},
		nil, nil, nil, bus, zap.NewNop())

	a.Start(context.Background())
	defer a.Stop()

	bus.Publish(gateway.SecurityAlert{
		ID:          "alert-1",
		Type:        gateway.AlertPortScanDetected,
		Severity:    gateway.SeverityHigh,
		SourceIP:    "203.0.113.9",
		Description: "port scan detected",
		Timestamp:   time.Now(),
	})

	require.Eventually(t, func() bool {
		events, err := store.Recent(context.Background(), 10)
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, EventSecurityViolation, events[0].Type)
	assert.Equal(t, "203.0.113.9", events[0].SourceIP)
	assert.Equal(t, gateway.SeverityHigh, events[0].Severity)
}
