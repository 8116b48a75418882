package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/accesslog"
	"github.com/knakagaki/gatewarden/internal/config"
	"github.com/knakagaki/gatewarden/internal/firewall"
	"github.com/knakagaki/gatewarden/internal/gateway"
)

const busSubscriber = "auditor"

// Auditor maintains the audit trail, runs the compliance battery and
// produces risk-scored reports. It reads the other components only through
// their published accessors.
type Auditor struct {
	logger *zap.Logger
	store  *Store

	gatewayCfg config.GatewayConfig
	auditCfg   config.AuditConfig

	monitor *gateway.ConnectionMonitor
	access  *accesslog.Logger
	fw      firewall.Manager
	bus     *gateway.AlertBus

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuditor wires the auditor to its collaborators. Any of monitor, access
// and fw may be nil; the corresponding compliance checks then report
// NOT_APPLICABLE rather than failing.
func NewAuditor(
	store *Store,
	gatewayCfg config.GatewayConfig,
	auditCfg config.AuditConfig,
	monitor *gateway.ConnectionMonitor,
	access *accesslog.Logger,
	fw firewall.Manager,
	bus *gateway.AlertBus,
	logger *zap.Logger,
) *Auditor {
	return &Auditor{
		logger:     logger,
		store:      store,
		gatewayCfg: gatewayCfg,
		auditCfg:   auditCfg,
		monitor:    monitor,
		access:     access,
		fw:         fw,
		bus:        bus,
	}
}

// Start launches the alert consumer and the retention trim worker.
func (a *Auditor) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.bus != nil {
		alerts := a.bus.Subscribe(busSubscriber)
		a.wg.Add(1)
		go a.consumeAlerts(alerts)
	}

	a.wg.Add(1)
	go a.trimWorker()

	a.logger.Info("Security auditor started",
		zap.Duration("retention", a.auditCfg.Retention),
	)
}

// Stop cancels the workers and waits for them.
func (a *Auditor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bus != nil {
		a.bus.Unsubscribe(busSubscriber)
	}
	a.wg.Wait()
}

// LogAuditEvent appends one event to the trail, assigning identity if the
// caller left it blank.
func (a *Auditor) LogAuditEvent(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = gateway.SeverityLow
	}
	return a.store.Insert(ctx, &event)
}

// AuditEvents returns the newest events, newest first.
func (a *Auditor) AuditEvents(ctx context.Context, limit int) ([]Event, error) {
	return a.store.Recent(ctx, limit)
}

// AuditEventsByType returns the newest events of one type.
func (a *Auditor) AuditEventsByType(ctx context.Context, t EventType, limit int) ([]Event, error) {
	return a.store.ByType(ctx, t, limit)
}

// AuditEventsBySeverity returns the newest events of one severity.
func (a *Auditor) AuditEventsBySeverity(ctx context.Context, sev gateway.Severity, limit int) ([]Event, error) {
	return a.store.BySeverity(ctx, sev, limit)
}

// consumeAlerts turns broadcast security alerts into audit events.
func (a *Auditor) consumeAlerts(alerts <-chan gateway.SecurityAlert) {
	defer a.wg.Done()

	for {
		select {
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			event := Event{
				Timestamp:   alert.Timestamp,
				Type:        eventTypeForAlert(alert.Type),
				Severity:    alert.Severity,
				Source:      "connection_monitor",
				Description: alert.Description,
				Details:     alert.Metadata,
				SourceIP:    alert.SourceIP,
			}
			if err := a.LogAuditEvent(a.ctx, event); err != nil {
				a.logger.Error("Failed to record alert in audit trail",
					zap.String("alert_id", alert.ID), zap.Error(err))
			}
		case <-a.ctx.Done():
			return
		}
	}
}

func eventTypeForAlert(t gateway.AlertType) EventType {
	switch t {
	case gateway.AlertUnauthorizedAccess:
		return EventAccessDenied
	case gateway.AlertPortScanDetected:
		return EventSecurityViolation
	default:
		return EventAlertGenerated
	}
}

// trimWorker enforces the retention window on the audit trail.
func (a *Auditor) trimWorker() {
	defer a.wg.Done()

	interval := a.auditCfg.TrimInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			retention := a.auditCfg.Retention
			if retention <= 0 {
				retention = 30 * 24 * time.Hour
			}
			n, err := a.store.TrimBefore(a.ctx, time.Now().Add(-retention))
			if err != nil {
				a.logger.Error("Audit trail trim failed", zap.Error(err))
			} else if n > 0 {
				a.logger.Info("Trimmed audit trail", zap.Int64("deleted", n))
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// PerformComplianceCheck runs the full battery. It never returns an error:
// a check that cannot determine its status reports NOT_APPLICABLE with the
// reason in details, and collaborator failures downgrade to WARNING.
func (a *Auditor) PerformComplianceCheck(ctx context.Context) []ComplianceCheck {
	now := time.Now()
	checks := []ComplianceCheck{
		a.checkSinglePortExposure(now),
		a.checkFirewallBaseline(ctx, now),
		a.checkAccessLogDurability(now),
		a.checkRealtimeAlerting(now),
		a.checkRateLimitConfigured(now),
	}

	for _, c := range checks {
		if c.Status == StatusFail {
			a.logger.Warn("Compliance check failed",
				zap.String("check", c.Name), zap.String("details", c.Details))
		}
	}
	return checks
}

func (a *Auditor) checkSinglePortExposure(now time.Time) ComplianceCheck {
	check := ComplianceCheck{
		ID:          uuid.New().String(),
		Name:        "single-port-exposure",
		Description: "The gateway should expose exactly one service port",
		Category:    CategoryAccessControl,
		LastChecked: now,
	}

	switch n := len(a.gatewayCfg.AllowedPorts); {
	case n == 0:
		check.Status = StatusFail
		check.Details = "allow-list is empty: no port is reachable"
	case n == 1:
		check.Status = StatusPass
		check.Details = fmt.Sprintf("exactly one port exposed: %d", a.gatewayCfg.AllowedPorts[0])
	default:
		check.Status = StatusWarning
		check.Details = fmt.Sprintf("%d ports exposed; minimal exposure is one", n)
	}
	return check
}

func (a *Auditor) checkFirewallBaseline(ctx context.Context, now time.Time) ComplianceCheck {
	check := ComplianceCheck{
		ID:          uuid.New().String(),
		Name:        "firewall-baseline",
		Description: "The platform firewall should match the default-deny baseline",
		Category:    CategoryNetworkSecurity,
		LastChecked: now,
	}

	if a.fw == nil {
		check.Status = StatusNotApplicable
		check.Details = "no firewall collaborator configured"
		return check
	}

	v, err := a.fw.Validate(ctx, a.gatewayCfg.AllowedPorts)
	if err != nil {
		check.Status = StatusWarning
		check.Details = fmt.Sprintf("firewall validation unavailable: %v", err)
		return check
	}
	if !v.Valid {
		check.Status = StatusFail
		check.Details = fmt.Sprintf("configuration drift: %v", v.Issues)
		return check
	}
	check.Status = StatusPass
	check.Details = "live configuration matches the baseline"
	return check
}

func (a *Auditor) checkAccessLogDurability(now time.Time) ComplianceCheck {
	check := ComplianceCheck{
		ID:          uuid.New().String(),
		Name:        "access-log-durability",
		Description: "Access logging should be writing and rotating its durable store",
		Category:    CategoryLogging,
		LastChecked: now,
	}

	if a.access == nil {
		check.Status = StatusNotApplicable
		check.Details = "no access logger configured"
		return check
	}

	store := a.access.Store()
	rotated := len(store.RotatedFiles())
	check.Status = StatusPass
	check.Details = fmt.Sprintf("durable store at %s, %d rotation(s) retained", store.Path(), rotated)
	return check
}

func (a *Auditor) checkRealtimeAlerting(now time.Time) ComplianceCheck {
	check := ComplianceCheck{
		ID:          uuid.New().String(),
		Name:        "realtime-critical-alerting",
		Description: "CRITICAL alerts must be surfaced at generation time, not only on poll",
		Category:    CategoryMonitoring,
		LastChecked: now,
	}

	if a.monitor == nil || a.bus == nil {
		check.Status = StatusFail
		check.Details = "connection monitor or alert bus not wired: alerts are poll-only"
		return check
	}
	check.Status = StatusPass
	check.Details = "alerts are logged synchronously and broadcast to subscribers"
	return check
}

func (a *Auditor) checkRateLimitConfigured(now time.Time) ComplianceCheck {
	check := ComplianceCheck{
		ID:          uuid.New().String(),
		Name:        "rate-limit-configured",
		Description: "Per-source rate limiting should be active with sane thresholds",
		Category:    CategoryConfiguration,
		LastChecked: now,
	}

	switch {
	case a.gatewayCfg.RateLimitMax <= 0 || a.gatewayCfg.RateLimitWindow <= 0:
		check.Status = StatusFail
		check.Details = "rate limiting is effectively disabled"
	case a.gatewayCfg.RateLimitMax > 1000:
		check.Status = StatusWarning
		check.Details = fmt.Sprintf("ceiling of %d/window is too permissive to throttle abuse", a.gatewayCfg.RateLimitMax)
	default:
		check.Status = StatusPass
		check.Details = fmt.Sprintf("%d requests per %s", a.gatewayCfg.RateLimitMax, a.gatewayCfg.RateLimitWindow)
	}
	return check
}
