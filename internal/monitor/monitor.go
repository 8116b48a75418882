// Package monitor is the periodic orchestration loop: it polls system
// metrics, applies alert thresholds, validates firewall state and triggers
// report generation. It is the only component that reaches the firewall
// collaborator on a cadence.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/knakagaki/gatewarden/internal/audit"
	"github.com/knakagaki/gatewarden/internal/config"
	"github.com/knakagaki/gatewarden/internal/firewall"
	"github.com/knakagaki/gatewarden/internal/gateway"
)

const busSubscriber = "security_monitor"

// rateSampleWindow is how many check-interval samples feed the request-rate
// anomaly detector.
const rateSampleWindow = 60

// SecurityMonitor ties the periodic cadence together.
type SecurityMonitor struct {
	logger *zap.Logger
	config config.MonitorConfig

	ports    *gateway.PortManager
	connMon  *gateway.ConnectionMonitor
	auditor  *audit.Auditor
	fw       firewall.Manager
	bus      *gateway.AlertBus
	allowed  []int
	registry *prometheus.Registry

	mu          sync.Mutex
	rateSamples []float64
	lastTotal   int

	// Prometheus metrics.
	cpuPercent     prometheus.Gauge
	memPercent     prometheus.Gauge
	connTotal      prometheus.Gauge
	connBlocked    prometheus.Gauge
	alertsTotal    *prometheus.CounterVec
	rateZScore     prometheus.Gauge
	firewallValid  prometheus.Gauge
	checksRun      prometheus.Counter
	checkFailures  prometheus.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the security monitor and registers its metrics on a private
// registry, exposed via Registry() for the HTTP layer to mount.
func New(
	cfg config.MonitorConfig,
	ports *gateway.PortManager,
	connMon *gateway.ConnectionMonitor,
	auditor *audit.Auditor,
	fw firewall.Manager,
	bus *gateway.AlertBus,
	allowedPorts []int,
	logger *zap.Logger,
) *SecurityMonitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 24 * time.Hour
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 90
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 90
	}
	if cfg.BlockedRatio <= 0 {
		cfg.BlockedRatio = 0.1
	}
	if cfg.AnomalyZScore <= 0 {
		cfg.AnomalyZScore = 3
	}
	if cfg.FirewallTimeout <= 0 {
		cfg.FirewallTimeout = 30 * time.Second
	}

	registry := prometheus.NewRegistry()
	m := &SecurityMonitor{
		logger:   logger,
		config:   cfg,
		ports:    ports,
		connMon:  connMon,
		auditor:  auditor,
		fw:       fw,
		bus:      bus,
		allowed:  allowedPorts,
		registry: registry,

		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden", Name: "cpu_percent",
			Help: "Host CPU utilization percentage",
		}),
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden", Name: "memory_percent",
			Help: "Host memory utilization percentage",
		}),
		connTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden", Name: "connection_attempts",
			Help: "Connection attempts currently held in the ledger",
		}),
		connBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden", Name: "connection_attempts_blocked",
			Help: "Blocked connection attempts currently held in the ledger",
		}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatewarden", Name: "alerts_total",
			Help: "Security alerts observed, by type and severity",
		}, []string{"type", "severity"}),
		rateZScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden", Name: "request_rate_zscore",
			Help: "Z-score of the latest request-rate sample against the trailing window",
		}),
		firewallValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewarden", Name: "firewall_valid",
			Help: "1 when the firewall matches the baseline, 0 otherwise",
		}),
		checksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden", Name: "security_checks_total",
			Help: "Completed periodic security check cycles",
		}),
		checkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewarden", Name: "security_check_failures_total",
			Help: "Periodic check cycles that hit a collaborator failure",
		}),
	}

	registry.MustRegister(
		m.cpuPercent, m.memPercent, m.connTotal, m.connBlocked,
		m.alertsTotal, m.rateZScore, m.firewallValid, m.checksRun, m.checkFailures,
	)
	return m
}

// Registry exposes the monitor's metric registry.
func (m *SecurityMonitor) Registry() *prometheus.Registry { return m.registry }

// Start launches the check loop, the report loop and the alert consumer.
func (m *SecurityMonitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.checkLoop()
	go m.reportLoop()

	if m.bus != nil {
		alerts := m.bus.Subscribe(busSubscriber)
		m.wg.Add(1)
		go m.consumeAlerts(alerts)
	}

	m.logger.Info("Security monitor started",
		zap.Duration("check_interval", m.config.CheckInterval),
		zap.Duration("report_interval", m.config.ReportInterval),
	)
}

// Stop cancels all loops and waits for them.
func (m *SecurityMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.bus != nil {
		m.bus.Unsubscribe(busSubscriber)
	}
	m.wg.Wait()
}

func (m *SecurityMonitor) checkLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCheck()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *SecurityMonitor) reportLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.auditor == nil {
				continue
			}
			if _, err := m.auditor.GenerateAuditReport(m.ctx, audit.ReportPeriod{
				Start: time.Now().Add(-m.config.ReportInterval),
				End:   time.Now(),
			}); err != nil {
				m.logger.Error("Scheduled audit report failed", zap.Error(err))
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *SecurityMonitor) consumeAlerts(alerts <-chan gateway.SecurityAlert) {
	defer m.wg.Done()

	for {
		select {
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			m.alertsTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
		case <-m.ctx.Done():
			return
		}
	}
}

// runCheck is one full cycle: system metrics, traffic thresholds, rate
// anomaly, firewall validation. Collaborator failures are downgraded to
// warnings; the loop itself never aborts.
func (m *SecurityMonitor) runCheck() {
	m.checksRun.Inc()

	m.checkSystemLoad()
	m.checkTraffic()
	m.checkFirewall()
}

func (m *SecurityMonitor) checkSystemLoad() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.cpuPercent.Set(percents[0])
		if percents[0] > m.config.CPUThreshold {
			m.raiseSystemEvent("CPU utilization above threshold",
				map[string]interface{}{"cpu_percent": percents[0], "threshold": m.config.CPUThreshold})
		}
	} else if err != nil {
		m.checkFailures.Inc()
		m.logger.Warn("CPU sampling failed", zap.Error(err))
	}

	if vmem, err := mem.VirtualMemory(); err == nil {
		m.memPercent.Set(vmem.UsedPercent)
		if vmem.UsedPercent > m.config.MemoryThreshold {
			m.raiseSystemEvent("Memory utilization above threshold",
				map[string]interface{}{"memory_percent": vmem.UsedPercent, "threshold": m.config.MemoryThreshold})
		}
	} else {
		m.checkFailures.Inc()
		m.logger.Warn("Memory sampling failed", zap.Error(err))
	}
}

func (m *SecurityMonitor) checkTraffic() {
	stats := m.ports.Stats()
	m.connTotal.Set(float64(stats.Total))
	m.connBlocked.Set(float64(stats.Blocked))

	if stats.Total > 0 {
		ratio := float64(stats.Blocked) / float64(stats.Total)
		if ratio > m.config.BlockedRatio {
			m.raiseSystemEvent("Blocked-connection ratio above threshold",
				map[string]interface{}{
					"blocked": stats.Blocked, "total": stats.Total,
					"ratio": ratio, "threshold": m.config.BlockedRatio,
				})
		}
	}

	if z, anomalous := m.sampleRate(stats.Total); anomalous {
		m.raiseSystemEvent("Request-rate anomaly detected",
			map[string]interface{}{"zscore": z, "threshold": m.config.AnomalyZScore})
	}
}

// sampleRate records the per-interval attempt delta and scores the latest
// sample against the trailing window. Needs a few samples of history before
// it starts judging.
func (m *SecurityMonitor) sampleRate(total int) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := float64(total - m.lastTotal)
	if delta < 0 {
		delta = 0 // ledger was trimmed between samples
	}
	m.lastTotal = total

	if len(m.rateSamples) >= rateSampleWindow {
		m.rateSamples = m.rateSamples[1:]
	}
	m.rateSamples = append(m.rateSamples, delta)

	if len(m.rateSamples) < 10 {
		return 0, false
	}

	history := m.rateSamples[:len(m.rateSamples)-1]
	mean, stddev := stat.MeanStdDev(history, nil)
	if stddev == 0 {
		m.rateZScore.Set(0)
		return 0, false
	}

	z := (delta - mean) / stddev
	m.rateZScore.Set(z)
	return z, z > m.config.AnomalyZScore
}

func (m *SecurityMonitor) checkFirewall() {
	if m.fw == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.FirewallTimeout)
	defer cancel()

	v, err := m.fw.Validate(ctx, m.allowed)
	if err != nil {
		m.checkFailures.Inc()
		m.firewallValid.Set(0)
		m.logger.Warn("Firewall validation unavailable", zap.Error(err))
		return
	}

	if v.Valid {
		m.firewallValid.Set(1)
		return
	}

	m.firewallValid.Set(0)
	m.logger.Warn("Firewall configuration drift", zap.Strings("issues", v.Issues))
	m.raiseSystemEvent("Firewall configuration drift detected",
		map[string]interface{}{"issues": v.Issues})
}

// raiseSystemEvent records a threshold breach in the audit trail.
func (m *SecurityMonitor) raiseSystemEvent(description string, details map[string]interface{}) {
	m.logger.Warn(description, zap.Any("details", details))

	if m.auditor == nil {
		return
	}
	if err := m.auditor.LogAuditEvent(m.ctx, audit.Event{
		Type:        audit.EventSystemError,
		Severity:    gateway.SeverityMedium,
		Source:      "security_monitor",
		Description: description,
		Details:     details,
	}); err != nil {
		m.logger.Error("Failed to record system event", zap.Error(err))
	}
}
