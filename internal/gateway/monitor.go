package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/rules"
)

// MonitorConfig tunes the connection monitor. Zero values fall back to the
// gateway defaults (60 requests per 60s window, 5 distinct ports per 5m).
type MonitorConfig struct {
	RateLimitWindow   time.Duration
	RateLimitMax      int
	PortScanWindow    time.Duration
	PortScanThreshold int

	AlertCapacity      int
	AlertRetention     time.Duration
	AlertSweepInterval time.Duration
	LimitSweepInterval time.Duration
}

// ConnectionMonitor turns raw connection attempts into admission decisions,
// applying per-source rate limiting and pattern-based threat detection, and
// emits alerts as a side effect.
type ConnectionMonitor struct {
	logger *zap.Logger
	config MonitorConfig

	ports *PortManager
	bus   *AlertBus
	sigs  *rules.Signatures
	sink  *AlertLog // nil disables persistence

	mu     sync.Mutex
	alerts []SecurityAlert // ring buffer
	next   int
	count  int

	windows    map[string]*rateWindow
	history    map[string]*portHistory
	suspicious map[string]*suspiciousIP

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// rateWindow is a fixed-window request counter for one source IP.
type rateWindow struct {
	windowStart time.Time
	count       int
}

// portHistory is the trailing record of ports one source IP has touched.
type portHistory struct {
	hits          []portHit
	lastScanAlert time.Time
}

type portHit struct {
	port int
	at   time.Time
}

// suspiciousIP accumulates per-source alert activity.
type suspiciousIP struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	AlertCount int
	Types      map[AlertType]int
}

// NewConnectionMonitor creates a connection monitor. sink may be nil.
func NewConnectionMonitor(config MonitorConfig, ports *PortManager, bus *AlertBus, sigs *rules.Signatures, sink *AlertLog, logger *zap.Logger) *ConnectionMonitor {
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = 60 * time.Second
	}
	if config.RateLimitMax <= 0 {
		config.RateLimitMax = 60
	}
	if config.PortScanWindow <= 0 {
		config.PortScanWindow = 5 * time.Minute
	}
	if config.PortScanThreshold <= 0 {
		config.PortScanThreshold = 5
	}
	if config.AlertCapacity <= 0 {
		config.AlertCapacity = 1000
	}
	if config.AlertRetention <= 0 {
		config.AlertRetention = 24 * time.Hour
	}
	if config.AlertSweepInterval <= 0 {
		config.AlertSweepInterval = 1 * time.Hour
	}
	if config.LimitSweepInterval <= 0 {
		config.LimitSweepInterval = 5 * time.Minute
	}

	return &ConnectionMonitor{
		logger:     logger,
		config:     config,
		ports:      ports,
		bus:        bus,
		sigs:       sigs,
		sink:       sink,
		alerts:     make([]SecurityAlert, config.AlertCapacity),
		windows:    make(map[string]*rateWindow),
		history:    make(map[string]*portHistory),
		suspicious: make(map[string]*suspiciousIP),
	}
}

// Start launches the periodic sweep workers.
func (cm *ConnectionMonitor) Start(ctx context.Context) {
	cm.ctx, cm.cancel = context.WithCancel(ctx)

	cm.wg.Add(2)
	go cm.sweepWorker(cm.config.AlertSweepInterval, cm.sweepAlerts)
	go cm.sweepWorker(cm.config.LimitSweepInterval, cm.sweepWindows)

	cm.logger.Info("Connection monitor started",
		zap.Int("rate_limit_max", cm.config.RateLimitMax),
		zap.Duration("rate_limit_window", cm.config.RateLimitWindow),
		zap.Int("portscan_threshold", cm.config.PortScanThreshold),
	)
}

// Stop cancels the sweep workers and waits for them.
func (cm *ConnectionMonitor) Stop() {
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.wg.Wait()
}

// MonitorConnection runs the admission pipeline for one inbound connection:
// authorization, rate limiting, then pattern detection. The attempt is
// logged into the port manager on every path.
func (cm *ConnectionMonitor) MonitorConnection(sourceIP string, targetPort int, protocol, userAgent string) Decision {
	now := time.Now()

	// Authorization.
	if !cm.ports.IsConnectionAllowed(sourceIP, targetPort) {
		reason := fmt.Sprintf("Port %d not in allowed list", targetPort)
		cm.raiseAlert(AlertUnauthorizedAccess, SeverityMedium, sourceIP,
			fmt.Sprintf("Connection attempt to unauthorized port %d", targetPort),
			map[string]interface{}{"port": targetPort, "protocol": protocol},
		)
		cm.logAttempt(sourceIP, targetPort, protocol, userAgent, ActionBlocked, reason)
		return Decision{Allowed: false, Reason: reason}
	}

	// Rate limiting. A limited request never reaches pattern detection.
	if n, limited := cm.hitRateLimit(sourceIP, now); limited {
		reason := fmt.Sprintf("Rate limit exceeded: %d/%d requests per minute", n, cm.config.RateLimitMax)
		cm.raiseAlert(AlertRateLimitExceeded, SeverityMedium, sourceIP,
			fmt.Sprintf("Source %s exceeded the request ceiling", sourceIP),
			map[string]interface{}{"requests": n, "limit": cm.config.RateLimitMax},
		)
		cm.logAttempt(sourceIP, targetPort, protocol, userAgent, ActionBlocked, reason)
		return Decision{Allowed: false, Reason: reason}
	}

	// Pattern detection: observational, never gates the connection. A
	// scanner's final successful probe is itself the tell, so this runs on
	// allowed traffic too.
	cm.detectPortScan(sourceIP, targetPort, now)
	if cm.sigs.MatchUserAgent(userAgent) {
		cm.raiseAlert(AlertSuspiciousActivity, SeverityMedium, sourceIP,
			fmt.Sprintf("Suspicious user agent: %s", userAgent),
			map[string]interface{}{"user_agent": userAgent, "port": targetPort},
		)
	}

	cm.logAttempt(sourceIP, targetPort, protocol, userAgent, ActionAllowed, "")
	return Decision{Allowed: true}
}

// hitRateLimit counts the request against the source's fixed window and
// reports the observed count when the ceiling is exceeded.
func (cm *ConnectionMonitor) hitRateLimit(sourceIP string, now time.Time) (int, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	w, ok := cm.windows[sourceIP]
	if !ok || now.Sub(w.windowStart) >= cm.config.RateLimitWindow {
		w = &rateWindow{windowStart: now}
		cm.windows[sourceIP] = w
	}

	w.count++
	return w.count, w.count > cm.config.RateLimitMax
}

// detectPortScan records the port touch and raises a HIGH alert when the
// source has hit more distinct ports than the threshold inside the trailing
// window. At most one alert is raised per source per window.
func (cm *ConnectionMonitor) detectPortScan(sourceIP string, targetPort int, now time.Time) {
	cm.mu.Lock()

	h, ok := cm.history[sourceIP]
	if !ok {
		h = &portHistory{}
		cm.history[sourceIP] = h
	}

	cutoff := now.Add(-cm.config.PortScanWindow)
	i := 0
	for i < len(h.hits) && h.hits[i].at.Before(cutoff) {
		i++
	}
	h.hits = append(h.hits[i:], portHit{port: targetPort, at: now})

	distinct := make(map[int]bool, len(h.hits))
	for _, hit := range h.hits {
		distinct[hit.port] = true
	}

	shouldAlert := len(distinct) > cm.config.PortScanThreshold &&
		now.Sub(h.lastScanAlert) >= cm.config.PortScanWindow
	if shouldAlert {
		h.lastScanAlert = now
	}

	var ports []int
	if shouldAlert {
		for p := range distinct {
			ports = append(ports, p)
		}
		sort.Ints(ports)
	}
	cm.mu.Unlock()

	if shouldAlert {
		cm.raiseAlert(AlertPortScanDetected, SeverityHigh, sourceIP,
			fmt.Sprintf("Port scan detected: %d distinct ports in %s", len(ports), cm.config.PortScanWindow),
			map[string]interface{}{"ports": ports, "distinct_ports": len(ports)},
		)
	}
}

func (cm *ConnectionMonitor) logAttempt(sourceIP string, targetPort int, protocol, userAgent string, action Action, reason string) {
	cm.ports.LogConnectionAttempt(ConnectionAttempt{
		SourceIP:   sourceIP,
		TargetPort: targetPort,
		Protocol:   protocol,
		UserAgent:  userAgent,
		Action:     action,
		Reason:     reason,
	})
}

// raiseAlert records, persists, broadcasts and surfaces an alert. HIGH and
// CRITICAL alerts are surfaced synchronously at generation time.
func (cm *ConnectionMonitor) raiseAlert(alertType AlertType, severity Severity, sourceIP, description string, metadata map[string]interface{}) {
	alert := SecurityAlert{
		ID:          uuid.New().String(),
		Type:        alertType,
		Severity:    severity,
		SourceIP:    sourceIP,
		Description: description,
		Timestamp:   time.Now(),
		Metadata:    metadata,
	}

	cm.mu.Lock()
	cm.alerts[cm.next] = alert
	cm.next = (cm.next + 1) % len(cm.alerts)
	if cm.count < len(cm.alerts) {
		cm.count++
	}

	s, ok := cm.suspicious[sourceIP]
	if !ok {
		s = &suspiciousIP{FirstSeen: alert.Timestamp, Types: make(map[AlertType]int)}
		cm.suspicious[sourceIP] = s
	}
	s.LastSeen = alert.Timestamp
	s.AlertCount++
	s.Types[alertType]++
	cm.mu.Unlock()

	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alertType)),
		zap.String("severity", string(severity)),
		zap.String("source_ip", sourceIP),
		zap.String("description", description),
	}
	switch {
	case severity.AtLeast(SeverityCritical):
		cm.logger.Error("Security alert", fields...)
	case severity.AtLeast(SeverityHigh):
		cm.logger.Warn("Security alert", fields...)
	default:
		cm.logger.Info("Security alert", fields...)
	}

	if cm.sink != nil {
		if err := cm.sink.Append(alert); err != nil {
			cm.logger.Error("Failed to persist alert", zap.Error(err))
		}
	}

	cm.bus.Publish(alert)
}

// Alerts returns the most recent limit alerts, newest-last. limit <= 0
// returns everything buffered.
func (cm *ConnectionMonitor) Alerts(limit int) []SecurityAlert {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if limit <= 0 || limit > cm.count {
		limit = cm.count
	}

	out := make([]SecurityAlert, 0, limit)
	for i := cm.count - limit; i < cm.count; i++ {
		out = append(out, cm.alertAt(i))
	}
	return out
}

// AlertsBySeverity returns all buffered alerts of the given severity.
func (cm *ConnectionMonitor) AlertsBySeverity(severity Severity) []SecurityAlert {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var out []SecurityAlert
	for i := 0; i < cm.count; i++ {
		if a := cm.alertAt(i); a.Severity == severity {
			out = append(out, a)
		}
	}
	return out
}

func (cm *ConnectionMonitor) alertAt(i int) SecurityAlert {
	idx := (cm.next - cm.count + i + len(cm.alerts)) % len(cm.alerts)
	return cm.alerts[idx]
}

// MonitoringStats projects the monitor's in-memory state.
func (cm *ConnectionMonitor) MonitoringStats() MonitoringStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := MonitoringStats{
		TotalAlerts:      cm.count,
		AlertsBySeverity: make(map[Severity]int),
		SuspiciousIPs:    len(cm.suspicious),
		ActiveRateLimits: len(cm.windows),
		TopAlertTypes:    []AlertTypeCount{},
	}

	typeCounts := make(map[AlertType]int)
	typeOrder := make(map[AlertType]int)
	for i := 0; i < cm.count; i++ {
		a := cm.alertAt(i)
		stats.AlertsBySeverity[a.Severity]++
		if _, seen := typeOrder[a.Type]; !seen {
			typeOrder[a.Type] = i
		}
		typeCounts[a.Type]++
	}

	ranked := make([]AlertTypeCount, 0, len(typeCounts))
	for t, c := range typeCounts {
		ranked = append(ranked, AlertTypeCount{Type: t, Count: c})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return typeOrder[ranked[i].Type] < typeOrder[ranked[j].Type]
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	stats.TopAlertTypes = ranked

	return stats
}

func (cm *ConnectionMonitor) sweepWorker(interval time.Duration, sweep func()) {
	defer cm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-cm.ctx.Done():
			return
		}
	}
}

// sweepAlerts drops alerts past retention along with stale suspicious-IP
// entries. Runs hourly.
func (cm *ConnectionMonitor) sweepAlerts() {
	cutoff := time.Now().Add(-cm.config.AlertRetention)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	kept := make([]SecurityAlert, 0, cm.count)
	for i := 0; i < cm.count; i++ {
		if a := cm.alertAt(i); a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}

	capacity := len(cm.alerts)
	cm.alerts = make([]SecurityAlert, capacity)
	copy(cm.alerts, kept)
	cm.count = len(kept)
	cm.next = cm.count % capacity

	for ip, s := range cm.suspicious {
		if s.LastSeen.Before(cutoff) {
			delete(cm.suspicious, ip)
		}
	}
}

// sweepWindows drops expired rate-limit windows and stale port histories.
// Runs every five minutes.
func (cm *ConnectionMonitor) sweepWindows() {
	now := time.Now()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	for ip, w := range cm.windows {
		if now.Sub(w.windowStart) >= cm.config.RateLimitWindow {
			delete(cm.windows, ip)
		}
	}

	cutoff := now.Add(-cm.config.PortScanWindow)
	for ip, h := range cm.history {
		i := 0
		for i < len(h.hits) && h.hits[i].at.Before(cutoff) {
			i++
		}
		h.hits = h.hits[i:]
		if len(h.hits) == 0 {
			delete(cm.history, ip)
		}
	}
}
