package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/accesslog"
	"github.com/knakagaki/gatewarden/internal/audit"
	"github.com/knakagaki/gatewarden/internal/gateway"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.started).Seconds(),
		"allowed_ports":  s.gwConfig.AllowedPorts,
	})
}

func (s *Server) handleConnectionLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	s.sendData(w, s.ports.ConnectionLog(limit))
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.ports.Stats())
}

func (s *Server) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.ports.PortStatuses())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if sev := r.URL.Query().Get("severity"); sev != "" {
		s.sendData(w, s.connMon.AlertsBySeverity(gateway.Severity(sev)))
		return
	}
	s.sendData(w, s.connMon.Alerts(queryInt(r, "limit", 100)))
}

func (s *Server) handleMonitoringStats(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.connMon.MonitoringStats())
}

func (s *Server) handleFirewallStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.fw.Status(r.Context())
	if err != nil {
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.sendData(w, status)
}

func (s *Server) handleFirewallValidate(w http.ResponseWriter, r *http.Request) {
	v, err := s.fw.Validate(r.Context(), s.gwConfig.AllowedPorts)
	if err != nil {
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.sendData(w, v)
}

func (s *Server) handleFirewallReconfigure(w http.ResponseWriter, r *http.Request) {
	if err := s.fw.ConfigureSecure(r.Context(), s.gwConfig.AllowedPorts); err != nil {
		s.sendError(w, http.StatusBadGateway, err.Error())
		return
	}

	if s.auditor != nil {
		if err := s.auditor.LogAuditEvent(r.Context(), audit.Event{
			Type:        audit.EventPolicyChange,
			Severity:    gateway.SeverityMedium,
			Source:      "api",
			Description: "Firewall reconfigured via API",
			Details:     map[string]interface{}{"allowed_ports": s.gwConfig.AllowedPorts},
			SourceIP:    r.RemoteAddr,
		}); err != nil {
			s.logger.Error("Failed to audit firewall reconfiguration", zap.Error(err))
		}
	}

	s.sendData(w, map[string]interface{}{"reconfigured": true})
}

func (s *Server) handleAccessLogs(w http.ResponseWriter, r *http.Request) {
	q := accesslog.Query{
		SourceIP:    r.URL.Query().Get("source_ip"),
		Action:      gateway.Action(r.URL.Query().Get("action")),
		ThreatLevel: gateway.Severity(r.URL.Query().Get("threat_level")),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	}
	if t, ok := queryTime(r, "start"); ok {
		q.StartDate = &t
	}
	if t, ok := queryTime(r, "end"); ok {
		q.EndDate = &t
	}

	entries, err := s.access.QueryLogs(q)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendData(w, entries)
}

func (s *Server) handleAccessStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.access.Stats(timeRangeFromQuery(r))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendData(w, stats)
}

func (s *Server) handleAccessReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.access.GenerateSecurityReport(timeRangeFromQuery(r))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendData(w, report)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	var (
		events []audit.Event
		err    error
	)
	switch {
	case r.URL.Query().Get("type") != "":
		events, err = s.auditor.AuditEventsByType(r.Context(), audit.EventType(r.URL.Query().Get("type")), limit)
	case r.URL.Query().Get("severity") != "":
		events, err = s.auditor.AuditEventsBySeverity(r.Context(), gateway.Severity(r.URL.Query().Get("severity")), limit)
	default:
		events, err = s.auditor.AuditEvents(r.Context(), limit)
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendData(w, events)
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	s.sendData(w, s.auditor.PerformComplianceCheck(r.Context()))
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	period := audit.ReportPeriod{}
	if t, ok := queryTime(r, "start"); ok {
		period.Start = t
	}
	if t, ok := queryTime(r, "end"); ok {
		period.End = t
	}

	report, err := s.auditor.GenerateAuditReport(r.Context(), period)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendData(w, report)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryTime(r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func timeRangeFromQuery(r *http.Request) accesslog.TimeRange {
	tr := accesslog.TimeRange{}
	if t, ok := queryTime(r, "start"); ok {
		tr.Start = t
	}
	if t, ok := queryTime(r, "end"); ok {
		tr.End = t
	}
	return tr
}
