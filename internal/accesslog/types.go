// Package accesslog keeps the durable, threat-scored record of HTTP-level
// access. It is independent of the transport-level admission pair: entries
// may describe requests that never went through port authorization.
package accesslog

import (
	"time"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

// Entry is one HTTP-level access record. ThreatLevel is derived once at
// creation from the entry's own fields and never recomputed.
type Entry struct {
	ID               string                 `json:"id"`
	Timestamp        time.Time              `json:"timestamp"`
	SourceIP         string                 `json:"source_ip"`
	TargetPort       int                    `json:"target_port"`
	Protocol         string                 `json:"protocol"`
	Method           string                 `json:"method,omitempty"`
	Path             string                 `json:"path,omitempty"`
	UserAgent        string                 `json:"user_agent,omitempty"`
	Action           gateway.Action         `json:"action"`
	Reason           string                 `json:"reason,omitempty"`
	ResponseCode     int                    `json:"response_code,omitempty"`
	ResponseTime     float64                `json:"response_time_ms,omitempty"`
	BytesTransferred int64                  `json:"bytes_transferred,omitempty"`
	ThreatLevel      gateway.Severity       `json:"threat_level"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Query filters the durable log.
type Query struct {
	StartDate   *time.Time
	EndDate     *time.Time
	SourceIP    string
	Action      gateway.Action
	ThreatLevel gateway.Severity
	Limit       int
	Offset      int
}

// TimeRange bounds a stats or report window. Zero bounds are open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the range.
func (tr TimeRange) Contains(ts time.Time) bool {
	if !tr.Start.IsZero() && ts.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && ts.After(tr.End) {
		return false
	}
	return true
}

// IPStat is one ranked source in the stats aggregate.
type IPStat struct {
	IP          string           `json:"ip"`
	Count       int              `json:"count"`
	ThreatLevel gateway.Severity `json:"threat_level"` // highest observed
}

// PathStat is one ranked request path.
type PathStat struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Stats is a single-pass aggregate over a query window.
type Stats struct {
	TotalEntries    int                      `json:"total_entries"`
	Allowed         int                      `json:"allowed"`
	Blocked         int                      `json:"blocked"`
	RateLimited     int                      `json:"rate_limited"`
	UniqueIPs       int                      `json:"unique_ips"`
	TopIPs          []IPStat                 `json:"top_ips"`
	TopPaths        []PathStat               `json:"top_paths"`
	ByThreatLevel   map[gateway.Severity]int `json:"by_threat_level"`
	ByHour          map[int]int              `json:"by_hour"`
	ByResponseCode  map[int]int              `json:"by_response_code"`
	AvgResponseTime float64                  `json:"avg_response_time_ms"`
	TotalBytes      int64                    `json:"total_bytes"`
}

// SecurityReport is the rule-based report over a window.
type SecurityReport struct {
	Summary         Stats     `json:"summary"`
	Threats         []Entry   `json:"threats"` // HIGH and CRITICAL entries
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}
