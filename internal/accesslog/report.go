package accesslog

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

// Recommendation thresholds. Ratios are over total entries in the window.
const (
	reportBlockedRatio   = 0.10
	reportThreatCount    = 10
	reportUniqueIPs      = 1000
	reportSlowResponseMs = 5000
	reportThreatCap      = 100
)

// GenerateSecurityReport builds the rule-based report over the window:
// the stats summary, every HIGH or CRITICAL entry (capped), and the
// recommendations the numbers trigger.
func (l *Logger) GenerateSecurityReport(tr TimeRange) (*SecurityReport, error) {
	stats, err := l.Stats(tr)
	if err != nil {
		return nil, err
	}

	var threats []Entry
	err = l.store.Scan(func(e Entry) bool {
		if !tr.Contains(e.Timestamp) {
			return true
		}
		if e.ThreatLevel.AtLeast(gateway.SeverityHigh) {
			threats = append(threats, e)
		}
		return len(threats) < reportThreatCap
	})
	if err != nil {
		return nil, err
	}

	report := &SecurityReport{
		Summary:         *stats,
		Threats:         threats,
		Recommendations: recommendations(stats),
		Timestamp:       time.Now(),
	}
	return report, nil
}

func recommendations(stats *Stats) []string {
	var recs []string

	if stats.TotalEntries > 0 {
		ratio := float64(stats.Blocked) / float64(stats.TotalEntries)
		if ratio > reportBlockedRatio {
			recs = append(recs, fmt.Sprintf(
				"High block rate: %.1f%% of %s requests were blocked. Review firewall rules and consider tightening the port allow-list.",
				ratio*100, humanize.Comma(int64(stats.TotalEntries))))
		}
	}

	highAndCritical := stats.ByThreatLevel[gateway.SeverityHigh] + stats.ByThreatLevel[gateway.SeverityCritical]
	if highAndCritical > reportThreatCount {
		recs = append(recs, fmt.Sprintf(
			"%d high or critical threat entries in this window. Investigate the top offending sources and consider blocking them at the firewall.",
			highAndCritical))
	}

	if stats.UniqueIPs > reportUniqueIPs {
		recs = append(recs, fmt.Sprintf(
			"Traffic from %s distinct sources. This volume may indicate distributed scanning; enable stricter rate limiting.",
			humanize.Comma(int64(stats.UniqueIPs))))
	}

	if stats.AvgResponseTime > reportSlowResponseMs {
		recs = append(recs, fmt.Sprintf(
			"Average response time is %.0f ms. Sustained slowness under load can indicate resource exhaustion or an ongoing flood.",
			stats.AvgResponseTime))
	}

	if len(recs) == 0 {
		recs = append(recs, "No elevated indicators in this window. Security posture is normal.")
	}
	return recs
}
