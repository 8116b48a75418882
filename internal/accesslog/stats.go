package accesslog

import (
	"sort"

	"github.com/knakagaki/gatewarden/internal/gateway"
)

const topN = 10

// Stats aggregates the stored entries inside the window in a single pass.
// Buffered entries not yet flushed are not counted.
func (l *Logger) Stats(tr TimeRange) (*Stats, error) {
	stats := &Stats{
		ByThreatLevel:  make(map[gateway.Severity]int),
		ByHour:         make(map[int]int),
		ByResponseCode: make(map[int]int),
	}

	ipCounts := make(map[string]int)
	ipLevels := make(map[string]gateway.Severity)
	ipFirst := make(map[string]int) // scan order, for stable ranking
	pathCounts := make(map[string]int)
	pathFirst := make(map[string]int)

	var rtSum float64
	var rtCount int
	scanned := 0

	err := l.store.Scan(func(e Entry) bool {
		if !tr.Contains(e.Timestamp) {
			return true
		}
		scanned++

		stats.TotalEntries++
		switch e.Action {
		case gateway.ActionAllowed:
			stats.Allowed++
		case gateway.ActionBlocked:
			stats.Blocked++
		case gateway.ActionRateLimited:
			stats.RateLimited++
		}

		if _, seen := ipCounts[e.SourceIP]; !seen {
			ipFirst[e.SourceIP] = scanned
		}
		ipCounts[e.SourceIP]++
		if e.ThreatLevel.AtLeast(ipLevels[e.SourceIP]) {
			ipLevels[e.SourceIP] = e.ThreatLevel
		}

		if e.Path != "" {
			if _, seen := pathCounts[e.Path]; !seen {
				pathFirst[e.Path] = scanned
			}
			pathCounts[e.Path]++
		}

		stats.ByThreatLevel[e.ThreatLevel]++
		stats.ByHour[e.Timestamp.Hour()]++
		if e.ResponseCode != 0 {
			stats.ByResponseCode[e.ResponseCode]++
		}

		if e.ResponseTime > 0 {
			rtSum += e.ResponseTime
			rtCount++
		}
		stats.TotalBytes += e.BytesTransferred
		return true
	})
	if err != nil {
		return nil, err
	}

	stats.UniqueIPs = len(ipCounts)
	if rtCount > 0 {
		stats.AvgResponseTime = rtSum / float64(rtCount)
	}

	for ip, count := range ipCounts {
		stats.TopIPs = append(stats.TopIPs, IPStat{IP: ip, Count: count, ThreatLevel: ipLevels[ip]})
	}
	sort.SliceStable(stats.TopIPs, func(i, j int) bool {
		a, b := stats.TopIPs[i], stats.TopIPs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return ipFirst[a.IP] < ipFirst[b.IP]
	})
	if len(stats.TopIPs) > topN {
		stats.TopIPs = stats.TopIPs[:topN]
	}

	for path, count := range pathCounts {
		stats.TopPaths = append(stats.TopPaths, PathStat{Path: path, Count: count})
	}
	sort.SliceStable(stats.TopPaths, func(i, j int) bool {
		a, b := stats.TopPaths[i], stats.TopPaths[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return pathFirst[a.Path] < pathFirst[b.Path]
	})
	if len(stats.TopPaths) > topN {
		stats.TopPaths = stats.TopPaths[:topN]
	}

	return stats, nil
}
