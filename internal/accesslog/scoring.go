package accesslog

import (
	"strings"

	"github.com/knakagaki/gatewarden/internal/gateway"
	"github.com/knakagaki/gatewarden/internal/rules"
)

// Threat scoring is an additive point table over an entry's own fields.
// It must stay a pure function so re-scoring any stored entry is
// deterministic and order-independent.

const (
	scoreCritical = 6
	scoreHigh     = 4
	scoreMedium   = 2
)

// ThreatScore computes the additive point score for an entry.
func ThreatScore(e *Entry, sigs *rules.Signatures) int {
	score := 0

	switch e.Action {
	case gateway.ActionBlocked:
		score += 3
	case gateway.ActionRateLimited:
		score += 2
	}

	if e.ResponseCode >= 400 {
		score++
		if e.ResponseCode >= 500 {
			score += 2
		}
	}

	if sigs.MatchUserAgent(e.UserAgent) {
		score += 2
	}
	if sigs.MatchPath(e.Path) {
		score += 3
	}

	reason := strings.ToLower(e.Reason)
	if strings.Contains(reason, "port scan") {
		score += 4
	}
	if strings.Contains(reason, "brute force") {
		score += 3
	}
	if strings.Contains(reason, "injection") {
		score += 4
	}

	return score
}

// LevelForScore maps a point score onto the shared severity vocabulary.
func LevelForScore(score int) gateway.Severity {
	switch {
	case score >= scoreCritical:
		return gateway.SeverityCritical
	case score >= scoreHigh:
		return gateway.SeverityHigh
	case score >= scoreMedium:
		return gateway.SeverityMedium
	default:
		return gateway.SeverityLow
	}
}
