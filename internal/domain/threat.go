package domain

import (
	"strings"
	"time"
)

type ThreatLevel string

const (
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

var threatLevelRank = map[ThreatLevel]int{
	ThreatLevelLow:      0,
	ThreatLevelMedium:   1,
	ThreatLevelHigh:     2,
	ThreatLevelCritical: 3,
}

func (l ThreatLevel) Valid() bool {
	_, ok := threatLevelRank[l]
	return ok
}

func (l ThreatLevel) Rank() int {
	if r, ok := threatLevelRank[l]; ok {
		return r
	}
	return -1
}

func (l ThreatLevel) AtLeast(floor ThreatLevel) bool {
	return l.Rank() >= floor.Rank()
}

type AttackType string

const (
	AttackSQLInjection     AttackType = "sql_injection"
	AttackXSS              AttackType = "xss"
	AttackPathTraversal    AttackType = "path_traversal"
	AttackCommandInjection AttackType = "command_injection"
	AttackSuspiciousUA     AttackType = "suspicious_user_agent"
)

// SignatureMatch is one matched pattern from the signature detector.
// RiskFactor matches (e.g. a scanner user agent) are reported separately from
// detected attacks in event metadata but still count as signature hits.
type SignatureMatch struct {
	Attack     AttackType
	Pattern    string
	Severity   Severity
	RiskFactor bool
	Label      string
}

// Assessment is the anomaly scorer's verdict for one event.
type Assessment struct {
	Score       float64
	IsAnomaly   bool
	RiskFactors []string
}

// ThreatObservation is one event's contribution to an IP's reputation.
// Adverse is set when the event matched a signature or scored as an anomaly;
// benign observations never create records.
type ThreatObservation struct {
	ThreatType  string
	Level       ThreatLevel
	Description string
	ObservedAt  time.Time
	Adverse     bool
}

// ThreatIntelRecord accumulates per-IP reputation. occurrence_count and
// last_seen only advance; first_seen is set once.
type ThreatIntelRecord struct {
	IPAddress       string      `json:"ip_address"`
	ThreatType      string      `json:"threat_type"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	Description     string      `json:"description,omitempty"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	OccurrenceCount int64       `json:"occurrence_count"`
}

func (r *ThreatIntelRecord) Clone() *ThreatIntelRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// AttackLabels extracts the distinct attack families from a match set,
// excluding risk factors, preserving first-seen order.
func AttackLabels(matches []SignatureMatch) []string {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[AttackType]struct{}, len(matches))
	var labels []string
	for _, m := range matches {
		if m.RiskFactor {
			continue
		}
		if _, ok := seen[m.Attack]; ok {
			continue
		}
		seen[m.Attack] = struct{}{}
		labels = append(labels, string(m.Attack))
	}
	return labels
}

// DominantThreatType picks a single label for a threat intel record from the
// observed attacks, preferring the first attack family over generic anomaly.
func DominantThreatType(matches []SignatureMatch, isAnomaly bool) string {
	for _, m := range matches {
		if !m.RiskFactor {
			return string(m.Attack)
		}
	}
	for _, m := range matches {
		return string(m.Attack)
	}
	if isAnomaly {
		return "behavioral_anomaly"
	}
	return ""
}

// ThreatLevelForSeverity maps an event severity to the intel level recorded
// for its source IP.
func ThreatLevelForSeverity(s Severity) ThreatLevel {
	switch s {
	case SeverityCritical:
		return ThreatLevelCritical
	case SeverityHigh:
		return ThreatLevelHigh
	case SeverityMedium:
		return ThreatLevelMedium
	default:
		return ThreatLevelLow
	}
}

func ParseThreatLevel(s string) (ThreatLevel, bool) {
	l := ThreatLevel(strings.ToLower(strings.TrimSpace(s)))
	return l, l.Valid()
}
