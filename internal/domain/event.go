package domain

import (
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities for comparison; higher is more severe.
// Unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// RawEvent is the caller-supplied shape accepted by the ingestion API.
// Severity is optional and defaults to info; everything derived
// (id, is_anomaly, anomaly_score) is absent by design.
type RawEvent struct {
	Timestamp      time.Time      `json:"timestamp,omitempty"`
	Source         string         `json:"source"`
	Severity       string         `json:"severity,omitempty"`
	EventType      string         `json:"event_type"`
	Message        string         `json:"message"`
	SourceIP       string         `json:"source_ip,omitempty"`
	DestinationIP  string         `json:"destination_ip,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Username       string         `json:"username,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Severity      Severity       `json:"severity"`
	EventType     string         `json:"event_type"`
	Message       string         `json:"message"`
	SourceIP      netip.Addr     `json:"source_ip,omitempty"`
	DestinationIP netip.Addr     `json:"destination_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Username      string         `json:"username,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	// Derived by the pipeline, write-once. Callers cannot supply these.
	IsAnomaly    bool    `json:"is_anomaly"`
	AnomalyScore float64 `json:"anomaly_score"`
}

// NewEvent builds an Event from validated raw input, assigning the id and
// defaulting the timestamp to now and the severity to info.
func NewEvent(raw *RawEvent) *Event {
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	sev := SeverityInfo
	if raw.Severity != "" {
		if parsed, ok := ParseSeverity(raw.Severity); ok {
			sev = parsed
		}
	}

	ev := &Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Source:    raw.Source,
		Severity:  sev,
		EventType: raw.EventType,
		Message:   raw.Message,
		UserAgent: raw.UserAgent,
		Username:  raw.Username,
	}

	if raw.SourceIP != "" {
		if addr, err := netip.ParseAddr(raw.SourceIP); err == nil {
			ev.SourceIP = addr
		}
	}
	if raw.DestinationIP != "" {
		if addr, err := netip.ParseAddr(raw.DestinationIP); err == nil {
			ev.DestinationIP = addr
		}
	}

	if len(raw.Metadata) > 0 {
		ev.Metadata = make(map[string]any, len(raw.Metadata))
		for k, v := range raw.Metadata {
			ev.Metadata[k] = v
		}
	}

	return ev
}

// Validate checks the caller-supplied required fields. An unparseable IP is
// not an error here: detectors treat it as absent.
func (r *RawEvent) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return &ValidationError{Field: "source", Reason: "required field is missing"}
	}
	if strings.TrimSpace(r.EventType) == "" {
		return &ValidationError{Field: "event_type", Reason: "required field is missing"}
	}
	if strings.TrimSpace(r.Message) == "" {
		return &ValidationError{Field: "message", Reason: "required field is missing"}
	}
	if r.Severity != "" {
		if _, ok := ParseSeverity(r.Severity); !ok {
			return &ValidationError{Field: "severity", Reason: "must be one of: critical, high, medium, low, info"}
		}
	}
	return nil
}

func (e *Event) SourceIPString() string {
	if !e.SourceIP.IsValid() {
		return ""
	}
	return e.SourceIP.String()
}

// SetMetadata attaches a key without clobbering a nil map.
func (e *Event) SetMetadata(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, 4)
	}
	e.Metadata[key] = value
}

// MetadataString returns a metadata value if present and a string.
// Absent keys and non-string values read as empty.
func (e *Event) MetadataString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if s, ok := e.Metadata[key].(string); ok {
		return s
	}
	return ""
}
