package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ConditionKind string

const (
	// ConditionEventTypeThreshold fires when events of a given type cross a
	// count threshold inside a rolling window.
	ConditionEventTypeThreshold ConditionKind = "event_type_threshold"
	// ConditionSeverityThreshold is the same but keyed on event severity.
	ConditionSeverityThreshold ConditionKind = "severity_threshold"
	// ConditionThreatIntel fires when the source IP has an intel record at or
	// above a minimum threat level.
	ConditionThreatIntel ConditionKind = "threat_intel"
)

// RuleCondition is the closed set of alert rule predicates. Which fields are
// meaningful depends on Kind; Validate rejects anything else at load time so
// the evaluator never sees an unknown shape.
type RuleCondition struct {
	Kind           ConditionKind `json:"kind" yaml:"kind"`
	EventType      string        `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Severity       Severity      `json:"severity,omitempty" yaml:"severity,omitempty"`
	Threshold      int           `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	WindowMinutes  int           `json:"window_minutes,omitempty" yaml:"window_minutes,omitempty"`
	MinThreatLevel ThreatLevel   `json:"min_threat_level,omitempty" yaml:"min_threat_level,omitempty"`
}

func (c *RuleCondition) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

func (c *RuleCondition) Validate() error {
	switch c.Kind {
	case ConditionEventTypeThreshold:
		if c.EventType == "" {
			return fmt.Errorf("condition %s: event_type is required", c.Kind)
		}
	case ConditionSeverityThreshold:
		if !c.Severity.Valid() {
			return fmt.Errorf("condition %s: invalid severity %q", c.Kind, c.Severity)
		}
	case ConditionThreatIntel:
		if !c.MinThreatLevel.Valid() {
			return fmt.Errorf("condition %s: invalid min_threat_level %q", c.Kind, c.MinThreatLevel)
		}
		return nil
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}

	if c.Threshold < 1 {
		return fmt.Errorf("condition %s: threshold must be positive", c.Kind)
	}
	if c.WindowMinutes < 1 {
		return fmt.Errorf("condition %s: window_minutes must be positive", c.Kind)
	}
	return nil
}

type AlertRule struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Severity    Severity      `json:"severity" yaml:"severity"`
	Condition   RuleCondition `json:"condition" yaml:"condition"`
}

func (r *AlertRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule %s: name is required", r.ID)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// Alert is a rule firing. Everything except the acknowledgment fields is
// immutable once created; acknowledgment is operator-driven and never touched
// by the pipeline.
type Alert struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id,omitempty"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
	RelatedEvents  []string  `json:"related_events,omitempty"`
}

func NewAlert(ruleID string, severity Severity, title, description string, relatedEvents []string) *Alert {
	return &Alert{
		ID:            uuid.NewString(),
		RuleID:        ruleID,
		Severity:      severity,
		Title:         title,
		Description:   description,
		TriggeredAt:   time.Now().UTC(),
		RelatedEvents: relatedEvents,
	}
}
