package alerting

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// ruleFile is the YAML shape of a bootstrap rules file: a list of rules
// under a top-level "rules" key.
type ruleFile struct {
	Rules []*domain.AlertRule `yaml:"rules"`
}

// LoadRulesFile reads alert rules from a YAML file. Individual malformed
// rules are skipped with a warning rather than failing the whole load; an
// unreadable or unparseable file is an error.
func LoadRulesFile(path string) ([]*domain.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	var rules []*domain.AlertRule
	for _, rule := range rf.Rules {
		if rule == nil {
			continue
		}
		if err := rule.Validate(); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Invalid rule skipped")
			continue
		}
		rules = append(rules, rule)
	}

	log.Info().Int("count", len(rules)).Str("file", path).Msg("Alert rules loaded")
	return rules, nil
}

// DefaultRules is the bootstrap rule set used when neither the store nor a
// rules file provides any.
func DefaultRules() []*domain.AlertRule {
	return []*domain.AlertRule{
		{
			ID:          "brute-force-login",
			Name:        "Possible brute force attack",
			Description: "Repeated failed logins from a single source",
			Enabled:     true,
			Severity:    domain.SeverityHigh,
			Condition: domain.RuleCondition{
				Kind:          domain.ConditionEventTypeThreshold,
				EventType:     "failed_login",
				Threshold:     5,
				WindowMinutes: 5,
			},
		},
		{
			ID:          "critical-event-spike",
			Name:        "Critical event spike",
			Description: "Burst of critical severity events from one source",
			Enabled:     true,
			Severity:    domain.SeverityCritical,
			Condition: domain.RuleCondition{
				Kind:          domain.ConditionSeverityThreshold,
				Severity:      domain.SeverityCritical,
				Threshold:     10,
				WindowMinutes: 10,
			},
		},
		{
			ID:          "known-threat-source",
			Name:        "Activity from known threat source",
			Description: "Event received from an IP with accumulated threat intelligence",
			Enabled:     true,
			Severity:    domain.SeverityMedium,
			Condition: domain.RuleCondition{
				Kind:           domain.ConditionThreatIntel,
				MinThreatLevel: domain.ThreatLevelMedium,
			},
		},
	}
}

// MergeRules combines store rules with file rules, store winning on id
// conflicts.
func MergeRules(fromStore, fromFile []*domain.AlertRule) []*domain.AlertRule {
	byID := make(map[string]*domain.AlertRule, len(fromStore)+len(fromFile))
	var order []string
	for _, r := range fromFile {
		if _, ok := byID[r.ID]; !ok {
			order = append(order, r.ID)
		}
		byID[r.ID] = r
	}
	for _, r := range fromStore {
		if _, ok := byID[r.ID]; !ok {
			order = append(order, r.ID)
		}
		byID[r.ID] = r
	}
	merged := make([]*domain.AlertRule, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}
