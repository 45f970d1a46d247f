// Package alerting evaluates configured alert rules against scored events
// and produces alert drafts for the pipeline to persist.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// WindowReader exposes the anomaly scorer's sliding windows so rules count
// the same occurrences the scorer recorded. The reference time anchors the
// window; rules pass the triggering event's timestamp.
type WindowReader interface {
	WindowEvents(key string, at time.Time, window time.Duration) []string
}

type EvaluatorConfig struct {
	// ThreatIntelCooldown re-arms a fired threat-intel rule per IP after this
	// long. Threshold rules re-arm when their window rolls over instead.
	ThreatIntelCooldown time.Duration
}

func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{ThreatIntelCooldown: 5 * time.Minute}
}

// Evaluator holds the enabled rule snapshot and per-(rule, key) dedup state.
// A fired rule produces one alert per window; re-crossing an already-fired
// threshold inside the same still-open window is suppressed.
type Evaluator struct {
	cfg     EvaluatorConfig
	windows WindowReader

	rulesMu sync.RWMutex
	rules   []*domain.AlertRule

	firedMu sync.Mutex
	fired   map[string]firing

	onRuleError func(ruleID string)
}

type firing struct {
	at    time.Time
	rearm time.Duration
}

func NewEvaluator(cfg EvaluatorConfig, windows WindowReader) *Evaluator {
	if cfg.ThreatIntelCooldown <= 0 {
		cfg.ThreatIntelCooldown = 5 * time.Minute
	}
	return &Evaluator{
		cfg:     cfg,
		windows: windows,
		fired:   make(map[string]firing),
	}
}

// OnRuleError registers a hook called when a malformed rule is skipped.
func (e *Evaluator) OnRuleError(fn func(ruleID string)) {
	e.onRuleError = fn
}

// SetRules swaps the enabled rule snapshot. Rules are ordered most severe
// first so high-severity firings are decided before lower-severity noise.
func (e *Evaluator) SetRules(rules []*domain.AlertRule) {
	sorted := make([]*domain.AlertRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})

	e.rulesMu.Lock()
	e.rules = sorted
	e.rulesMu.Unlock()
}

func (e *Evaluator) Rules() []*domain.AlertRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.rules
}

// Evaluate runs every enabled rule against the event. A malformed rule is
// skipped and flagged; it never fails the pipeline. The returned commit func
// arms dedup for the fired rules and must be called only after the alerts
// were persisted, so a failed ingest leaves them re-fireable.
func (e *Evaluator) Evaluate(ctx context.Context, ev *domain.Event, rec *domain.ThreatIntelRecord) ([]*domain.Alert, func()) {
	e.rulesMu.RLock()
	rules := e.rules
	e.rulesMu.RUnlock()

	var alerts []*domain.Alert
	var armed []armKey

	for _, rule := range rules {
		select {
		case <-ctx.Done():
			return alerts, e.commitFunc(armed)
		default:
		}

		if !rule.Enabled {
			continue
		}
		if err := rule.Condition.Validate(); err != nil {
			ruleErr := &domain.RuleError{RuleID: rule.ID, Err: err}
			log.Warn().Err(ruleErr).Str("rule", rule.ID).Msg("Malformed alert rule skipped")
			if e.onRuleError != nil {
				e.onRuleError(rule.ID)
			}
			continue
		}

		alert, arm := e.evaluateRule(rule, ev, rec)
		if alert != nil {
			alerts = append(alerts, alert)
			armed = append(armed, arm)
		}
	}

	return alerts, e.commitFunc(armed)
}

type armKey struct {
	key   string
	rearm time.Duration
}

func (e *Evaluator) commitFunc(armed []armKey) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if len(armed) == 0 {
				return
			}
			now := time.Now()
			e.firedMu.Lock()
			defer e.firedMu.Unlock()
			for _, a := range armed {
				e.fired[a.key] = firing{at: now, rearm: a.rearm}
			}
		})
	}
}

func (e *Evaluator) evaluateRule(rule *domain.AlertRule, ev *domain.Event, rec *domain.ThreatIntelRecord) (*domain.Alert, armKey) {
	cond := rule.Condition

	switch cond.Kind {
	case domain.ConditionEventTypeThreshold:
		if ev.EventType != cond.EventType {
			return nil, armKey{}
		}
		scope := ev.SourceIPString()
		if scope == "" {
			scope = ev.Source
		}
		wkey := domain.WindowKeyEventType(scope, cond.EventType)
		return e.thresholdAlert(rule, wkey, ev)

	case domain.ConditionSeverityThreshold:
		if ev.Severity != cond.Severity {
			return nil, armKey{}
		}
		wkey := domain.WindowKeySeverity(ev.Source, cond.Severity)
		return e.thresholdAlert(rule, wkey, ev)

	case domain.ConditionThreatIntel:
		if rec == nil || !rec.ThreatLevel.AtLeast(cond.MinThreatLevel) {
			return nil, armKey{}
		}
		dedup := rule.ID + "|" + rec.IPAddress
		if !e.isArmed(dedup) {
			return nil, armKey{}
		}
		alert := domain.NewAlert(
			rule.ID,
			rule.Severity,
			rule.Name,
			fmt.Sprintf("source %s has threat level %s (%d prior observations, type %s)",
				rec.IPAddress, rec.ThreatLevel, rec.OccurrenceCount, rec.ThreatType),
			[]string{ev.ID},
		)
		return alert, armKey{key: dedup, rearm: e.cfg.ThreatIntelCooldown}
	}

	return nil, armKey{}
}

func (e *Evaluator) thresholdAlert(rule *domain.AlertRule, wkey string, ev *domain.Event) (*domain.Alert, armKey) {
	cond := rule.Condition
	// Anchored on the event's timestamp, matching the scorer's counting, so
	// a backdated burst that scored as an anomaly also satisfies the rule.
	ids := e.windows.WindowEvents(wkey, ev.Timestamp, cond.Window())
	if len(ids) < cond.Threshold {
		return nil, armKey{}
	}

	dedup := rule.ID + "|" + wkey
	if !e.isArmed(dedup) {
		return nil, armKey{}
	}

	alert := domain.NewAlert(
		rule.ID,
		rule.Severity,
		rule.Name,
		fmt.Sprintf("%d occurrences in %d minutes (threshold %d), latest event %s",
			len(ids), cond.WindowMinutes, cond.Threshold, ev.ID),
		ids,
	)
	return alert, armKey{key: dedup, rearm: cond.Window()}
}

// isArmed reports whether the dedup key may fire. Expired firings are pruned
// as they are read.
func (e *Evaluator) isArmed(key string) bool {
	e.firedMu.Lock()
	defer e.firedMu.Unlock()
	f, ok := e.fired[key]
	if !ok {
		return true
	}
	if time.Since(f.at) >= f.rearm {
		delete(e.fired, key)
		return true
	}
	return false
}
