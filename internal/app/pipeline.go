// Package app wires the detection adapters into the ingestion pipeline and
// owns runtime configuration.
package app

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/threatpipe/internal/domain"
	"github.com/xoelrdgz/threatpipe/internal/ports"
)

const defaultIdempotencyCacheSize = 10000

type PipelineConfig struct {
	IdempotencyCacheSize int
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		IdempotencyCacheSize: defaultIdempotencyCacheSize,
	}
}

// Pipeline runs the full ingest sequence: validate, deduplicate, scan,
// score, track intel, evaluate rules, persist, publish. In-memory detector
// state is updated optimistically and rolled back when persistence fails,
// so a failed ingest leaves no partial state anywhere.
type Pipeline struct {
	scanner   ports.SignatureScanner
	scorer    ports.AnomalyScorer
	intel     ports.ThreatTracker
	evaluator ports.AlertEvaluator
	store     ports.EventStore
	publisher ports.Publisher
	observer  ports.IngestObserver

	idem *lru.Cache[string, *ports.IngestResult]
}

func NewPipeline(
	cfg PipelineConfig,
	scanner ports.SignatureScanner,
	scorer ports.AnomalyScorer,
	intel ports.ThreatTracker,
	evaluator ports.AlertEvaluator,
	store ports.EventStore,
	publisher ports.Publisher,
	observer ports.IngestObserver,
) (*Pipeline, error) {
	size := cfg.IdempotencyCacheSize
	if size <= 0 {
		size = defaultIdempotencyCacheSize
	}
	idem, err := lru.New[string, *ports.IngestResult](size)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	if observer == nil {
		observer = ports.NopObserver{}
	}

	return &Pipeline{
		scanner:   scanner,
		scorer:    scorer,
		intel:     intel,
		evaluator: evaluator,
		store:     store,
		publisher: publisher,
		observer:  observer,
		idem:      idem,
	}, nil
}

func (p *Pipeline) Ingest(ctx context.Context, raw domain.RawEvent) (*ports.IngestResult, error) {
	start := time.Now()

	if err := raw.Validate(); err != nil {
		p.observer.ObserveIngest(ports.IngestResultInvalid, time.Since(start).Seconds())
		return nil, err
	}

	if raw.IdempotencyKey != "" {
		if cached, ok := p.idem.Get(raw.IdempotencyKey); ok {
			p.observer.ObserveIngest(ports.IngestResultReplayed, time.Since(start).Seconds())
			replay := *cached
			replay.Replayed = true
			return &replay, nil
		}
	}

	ev := domain.NewEvent(&raw)

	matches := p.scanner.Scan(ctx, ev)
	for _, m := range matches {
		p.observer.RecordSignature(m)
	}

	assessment, undoScore := p.scorer.Score(ctx, ev, matches)
	ev.IsAnomaly = assessment.IsAnomaly
	ev.AnomalyScore = assessment.Score
	if ev.IsAnomaly {
		p.observer.RecordAnomaly()
	}

	if attacks := domain.AttackLabels(matches); len(attacks) > 0 {
		ev.SetMetadata("detected_attacks", attacks)
	}
	if len(assessment.RiskFactors) > 0 {
		ev.SetMetadata("risk_factors", assessment.RiskFactors)
	}

	prior, updated, undoIntel := p.observeIntel(ev, matches)

	if err := ctx.Err(); err != nil {
		p.rollback(undoScore, undoIntel)
		p.observer.ObserveIngest(ports.IngestResultFailed, time.Since(start).Seconds())
		return nil, fmt.Errorf("ingest canceled: %w", err)
	}

	// Rules see the IP's reputation as accumulated by earlier events, so a
	// first-ever offense does not also fire the threat-intel rules.
	alerts, commit := p.evaluator.Evaluate(ctx, ev, prior)

	if err := p.store.SaveIngest(ctx, ev, alerts, updated); err != nil {
		p.rollback(undoScore, undoIntel)
		p.observer.ObserveIngest(ports.IngestResultFailed, time.Since(start).Seconds())
		log.Error().Err(err).Str("event_id", ev.ID).Msg("ingest persist failed, rolled back detector state")
		return nil, err
	}

	commit()
	for _, alert := range alerts {
		p.observer.RecordAlert(alert)
		log.Warn().
			Str("alert_id", alert.ID).
			Str("rule_id", alert.RuleID).
			Str("severity", string(alert.Severity)).
			Str("event_id", ev.ID).
			Msg("alert triggered")
	}

	p.publish(ctx, ev, alerts)

	result := &ports.IngestResult{Event: ev, Alerts: alerts}
	if raw.IdempotencyKey != "" {
		p.idem.Add(raw.IdempotencyKey, result)
	}

	p.observer.ObserveIngest(ports.IngestResultAccepted, time.Since(start).Seconds())
	return result, nil
}

// observeIntel returns the source IP's record before this event (what rules
// evaluate against) and, for adverse events, the updated record to persist.
func (p *Pipeline) observeIntel(ev *domain.Event, matches []domain.SignatureMatch) (prior, updated *domain.ThreatIntelRecord, undo ports.RollbackFunc) {
	ip := ev.SourceIPString()
	if ip == "" {
		return nil, nil, nil
	}

	prior = p.intel.Lookup(ip)

	adverse := len(matches) > 0 || ev.IsAnomaly
	if !adverse {
		return prior, nil, nil
	}

	obs := domain.ThreatObservation{
		ThreatType:  domain.DominantThreatType(matches, ev.IsAnomaly),
		Level:       domain.ThreatLevelForSeverity(highestSeverity(ev, matches)),
		Description: fmt.Sprintf("%s from %s", ev.EventType, ev.Source),
		ObservedAt:  ev.Timestamp,
		Adverse:     true,
	}
	updated, undo = p.intel.Observe(ip, obs)
	return prior, updated, undo
}

func (p *Pipeline) publish(ctx context.Context, ev *domain.Event, alerts []*domain.Alert) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.PublishEvent(ctx, ev); err != nil {
		p.observer.RecordPublishFailure("event")
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("event publish failed")
	}
	for _, alert := range alerts {
		if err := p.publisher.PublishAlert(ctx, alert); err != nil {
			p.observer.RecordPublishFailure("alert")
			log.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert publish failed")
		}
	}
}

func (p *Pipeline) rollback(undos ...ports.RollbackFunc) {
	for _, undo := range undos {
		if undo != nil {
			undo()
		}
	}
}

func highestSeverity(ev *domain.Event, matches []domain.SignatureMatch) domain.Severity {
	highest := ev.Severity
	for _, m := range matches {
		if m.Severity.Rank() > highest.Rank() {
			highest = m.Severity
		}
	}
	return highest
}
