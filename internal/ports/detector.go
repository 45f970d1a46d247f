// Package ports defines the interfaces between the ingestion pipeline core
// and its adapters (detection engines, storage, publication), following the
// ports-and-adapters layout: dependencies point inward, implementations live
// under internal/adapters.
package ports

import (
	"context"
	"time"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// SignatureScanner matches one event against the fixed attack pattern set.
//
// Contract:
//   - Pure: no side effects, safe for concurrent calls.
//   - Fails closed: malformed or absent fields are non-matches, never errors.
type SignatureScanner interface {
	// Scan returns every matched signature, possibly none. An event may match
	// several families cumulatively.
	Scan(ctx context.Context, ev *domain.Event) []domain.SignatureMatch
}

// AnomalyScorer maintains per-key sliding windows and produces a continuous
// anomaly score in [0,1] plus the derived is_anomaly flag.
//
// Thread Safety: implementations must serialize updates per window key while
// keeping unrelated keys contention-free.
type AnomalyScorer interface {
	// Score records the event in its windows and computes the assessment.
	// Signature matches feed the score floor. The returned token undoes the
	// window updates if persistence later fails.
	Score(ctx context.Context, ev *domain.Event, matches []domain.SignatureMatch) (domain.Assessment, RollbackFunc)

	// WindowEvents returns the ids of events inside the window ending at the
	// reference time, newest last. Used by the alert rule evaluator to share
	// window state instead of recounting.
	WindowEvents(key string, at time.Time, window time.Duration) []string
}

// RollbackFunc compensates an optimistic in-memory update after a failed
// persist. Calling it more than once is a no-op.
type RollbackFunc func()

// ThreatTracker owns the IP -> reputation mapping.
type ThreatTracker interface {
	// Observe records an adverse observation for ip and returns the updated
	// record. Benign observations return (nil, nil) and create nothing.
	// Concurrent observes for the same IP serialize; occurrence counts are
	// additive.
	Observe(ip string, obs domain.ThreatObservation) (*domain.ThreatIntelRecord, RollbackFunc)

	// Lookup is a pure read; nil when the IP has no record.
	Lookup(ip string) *domain.ThreatIntelRecord
}

// AlertEvaluator evaluates enabled rules against the just-scored event.
type AlertEvaluator interface {
	// Evaluate returns zero or more alert drafts plus a commit func that arms
	// per-window deduplication. rec is the source IP's reputation accumulated
	// by earlier events, nil when there is none. Commit must be called only
	// after the alerts were successfully persisted, so a failed ingest leaves
	// rules armed.
	Evaluate(ctx context.Context, ev *domain.Event, rec *domain.ThreatIntelRecord) (alerts []*domain.Alert, commit func())
}
