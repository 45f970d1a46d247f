package ports

import (
	"context"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// Publisher delivers persisted events and alerts to subscribers (the
// dashboard feed). Delivery is at-least-once; consumers deduplicate on id.
//
// Implementations:
//   - NATSPublisher: cross-process fan-out
//   - Bus: in-process bounded fan-out with drop-oldest on slow consumers
//
// Thread Safety: implementations must be safe for concurrent Publish calls.
type Publisher interface {
	// PublishEvent is called only after the event was successfully persisted.
	PublishEvent(ctx context.Context, ev *domain.Event) error

	// PublishAlert is called once per persisted alert, after PublishEvent for
	// the triggering event.
	PublishAlert(ctx context.Context, alert *domain.Alert) error

	Close() error
}

// Ingest result classes reported to ObserveIngest.
const (
	IngestResultAccepted = "accepted"
	IngestResultReplayed = "replayed"
	IngestResultInvalid  = "invalid"
	IngestResultFailed   = "failed"
)

// IngestObserver receives pipeline outcome notifications for metrics.
// Implementations must be cheap; the pipeline calls these inline.
type IngestObserver interface {
	// ObserveIngest is called once per completed ingest attempt with the
	// result class.
	ObserveIngest(result string, seconds float64)

	RecordAnomaly()
	RecordSignature(match domain.SignatureMatch)
	RecordAlert(alert *domain.Alert)
	RecordRuleError()
	RecordPublishFailure(kind string)
}

// NopObserver satisfies IngestObserver while discarding everything.
type NopObserver struct{}

func (NopObserver) ObserveIngest(string, float64)         {}
func (NopObserver) RecordAnomaly()                        {}
func (NopObserver) RecordSignature(domain.SignatureMatch) {}
func (NopObserver) RecordAlert(*domain.Alert)             {}
func (NopObserver) RecordRuleError()                      {}
func (NopObserver) RecordPublishFailure(string)           {}
