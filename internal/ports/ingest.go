package ports

import (
	"context"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// IngestResult is the outcome of a single ingest call. Replayed is true when
// the idempotency key matched a previous submission and the stored result was
// returned instead of reprocessing.
type IngestResult struct {
	Event    *domain.Event
	Alerts   []*domain.Alert
	Replayed bool
}

// Ingestor runs the full ingestion pipeline for one raw event.
type Ingestor interface {
	Ingest(ctx context.Context, raw domain.RawEvent) (*IngestResult, error)
}
