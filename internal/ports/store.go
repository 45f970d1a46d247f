package ports

import (
	"context"
	"time"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// EventStore is the persistence boundary consumed by the pipeline.
//
// Implementations:
//   - PostgresStore: pgx pool, production
//   - MemoryStore: in-process, dev mode and tests
//
// Thread Safety: all methods must be safe for concurrent calls.
type EventStore interface {
	// SaveIngest persists the event, its alerts, and the updated threat intel
	// record (nil when none) atomically: either everything is visible to
	// readers or nothing is. Returns a storage failure the caller reports as
	// retryable.
	SaveIngest(ctx context.Context, ev *domain.Event, alerts []*domain.Alert, rec *domain.ThreatIntelRecord) error

	// EventsBetween returns events in [from, to] ordered newest-first,
	// capped at limit (0 means the store's default cap).
	EventsBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Event, error)

	// AlertsBetween returns alerts by trigger time, newest-first.
	AlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Alert, error)

	// ThreatIntelByIP returns the stored record or nil.
	ThreatIntelByIP(ctx context.Context, ip string) (*domain.ThreatIntelRecord, error)

	// AllThreatIntel returns every stored record; used to warm the in-memory
	// tracker on startup.
	AllThreatIntel(ctx context.Context) ([]*domain.ThreatIntelRecord, error)

	// EnabledRules returns the enabled alert rules, decoded and validated.
	EnabledRules(ctx context.Context) ([]*domain.AlertRule, error)

	Ping(ctx context.Context) error
	Close()
}
