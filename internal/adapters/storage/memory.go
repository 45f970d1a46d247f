package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// MemoryStore is an in-process EventStore for dev mode and tests. Reads
// return copies; SaveIngest is atomic under one lock.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []*domain.Event
	alerts  []*domain.Alert
	intel   map[string]*domain.ThreatIntelRecord
	rules   []*domain.AlertRule
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intel: make(map[string]*domain.ThreatIntelRecord),
	}
}

// FailWith makes every subsequent write fail with err until reset with nil.
// Test hook for storage failure paths.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// SetRules replaces the stored rule set.
func (s *MemoryStore) SetRules(rules []*domain.AlertRule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func (s *MemoryStore) SaveIngest(ctx context.Context, ev *domain.Event, alerts []*domain.Alert, rec *domain.ThreatIntelRecord) error {
	if err := ctx.Err(); err != nil {
		return domain.StorageFailure(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return domain.StorageFailure(s.failErr)
	}

	evCopy := *ev
	s.events = append(s.events, &evCopy)
	for _, a := range alerts {
		aCopy := *a
		s.alerts = append(s.alerts, &aCopy)
	}
	if rec != nil {
		s.intel[rec.IPAddress] = rec.Clone()
	}
	return nil
}

func (s *MemoryStore) EventsBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Event
	for _, ev := range s.events {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		evCopy := *ev
		out = append(out, &evCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Alert
	for _, a := range s.alerts {
		if a.TriggeredAt.Before(from) || a.TriggeredAt.After(to) {
			continue
		}
		aCopy := *a
		out = append(out, &aCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ThreatIntelByIP(ctx context.Context, ip string) (*domain.ThreatIntelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intel[ip].Clone(), nil
}

func (s *MemoryStore) AllThreatIntel(ctx context.Context) ([]*domain.ThreatIntelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.ThreatIntelRecord
	for _, rec := range s.intel {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *MemoryStore) EnabledRules(ctx context.Context) ([]*domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AlertRule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		rCopy := *r
		out = append(out, &rCopy)
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failErr != nil {
		return s.failErr
	}
	return nil
}

func (s *MemoryStore) Close() {}

// EventCount is a test helper.
func (s *MemoryStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// AlertCount is a test helper.
func (s *MemoryStore) AlertCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}
