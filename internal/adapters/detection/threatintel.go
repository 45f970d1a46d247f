package detection

import (
	"hash/maphash"
	"net/netip"
	"sync"
	"time"

	"github.com/xoelrdgz/threatpipe/internal/domain"
	"github.com/xoelrdgz/threatpipe/internal/ports"
)

// ThreatTracker maintains the IP -> reputation mapping. The map is sharded
// by IP so observes for different addresses commute; observes for the same
// IP serialize behind the shard lock (occurrence counts are additive,
// everything else is last-writer-wins).
type ThreatTracker struct {
	shards []*intelShard
}

type intelShard struct {
	mu      sync.RWMutex
	records map[string]*domain.ThreatIntelRecord
}

type ThreatTrackerConfig struct {
	ShardCount int
}

func NewThreatTracker(cfg ThreatTrackerConfig) *ThreatTracker {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	shards := make([]*intelShard, cfg.ShardCount)
	for i := range shards {
		shards[i] = &intelShard{records: make(map[string]*domain.ThreatIntelRecord)}
	}
	return &ThreatTracker{shards: shards}
}

func (t *ThreatTracker) shard(ip string) *intelShard {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteString(ip)
	return t.shards[h.Sum64()%uint64(len(t.shards))]
}

// Observe records an adverse observation for ip. Benign observations and
// unparseable IPs return (nil, nil) without creating a record. The returned
// rollback restores the prior record state if persistence fails; it must not
// be called after a successful persist.
func (t *ThreatTracker) Observe(ip string, obs domain.ThreatObservation) (*domain.ThreatIntelRecord, ports.RollbackFunc) {
	if !obs.Adverse {
		return nil, nil
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, nil
	}

	at := obs.ObservedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	sh := t.shard(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev := sh.records[ip].Clone()

	rec, ok := sh.records[ip]
	if !ok {
		rec = &domain.ThreatIntelRecord{
			IPAddress: ip,
			FirstSeen: at,
		}
		sh.records[ip] = rec
	}

	rec.OccurrenceCount++
	if at.After(rec.LastSeen) {
		rec.LastSeen = at
	}
	if obs.ThreatType != "" {
		rec.ThreatType = obs.ThreatType
	}
	if obs.Level.Rank() > rec.ThreatLevel.Rank() {
		rec.ThreatLevel = obs.Level
	}
	if obs.Description != "" {
		rec.Description = obs.Description
	}

	snapshot := rec.Clone()

	var once sync.Once
	rollback := func() {
		once.Do(func() {
			sh.mu.Lock()
			defer sh.mu.Unlock()
			if prev == nil {
				// record was created by this observation alone only if no
				// later observe has stacked on top of it
				if cur, ok := sh.records[ip]; ok && cur.OccurrenceCount <= 1 {
					delete(sh.records, ip)
				} else if ok {
					cur.OccurrenceCount--
				}
				return
			}
			if cur, ok := sh.records[ip]; ok {
				cur.OccurrenceCount--
				if cur.OccurrenceCount < prev.OccurrenceCount {
					cur.OccurrenceCount = prev.OccurrenceCount
				}
			}
		})
	}

	return snapshot, rollback
}

// Lookup is a pure read; nil when the IP has no record. The returned record
// is a copy, safe for the caller to retain.
func (t *ThreatTracker) Lookup(ip string) *domain.ThreatIntelRecord {
	if ip == "" {
		return nil
	}
	sh := t.shard(ip)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[ip].Clone()
}

// Count returns the number of tracked IPs, for gauges.
func (t *ThreatTracker) Count() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

// Warm seeds the tracker from persisted records at startup.
func (t *ThreatTracker) Warm(records []*domain.ThreatIntelRecord) {
	for _, rec := range records {
		if rec == nil || rec.IPAddress == "" {
			continue
		}
		sh := t.shard(rec.IPAddress)
		sh.mu.Lock()
		sh.records[rec.IPAddress] = rec.Clone()
		sh.mu.Unlock()
	}
}
