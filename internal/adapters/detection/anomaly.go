// Package detection implements the pipeline's detection engines: the
// stateless signature detector, the stateful behavioral anomaly scorer, and
// the threat intelligence tracker.
//
// The anomaly scorer keeps short sliding windows per (scope, dimension) key
// to catch rate-based anomalies like failed-login bursts. State is sharded
// 16 ways with per-shard LRU caps so unrelated keys never contend and memory
// stays bounded under churn.
package detection

import (
	"context"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/threatpipe/internal/domain"
	"github.com/xoelrdgz/threatpipe/internal/ports"
)

var hashSeed = maphash.MakeSeed()

// WindowThreshold configures one rate rule: events matching EventType (or
// Severity, whichever is set) are counted per key within Window and compared
// against Threshold.
type WindowThreshold struct {
	EventType string
	Severity  domain.Severity
	Threshold int
	Window    time.Duration
}

type ScorerConfig struct {
	ShardCount      int
	MaxKeysPerShard int
	MaxRetention    time.Duration // oldest entry kept per window, must cover rule windows
	Cutoff          float64       // is_anomaly score cutoff
	SignatureFloor  float64       // minimum score when any signature matched
	BaselineCap     float64       // cap on additive factors without signature or rate breach
	Thresholds      []WindowThreshold
}

// DefaultScorerConfig mirrors the documented defaults: failed-login burst of
// 5 in 5 minutes, critical spike of 10 in 10 minutes, cutoff 0.5.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		ShardCount:      16,
		MaxKeysPerShard: 10000,
		MaxRetention:    30 * time.Minute,
		Cutoff:          0.5,
		SignatureFloor:  0.5,
		BaselineCap:     0.45,
		Thresholds: []WindowThreshold{
			{EventType: "failed_login", Threshold: 5, Window: 5 * time.Minute},
			{Severity: domain.SeverityCritical, Threshold: 10, Window: 10 * time.Minute},
		},
	}
}

// eventTypeBoosts are additive score contributions by event type, applied
// below BaselineCap. Rate-limit violations additionally surface as a risk
// factor label.
var eventTypeBoosts = map[string]float64{
	"rate_limit_exceeded": 0.4,
	"failed_login":        0.3,
	"invalid_token":       0.3,
	"unauthorized_access": 0.3,
}

type windowEntry struct {
	at time.Time
	id string
}

// keyWindow holds the recent entries for one window key in arrival order.
// Entries older than retention are pruned lazily on access.
type keyWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

func (w *keyWindow) append(retention time.Duration, e windowEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(e.at.Add(-retention))
	w.entries = append(w.entries, e)
}

// remove drops the entry with the given id; compensation for a failed persist.
func (w *keyWindow) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].id == id {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			return
		}
	}
}

func (w *keyWindow) prune(cutoff time.Time) {
	drop := 0
	for drop < len(w.entries) && w.entries[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		w.entries = append(w.entries[:0], w.entries[drop:]...)
	}
}

func (w *keyWindow) idsSince(cutoff time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []string
	for _, e := range w.entries {
		if !e.at.Before(cutoff) {
			ids = append(ids, e.id)
		}
	}
	return ids
}

func (w *keyWindow) countSince(cutoff time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entries {
		if !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

type windowShard struct {
	windows *lru.Cache[string, *keyWindow]
}

// Scorer is the behavioral anomaly scorer. All methods are safe for
// concurrent use; updates to one key serialize, different keys do not block
// each other.
type Scorer struct {
	cfg    ScorerConfig
	shards []*windowShard

	// thresholds are swapped wholesale on config hot-reload; window state
	// survives the swap.
	thresholds atomic.Pointer[[]WindowThreshold]

	// tracked windows are recorded for the alert rule evaluator but never
	// contribute to the score. Swapped when the rule set changes.
	tracked atomic.Pointer[[]WindowThreshold]
}

func NewScorer(cfg ScorerConfig) *Scorer {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 16
	}
	if cfg.MaxKeysPerShard <= 0 {
		cfg.MaxKeysPerShard = 10000
	}
	if cfg.MaxRetention <= 0 {
		cfg.MaxRetention = 30 * time.Minute
	}
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = 0.5
	}
	if cfg.SignatureFloor <= 0 {
		cfg.SignatureFloor = 0.5
	}
	if cfg.BaselineCap <= 0 || cfg.BaselineCap >= cfg.Cutoff {
		cfg.BaselineCap = cfg.Cutoff * 0.9
	}

	shards := make([]*windowShard, cfg.ShardCount)
	for i := range shards {
		cache, err := lru.New[string, *keyWindow](cfg.MaxKeysPerShard)
		if err != nil {
			// only possible with a non-positive size, guarded above
			log.Panic().Err(err).Msg("window shard init failed")
		}
		shards[i] = &windowShard{windows: cache}
	}

	s := &Scorer{cfg: cfg, shards: shards}
	s.thresholds.Store(&cfg.Thresholds)
	return s
}

// SetThresholds replaces the rate rules, typically on config hot-reload.
// Existing window entries keep counting under the new rules.
func (s *Scorer) SetThresholds(thresholds []WindowThreshold) {
	s.thresholds.Store(&thresholds)
	log.Info().Int("count", len(thresholds)).Msg("anomaly thresholds updated")
}

// SetTrackedWindows registers record-only windows for threshold alert rules
// whose event type or severity the rate thresholds alone would not track.
// Without this, a rule over an untracked event type could never see a count.
// Tracked windows never contribute to the score.
func (s *Scorer) SetTrackedWindows(windows []WindowThreshold) {
	for _, w := range windows {
		if w.Window > s.cfg.MaxRetention {
			log.Warn().Dur("window", w.Window).Dur("retention", s.cfg.MaxRetention).
				Msg("tracked window exceeds retention, counts will come up short")
		}
	}
	s.tracked.Store(&windows)
	log.Debug().Int("count", len(windows)).Msg("tracked rule windows updated")
}

func (s *Scorer) currentThresholds() []WindowThreshold {
	if ptr := s.thresholds.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (s *Scorer) shard(key string) *windowShard {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.WriteString(key)
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

func (s *Scorer) window(key string) *keyWindow {
	sh := s.shard(key)
	if w, ok := sh.windows.Get(key); ok {
		return w
	}
	w := &keyWindow{}
	if prev, ok, _ := sh.windows.PeekOrAdd(key, w); ok {
		return prev
	}
	return w
}

// Score records the event in every matching window, then derives the anomaly
// score:
//
//   - rate component: count/threshold capped at 1.0 once the threshold is
//     crossed, scaled under BaselineCap below it
//   - additive component: signature families, suspicious user agent, event
//     type and severity boosts, capped at BaselineCap without a signature
//   - a signature match alone floors the score at SignatureFloor
//
// is_anomaly is true iff the score reaches Cutoff or any signature matched.
func (s *Scorer) Score(ctx context.Context, ev *domain.Event, matches []domain.SignatureMatch) (domain.Assessment, ports.RollbackFunc) {
	if ev == nil {
		return domain.Assessment{}, func() {}
	}

	keys := s.matchKeys(ev)

	recorded := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, mk := range keys {
		seen[mk.key] = struct{}{}
		recorded = append(recorded, mk.key)
	}
	for _, key := range s.trackOnlyKeys(ev) {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		recorded = append(recorded, key)
	}
	for _, key := range recorded {
		s.window(key).append(s.cfg.MaxRetention, windowEntry{at: ev.Timestamp, id: ev.ID})
	}

	var rate float64
	for _, mk := range keys {
		cutoff := ev.Timestamp.Add(-mk.threshold.Window)
		count := s.window(mk.key).countSince(cutoff)
		if count <= 1 {
			continue
		}
		ratio := float64(count) / float64(mk.threshold.Threshold)
		var component float64
		if count >= mk.threshold.Threshold {
			component = min(1.0, ratio)
		} else {
			component = ratio * s.cfg.BaselineCap
		}
		rate = max(rate, component)
	}

	base, riskFactors := s.additiveFactors(ev, matches)

	sigMatched := len(matches) > 0
	if !sigMatched && base > s.cfg.BaselineCap {
		base = s.cfg.BaselineCap
	}

	score := max(rate, base)
	if sigMatched && score < s.cfg.SignatureFloor {
		score = s.cfg.SignatureFloor
	}
	score = min(1.0, score)

	assessment := domain.Assessment{
		Score:       score,
		IsAnomaly:   sigMatched || score >= s.cfg.Cutoff,
		RiskFactors: riskFactors,
	}

	var once sync.Once
	rollback := func() {
		once.Do(func() {
			for _, key := range recorded {
				s.window(key).remove(ev.ID)
			}
		})
	}
	return assessment, rollback
}

// WindowEvents returns ids inside the window ending at the reference time,
// oldest first. Shares state with Score so the rule evaluator counts the
// same occurrences the scorer did. The reference time is the triggering
// event's timestamp, so backdated events evaluate against their own window.
func (s *Scorer) WindowEvents(key string, at time.Time, window time.Duration) []string {
	sh := s.shard(key)
	w, ok := sh.windows.Peek(key)
	if !ok {
		return nil
	}
	return w.idsSince(at.Add(-window))
}

type matchedKey struct {
	key       string
	threshold WindowThreshold
}

// matchKeys resolves which configured windows this event lands in. Event
// type windows key on the source IP when present (brute-force tracking is
// per attacker), falling back to the source; severity windows key on source.
func (s *Scorer) matchKeys(ev *domain.Event) []matchedKey {
	var keys []matchedKey
	for _, t := range s.currentThresholds() {
		switch {
		case t.EventType != "" && t.EventType == ev.EventType:
			keys = append(keys, matchedKey{key: domain.WindowKeyEventType(eventScope(ev), ev.EventType), threshold: t})
		case t.Severity != "" && t.Severity == ev.Severity:
			keys = append(keys, matchedKey{key: domain.WindowKeySeverity(ev.Source, ev.Severity), threshold: t})
		}
	}
	return keys
}

// trackOnlyKeys resolves the record-only windows registered for alert rules.
func (s *Scorer) trackOnlyKeys(ev *domain.Event) []string {
	ptr := s.tracked.Load()
	if ptr == nil {
		return nil
	}
	var keys []string
	for _, t := range *ptr {
		switch {
		case t.EventType != "" && t.EventType == ev.EventType:
			keys = append(keys, domain.WindowKeyEventType(eventScope(ev), ev.EventType))
		case t.Severity != "" && t.Severity == ev.Severity:
			keys = append(keys, domain.WindowKeySeverity(ev.Source, ev.Severity))
		}
	}
	return keys
}

// eventScope is the tracked origin: source IP when available, otherwise the
// source identifier.
func eventScope(ev *domain.Event) string {
	if ip := ev.SourceIPString(); ip != "" {
		return ip
	}
	return ev.Source
}

func (s *Scorer) additiveFactors(ev *domain.Event, matches []domain.SignatureMatch) (float64, []string) {
	var base float64
	var riskFactors []string

	seenFamily := make(map[domain.AttackType]struct{})
	for _, m := range matches {
		if m.RiskFactor {
			base += 0.2
			riskFactors = append(riskFactors, m.Label)
			continue
		}
		if _, ok := seenFamily[m.Attack]; ok {
			continue
		}
		seenFamily[m.Attack] = struct{}{}
		base += 0.3
	}

	if boost, ok := eventTypeBoosts[ev.EventType]; ok {
		base += boost
		if ev.EventType == "rate_limit_exceeded" {
			riskFactors = append(riskFactors, "rate_limiting_violation")
		}
	}

	if ev.Severity == domain.SeverityCritical {
		base += 0.2
	}

	return base, riskFactors
}
