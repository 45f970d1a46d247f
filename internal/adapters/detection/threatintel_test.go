package detection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

func adverseObs(level domain.ThreatLevel, at time.Time) domain.ThreatObservation {
	return domain.ThreatObservation{
		ThreatType:  "sql_injection",
		Level:       level,
		Description: "sql injection attempt",
		ObservedAt:  at,
		Adverse:     true,
	}
}

func TestThreatTracker_CreatesRecordOnFirstAdverseObservation(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	at := time.Now().UTC()

	rec, rollback := tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelHigh, at))
	require.NotNil(t, rec)
	require.NotNil(t, rollback)

	assert.Equal(t, "203.0.113.7", rec.IPAddress)
	assert.Equal(t, int64(1), rec.OccurrenceCount)
	assert.Equal(t, domain.ThreatLevelHigh, rec.ThreatLevel)
	assert.Equal(t, "sql_injection", rec.ThreatType)
	assert.Equal(t, at, rec.FirstSeen)
	assert.Equal(t, at, rec.LastSeen)
}

func TestThreatTracker_BenignObservationCreatesNothing(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})

	rec, rollback := tracker.Observe("203.0.113.7", domain.ThreatObservation{Adverse: false})

	assert.Nil(t, rec)
	assert.Nil(t, rollback)
	assert.Nil(t, tracker.Lookup("203.0.113.7"))
	assert.Equal(t, 0, tracker.Count())
}

func TestThreatTracker_UnparseableIPIgnored(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})

	rec, rollback := tracker.Observe("not-an-ip", adverseObs(domain.ThreatLevelLow, time.Now()))

	assert.Nil(t, rec)
	assert.Nil(t, rollback)
	assert.Equal(t, 0, tracker.Count())
}

func TestThreatTracker_CountMonotonicAndLevelOnlyEscalates(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	base := time.Now().UTC()

	tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelHigh, base))
	rec, _ := tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelLow, base.Add(time.Minute)))

	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.OccurrenceCount)
	// A weaker later observation never lowers the level.
	assert.Equal(t, domain.ThreatLevelHigh, rec.ThreatLevel)
	assert.Equal(t, base, rec.FirstSeen)
	assert.Equal(t, base.Add(time.Minute), rec.LastSeen)
}

func TestThreatTracker_LastSeenNeverRegresses(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	base := time.Now().UTC()

	tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelLow, base))
	rec, _ := tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelLow, base.Add(-time.Hour)))

	require.NotNil(t, rec)
	assert.Equal(t, base, rec.LastSeen)
}

func TestThreatTracker_RollbackNewRecordDeletesIt(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})

	_, rollback := tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelHigh, time.Now()))
	rollback()

	assert.Nil(t, tracker.Lookup("203.0.113.7"))
	assert.Equal(t, 0, tracker.Count())
}

func TestThreatTracker_RollbackExistingRecordDecrementsCount(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	base := time.Now().UTC()

	tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelLow, base))
	_, rollback := tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelLow, base.Add(time.Second)))
	rollback()
	rollback() // second call is a no-op

	rec := tracker.Lookup("203.0.113.7")
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.OccurrenceCount)
}

func TestThreatTracker_LookupReturnsCopy(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelLow, time.Now()))

	rec := tracker.Lookup("203.0.113.7")
	require.NotNil(t, rec)
	rec.OccurrenceCount = 999

	again := tracker.Lookup("203.0.113.7")
	assert.Equal(t, int64(1), again.OccurrenceCount)
}

func TestThreatTracker_WarmSeedsRecords(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	seed := &domain.ThreatIntelRecord{
		IPAddress:       "198.51.100.9",
		ThreatType:      "behavioral_anomaly",
		ThreatLevel:     domain.ThreatLevelMedium,
		FirstSeen:       time.Now().Add(-time.Hour),
		LastSeen:        time.Now().Add(-time.Minute),
		OccurrenceCount: 7,
	}

	tracker.Warm([]*domain.ThreatIntelRecord{seed, nil, {IPAddress: ""}})

	rec := tracker.Lookup("198.51.100.9")
	require.NotNil(t, rec)
	assert.Equal(t, int64(7), rec.OccurrenceCount)
	assert.Equal(t, 1, tracker.Count())

	// Warmed records keep accumulating.
	updated, _ := tracker.Observe("198.51.100.9", adverseObs(domain.ThreatLevelHigh, time.Now()))
	assert.Equal(t, int64(8), updated.OccurrenceCount)
	assert.Equal(t, domain.ThreatLevelHigh, updated.ThreatLevel)
}

func TestThreatTracker_ConcurrentObservesSameIPAreAdditive(t *testing.T) {
	tracker := NewThreatTracker(ThreatTrackerConfig{})
	at := time.Now().UTC()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tracker.Observe("203.0.113.7", adverseObs(domain.ThreatLevelMedium, at))
			}
		}()
	}
	wg.Wait()

	rec := tracker.Lookup("203.0.113.7")
	require.NotNil(t, rec)
	assert.Equal(t, int64(workers*perWorker), rec.OccurrenceCount)
	assert.Equal(t, 1, tracker.Count())
}
