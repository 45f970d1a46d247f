package detection

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

func failedLogin(i int, at time.Time) *domain.Event {
	return &domain.Event{
		ID:        fmt.Sprintf("ev-%d", i),
		Timestamp: at,
		Source:    "auth-service",
		SourceIP:  netip.MustParseAddr("203.0.113.7"),
		Severity:  domain.SeverityMedium,
		EventType: "failed_login",
		Message:   "invalid password",
	}
}

func TestScorer_BelowThresholdStaysBelowCutoff(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	// 4 failed logins in 5 minutes: under the threshold of 5.
	var last domain.Assessment
	for i := 0; i < 4; i++ {
		last, _ = scorer.Score(ctx, failedLogin(i, base.Add(time.Duration(i)*time.Second)), nil)
	}

	assert.Less(t, last.Score, 0.5)
	assert.False(t, last.IsAnomaly)
}

func TestScorer_ThresholdBreachIsAnomaly(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	var last domain.Assessment
	for i := 0; i < 5; i++ {
		last, _ = scorer.Score(ctx, failedLogin(i, base.Add(time.Duration(i)*time.Second)), nil)
	}

	assert.True(t, last.IsAnomaly)
	assert.GreaterOrEqual(t, last.Score, 0.5)
}

func TestScorer_EventsOutsideWindowDoNotCount(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	// 4 stale failed logins, then a 5th well past the 5 minute window.
	for i := 0; i < 4; i++ {
		scorer.Score(ctx, failedLogin(i, base.Add(-20*time.Minute)), nil)
	}
	last, _ := scorer.Score(ctx, failedLogin(4, base), nil)

	assert.False(t, last.IsAnomaly)
}

func TestScorer_SignatureFloorsScore(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	ev := &domain.Event{
		ID:        "ev-sig",
		Timestamp: time.Now(),
		Source:    "web-server",
		Severity:  domain.SeverityInfo,
		EventType: "http_request",
		Message:   "GET /search?q=1 UNION SELECT",
	}
	matches := []domain.SignatureMatch{{
		Attack:   domain.AttackSQLInjection,
		Pattern:  "SQL Injection - UNION SELECT",
		Severity: domain.SeverityCritical,
		Label:    string(domain.AttackSQLInjection),
	}}

	assessment, _ := scorer.Score(context.Background(), ev, matches)

	assert.True(t, assessment.IsAnomaly)
	assert.GreaterOrEqual(t, assessment.Score, 0.5)
}

func TestScorer_AdditiveFactorsCappedWithoutSignature(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())

	// Boosted event type plus critical severity would sum past the cutoff,
	// but without a signature or rate breach it must stay below it.
	ev := &domain.Event{
		ID:        "ev-boost",
		Timestamp: time.Now(),
		Source:    "api-gateway",
		Severity:  domain.SeverityCritical,
		EventType: "rate_limit_exceeded",
		Message:   "rate limit exceeded for client",
	}

	assessment, _ := scorer.Score(context.Background(), ev, nil)

	assert.Less(t, assessment.Score, 0.5)
	assert.False(t, assessment.IsAnomaly)
	assert.Contains(t, assessment.RiskFactors, "rate_limiting_violation")
}

func TestScorer_RollbackRemovesWindowEntry(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		scorer.Score(ctx, failedLogin(i, base), nil)
	}
	_, rollback := scorer.Score(ctx, failedLogin(3, base), nil)

	key := domain.WindowKeyEventType("203.0.113.7", "failed_login")
	require.Len(t, scorer.WindowEvents(key, base, 5*time.Minute), 4)

	rollback()
	ids := scorer.WindowEvents(key, base, 5*time.Minute)
	assert.Len(t, ids, 3)
	assert.NotContains(t, ids, "ev-3")

	// Rollback is idempotent.
	rollback()
	assert.Len(t, scorer.WindowEvents(key, base, 5*time.Minute), 3)
}

func TestScorer_WindowEventsSharedWithEvaluator(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		scorer.Score(ctx, failedLogin(i, base), nil)
	}

	key := domain.WindowKeyEventType("203.0.113.7", "failed_login")
	ids := scorer.WindowEvents(key, base, 5*time.Minute)
	require.Len(t, ids, 5)
	assert.Equal(t, "ev-0", ids[0])
	assert.Equal(t, "ev-4", ids[4])
}

func TestScorer_KeysAreIndependent(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 4; i++ {
		scorer.Score(ctx, failedLogin(i, base), nil)
	}

	other := failedLogin(99, base)
	other.SourceIP = netip.MustParseAddr("198.51.100.9")
	assessment, _ := scorer.Score(ctx, other, nil)

	// First event from a different attacker: no rate component at all.
	assert.False(t, assessment.IsAnomaly)
	key := domain.WindowKeyEventType("198.51.100.9", "failed_login")
	assert.Len(t, scorer.WindowEvents(key, base, 5*time.Minute), 1)
}

func TestScorer_SeverityWindowKeysOnSource(t *testing.T) {
	cfg := DefaultScorerConfig()
	scorer := NewScorer(cfg)
	ctx := context.Background()
	base := time.Now()

	var last domain.Assessment
	for i := 0; i < 10; i++ {
		ev := &domain.Event{
			ID:        fmt.Sprintf("crit-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    "db-primary",
			Severity:  domain.SeverityCritical,
			EventType: "disk_failure",
			Message:   "disk write failure",
		}
		last, _ = scorer.Score(ctx, ev, nil)
	}

	assert.True(t, last.IsAnomaly)
	key := domain.WindowKeySeverity("db-primary", domain.SeverityCritical)
	assert.Len(t, scorer.WindowEvents(key, base, 10*time.Minute), 10)
}

func TestScorer_SetThresholdsAppliesToNewEvents(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	scorer.SetThresholds([]WindowThreshold{
		{EventType: "failed_login", Threshold: 2, Window: 5 * time.Minute},
	})

	scorer.Score(ctx, failedLogin(0, base), nil)
	last, _ := scorer.Score(ctx, failedLogin(1, base.Add(time.Second)), nil)

	assert.True(t, last.IsAnomaly)
}

func TestScorer_TrackedWindowsRecordWithoutScoring(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	scorer.SetTrackedWindows([]WindowThreshold{
		{EventType: "port_scan", Threshold: 2, Window: 5 * time.Minute},
	})

	var last domain.Assessment
	for i := 0; i < 4; i++ {
		ev := &domain.Event{
			ID:        fmt.Sprintf("scan-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Source:    "fw",
			SourceIP:  netip.MustParseAddr("203.0.113.7"),
			Severity:  domain.SeverityLow,
			EventType: "port_scan",
			Message:   "connection attempt",
		}
		last, _ = scorer.Score(ctx, ev, nil)
	}

	// A tracked window counts occurrences for the evaluator but contributes
	// nothing to the score.
	assert.Zero(t, last.Score)
	assert.False(t, last.IsAnomaly)

	key := domain.WindowKeyEventType("203.0.113.7", "port_scan")
	assert.Len(t, scorer.WindowEvents(key, base.Add(4*time.Second), 5*time.Minute), 4)
}

func TestScorer_TrackedWindowDedupedAgainstThreshold(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	// Same key from both a rate threshold and a tracked rule window: each
	// event must still be recorded once.
	scorer.SetTrackedWindows([]WindowThreshold{
		{EventType: "failed_login", Threshold: 5, Window: 5 * time.Minute},
	})

	for i := 0; i < 3; i++ {
		scorer.Score(ctx, failedLogin(i, base), nil)
	}

	key := domain.WindowKeyEventType("203.0.113.7", "failed_login")
	assert.Len(t, scorer.WindowEvents(key, base, 5*time.Minute), 3)
}

func TestScorer_ConcurrentDisjointKeys(t *testing.T) {
	scorer := NewScorer(DefaultScorerConfig())
	ctx := context.Background()
	base := time.Now()

	const sources = 8
	const perSource = 20

	var wg sync.WaitGroup
	for s := 0; s < sources; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			ip := fmt.Sprintf("203.0.113.%d", s+1)
			for i := 0; i < perSource; i++ {
				ev := &domain.Event{
					ID:        fmt.Sprintf("ev-%d-%d", s, i),
					Timestamp: base.Add(time.Duration(i) * time.Millisecond),
					Source:    "auth-service",
					SourceIP:  netip.MustParseAddr(ip),
					Severity:  domain.SeverityMedium,
					EventType: "failed_login",
					Message:   "invalid password",
				}
				scorer.Score(ctx, ev, nil)
			}
		}(s)
	}
	wg.Wait()

	// Each attacker's window holds exactly its own events.
	for s := 0; s < sources; s++ {
		ip := fmt.Sprintf("203.0.113.%d", s+1)
		key := domain.WindowKeyEventType(ip, "failed_login")
		assert.Len(t, scorer.WindowEvents(key, base.Add(time.Second), 5*time.Minute), perSource)
	}
}
