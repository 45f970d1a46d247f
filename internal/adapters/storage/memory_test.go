package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

func storedEvent(id string, at time.Time) *domain.Event {
	return &domain.Event{
		ID:        id,
		Timestamp: at,
		Source:    "auth-service",
		Severity:  domain.SeverityMedium,
		EventType: "failed_login",
		Message:   "invalid password",
	}
}

func TestMemoryStore_SaveIngestPersistsEverything(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	ev := storedEvent("ev-1", now)
	alert := domain.NewAlert("rule-1", domain.SeverityHigh, "brute force", "", []string{"ev-1"})
	rec := &domain.ThreatIntelRecord{IPAddress: "203.0.113.7", ThreatLevel: domain.ThreatLevelHigh, OccurrenceCount: 1}

	require.NoError(t, store.SaveIngest(ctx, ev, []*domain.Alert{alert}, rec))

	events, err := store.EventsBetween(ctx, now.Add(-time.Minute), now.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].ID)

	alerts, err := store.AlertsBetween(ctx, now.Add(-time.Minute), now.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	got, err := store.ThreatIntelByIP(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.OccurrenceCount)
}

func TestMemoryStore_SaveIngestFailureIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("disk full")
	store.FailWith(boom)

	ev := storedEvent("ev-1", time.Now())
	alert := domain.NewAlert("rule-1", domain.SeverityHigh, "brute force", "", nil)
	rec := &domain.ThreatIntelRecord{IPAddress: "203.0.113.7"}

	err := store.SaveIngest(ctx, ev, []*domain.Alert{alert}, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	assert.Equal(t, 0, store.EventCount())
	assert.Equal(t, 0, store.AlertCount())
	got, _ := store.ThreatIntelByIP(ctx, "203.0.113.7")
	assert.Nil(t, got)
}

func TestMemoryStore_SaveIngestCanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SaveIngest(ctx, storedEvent("ev-1", time.Now()), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 0, store.EventCount())
}

func TestMemoryStore_EventsBetweenNewestFirstAndLimited(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		ev := storedEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.SaveIngest(ctx, ev, nil, nil))
	}

	events, err := store.EventsBetween(ctx, base.Add(-time.Hour), base.Add(time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "ev-4", events[0].ID)
	assert.Equal(t, "ev-3", events[1].ID)
	assert.Equal(t, "ev-2", events[2].ID)
}

func TestMemoryStore_EventsBetweenFiltersRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.SaveIngest(ctx, storedEvent("old", base.Add(-2*time.Hour)), nil, nil))
	require.NoError(t, store.SaveIngest(ctx, storedEvent("recent", base), nil, nil))

	events, err := store.EventsBetween(ctx, base.Add(-time.Hour), base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "recent", events[0].ID)
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveIngest(ctx, storedEvent("ev-1", now), nil, nil))

	events, err := store.EventsBetween(ctx, now.Add(-time.Minute), now.Add(time.Minute), 0)
	require.NoError(t, err)
	events[0].Message = "mutated"

	again, err := store.EventsBetween(ctx, now.Add(-time.Minute), now.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, "invalid password", again[0].Message)
}

func TestMemoryStore_EnabledRulesFiltersDisabled(t *testing.T) {
	store := NewMemoryStore()
	store.SetRules([]*domain.AlertRule{
		{ID: "on", Name: "enabled", Enabled: true},
		{ID: "off", Name: "disabled", Enabled: false},
	})

	rules, err := store.EnabledRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "on", rules[0].ID)
}

func TestMemoryStore_PingReflectsFailure(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Ping(context.Background()))

	boom := errors.New("down")
	store.FailWith(boom)
	assert.ErrorIs(t, store.Ping(context.Background()), boom)

	store.FailWith(nil)
	assert.NoError(t, store.Ping(context.Background()))
}
