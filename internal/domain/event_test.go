package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEventValidate(t *testing.T) {
	valid := RawEvent{
		Source:    "auth-service",
		EventType: "failed_login",
		Message:   "invalid password",
	}

	tests := []struct {
		name      string
		mutate    func(*RawEvent)
		wantField string
	}{
		{name: "valid", mutate: func(r *RawEvent) {}},
		{name: "missing source", mutate: func(r *RawEvent) { r.Source = "  " }, wantField: "source"},
		{name: "missing event type", mutate: func(r *RawEvent) { r.EventType = "" }, wantField: "event_type"},
		{name: "missing message", mutate: func(r *RawEvent) { r.Message = "" }, wantField: "message"},
		{name: "unknown severity", mutate: func(r *RawEvent) { r.Severity = "catastrophic" }, wantField: "severity"},
		{name: "valid severity", mutate: func(r *RawEvent) { r.Severity = "HIGH" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := valid
			tc.mutate(&raw)
			err := raw.Validate()
			if tc.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.wantField, verr.Field)
		})
	}
}

func TestNewEventDefaults(t *testing.T) {
	ev := NewEvent(&RawEvent{
		Source:    "auth-service",
		EventType: "failed_login",
		Message:   "invalid password",
	})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, SeverityInfo, ev.Severity)
	assert.WithinDuration(t, time.Now().UTC(), ev.Timestamp, time.Second)
	assert.False(t, ev.SourceIP.IsValid())
	assert.False(t, ev.IsAnomaly)
	assert.Zero(t, ev.AnomalyScore)
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	raw := &RawEvent{Source: "s", EventType: "t", Message: "m"}
	a := NewEvent(raw)
	b := NewEvent(raw)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNewEventParsesIPs(t *testing.T) {
	ev := NewEvent(&RawEvent{
		Source:        "fw",
		EventType:     "blocked",
		Message:       "dropped packet",
		SourceIP:      "203.0.113.7",
		DestinationIP: "2001:db8::1",
	})

	assert.Equal(t, "203.0.113.7", ev.SourceIPString())
	assert.True(t, ev.DestinationIP.IsValid())

	// Garbage IPs are treated as absent, not as errors.
	ev = NewEvent(&RawEvent{Source: "fw", EventType: "t", Message: "m", SourceIP: "not-an-ip"})
	assert.Equal(t, "", ev.SourceIPString())
}

func TestNewEventCopiesMetadata(t *testing.T) {
	meta := map[string]any{"path": "/login"}
	ev := NewEvent(&RawEvent{Source: "s", EventType: "t", Message: "m", Metadata: meta})

	meta["path"] = "/changed"
	assert.Equal(t, "/login", ev.MetadataString("path"))
}

func TestSeverityRankOrdering(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
	assert.Equal(t, -1, Severity("bogus").Rank())
}

func TestParseSeverity(t *testing.T) {
	sev, ok := ParseSeverity("  CRITICAL ")
	assert.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)

	_, ok = ParseSeverity("fatal")
	assert.False(t, ok)
}

func TestSetMetadataOnNilMap(t *testing.T) {
	ev := &Event{}
	ev.SetMetadata("detected_attacks", []string{"xss"})
	assert.Equal(t, []string{"xss"}, ev.Metadata["detected_attacks"])
}
