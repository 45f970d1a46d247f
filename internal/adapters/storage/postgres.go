// Package storage provides EventStore implementations: a pgx-backed
// Postgres store for production and an in-memory store for dev mode and
// tests.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

const defaultQueryLimit = 500

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS log_events (
	id             UUID PRIMARY KEY,
	ts             TIMESTAMPTZ NOT NULL,
	source         TEXT NOT NULL,
	severity       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	message        TEXT NOT NULL,
	source_ip      INET,
	destination_ip INET,
	user_agent     TEXT,
	username       TEXT,
	metadata       JSONB,
	is_anomaly     BOOLEAN NOT NULL DEFAULT FALSE,
	anomaly_score  DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS log_events_ts_idx ON log_events (ts DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id              UUID PRIMARY KEY,
	rule_id         TEXT,
	severity        TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT,
	triggered_at    TIMESTAMPTZ NOT NULL,
	acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_at TIMESTAMPTZ,
	acknowledged_by TEXT,
	related_events  JSONB
);
CREATE INDEX IF NOT EXISTS alerts_triggered_at_idx ON alerts (triggered_at DESC);

CREATE TABLE IF NOT EXISTS threat_intel (
	ip_address       TEXT PRIMARY KEY,
	threat_type      TEXT,
	threat_level     TEXT,
	description      TEXT,
	first_seen       TIMESTAMPTZ NOT NULL,
	last_seen        TIMESTAMPTZ NOT NULL,
	occurrence_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS alert_rules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	severity    TEXT NOT NULL,
	condition   JSONB NOT NULL
);
`

// EnsureSchema creates the tables when they do not exist yet. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveIngest writes the event, alerts, and threat intel record inside one
// transaction so readers never observe a partially ingested event.
func (s *PostgresStore) SaveIngest(ctx context.Context, ev *domain.Event, alerts []*domain.Alert, rec *domain.ThreatIntelRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.StorageFailure(err)
	}
	defer tx.Rollback(ctx)

	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO log_events
			(id, ts, source, severity, event_type, message, source_ip,
			 destination_ip, user_agent, username, metadata, is_anomaly, anomaly_score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.ID, ev.Timestamp, ev.Source, ev.Severity, ev.EventType, ev.Message,
		nullableAddr(ev.SourceIP), nullableAddr(ev.DestinationIP),
		nullableString(ev.UserAgent), nullableString(ev.Username),
		metadata, ev.IsAnomaly, ev.AnomalyScore)
	if err != nil {
		return domain.StorageFailure(fmt.Errorf("insert event: %w", err))
	}

	for _, alert := range alerts {
		related, err := json.Marshal(alert.RelatedEvents)
		if err != nil {
			related = []byte("[]")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO alerts
				(id, rule_id, severity, title, description, triggered_at,
				 acknowledged, related_events)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			alert.ID, nullableString(alert.RuleID), alert.Severity, alert.Title,
			nullableString(alert.Description), alert.TriggeredAt,
			alert.Acknowledged, related)
		if err != nil {
			return domain.StorageFailure(fmt.Errorf("insert alert: %w", err))
		}
	}

	if rec != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO threat_intel
				(ip_address, threat_type, threat_level, description,
				 first_seen, last_seen, occurrence_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (ip_address) DO UPDATE SET
				threat_type      = EXCLUDED.threat_type,
				threat_level     = EXCLUDED.threat_level,
				description      = EXCLUDED.description,
				last_seen        = GREATEST(threat_intel.last_seen, EXCLUDED.last_seen),
				occurrence_count = GREATEST(threat_intel.occurrence_count, EXCLUDED.occurrence_count)`,
			rec.IPAddress, rec.ThreatType, rec.ThreatLevel, nullableString(rec.Description),
			rec.FirstSeen, rec.LastSeen, rec.OccurrenceCount)
		if err != nil {
			return domain.StorageFailure(fmt.Errorf("upsert threat intel: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.StorageFailure(fmt.Errorf("commit ingest: %w", err))
	}
	return nil
}

func (s *PostgresStore) EventsBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, source, severity, event_type, message, source_ip,
		       destination_ip, user_agent, username, metadata, is_anomaly, anomaly_score
		FROM log_events
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, domain.StorageFailure(err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, domain.StorageFailure(err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) AlertsBetween(ctx context.Context, from, to time.Time, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, severity, title, description, triggered_at,
		       acknowledged, acknowledged_at, acknowledged_by, related_events
		FROM alerts
		WHERE triggered_at >= $1 AND triggered_at <= $2
		ORDER BY triggered_at DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, domain.StorageFailure(err)
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var ruleID, description, ackBy *string
		var ackAt *time.Time
		var related []byte
		if err := rows.Scan(&a.ID, &ruleID, &a.Severity, &a.Title, &description,
			&a.TriggeredAt, &a.Acknowledged, &ackAt, &ackBy, &related); err != nil {
			return nil, domain.StorageFailure(err)
		}
		if ruleID != nil {
			a.RuleID = *ruleID
		}
		if description != nil {
			a.Description = *description
		}
		if ackBy != nil {
			a.AcknowledgedBy = *ackBy
		}
		if ackAt != nil {
			a.AcknowledgedAt = *ackAt
		}
		if len(related) > 0 {
			if err := json.Unmarshal(related, &a.RelatedEvents); err != nil {
				log.Warn().Err(err).Str("alert", a.ID).Msg("Unreadable related_events, dropping")
			}
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) ThreatIntelByIP(ctx context.Context, ip string) (*domain.ThreatIntelRecord, error) {
	var rec domain.ThreatIntelRecord
	var description *string
	err := s.pool.QueryRow(ctx, `
		SELECT ip_address, threat_type, threat_level, description,
		       first_seen, last_seen, occurrence_count
		FROM threat_intel WHERE ip_address = $1`, ip).
		Scan(&rec.IPAddress, &rec.ThreatType, &rec.ThreatLevel, &description,
			&rec.FirstSeen, &rec.LastSeen, &rec.OccurrenceCount)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StorageFailure(err)
	}
	if description != nil {
		rec.Description = *description
	}
	return &rec, nil
}

// AllThreatIntel loads every record, used to warm the tracker at startup.
func (s *PostgresStore) AllThreatIntel(ctx context.Context) ([]*domain.ThreatIntelRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ip_address, threat_type, threat_level, description,
		       first_seen, last_seen, occurrence_count
		FROM threat_intel`)
	if err != nil {
		return nil, domain.StorageFailure(err)
	}
	defer rows.Close()

	var records []*domain.ThreatIntelRecord
	for rows.Next() {
		var rec domain.ThreatIntelRecord
		var description *string
		if err := rows.Scan(&rec.IPAddress, &rec.ThreatType, &rec.ThreatLevel,
			&description, &rec.FirstSeen, &rec.LastSeen, &rec.OccurrenceCount); err != nil {
			return nil, domain.StorageFailure(err)
		}
		if description != nil {
			rec.Description = *description
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// EnabledRules decodes the stored rule conditions, skipping malformed rows
// so one bad rule never blocks evaluation of the rest.
func (s *PostgresStore) EnabledRules(ctx context.Context) ([]*domain.AlertRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, enabled, severity, condition
		FROM alert_rules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, domain.StorageFailure(err)
	}
	defer rows.Close()

	var rules []*domain.AlertRule
	for rows.Next() {
		var rule domain.AlertRule
		var description *string
		var condition []byte
		if err := rows.Scan(&rule.ID, &rule.Name, &description, &rule.Enabled,
			&rule.Severity, &condition); err != nil {
			return nil, domain.StorageFailure(err)
		}
		if description != nil {
			rule.Description = *description
		}
		if err := json.Unmarshal(condition, &rule.Condition); err != nil {
			log.Warn().Err(err).Str("rule", rule.ID).Msg("Undecodable rule condition skipped")
			continue
		}
		if err := rule.Validate(); err != nil {
			log.Warn().Err(err).Str("rule", rule.ID).Msg("Invalid stored rule skipped")
			continue
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanEvent(rows pgx.Rows) (*domain.Event, error) {
	var ev domain.Event
	var srcIP, dstIP *netip.Addr
	var userAgent, username *string
	var metadata []byte
	if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Source, &ev.Severity,
		&ev.EventType, &ev.Message, &srcIP, &dstIP, &userAgent, &username,
		&metadata, &ev.IsAnomaly, &ev.AnomalyScore); err != nil {
		return nil, err
	}
	if srcIP != nil {
		ev.SourceIP = *srcIP
	}
	if dstIP != nil {
		ev.DestinationIP = *dstIP
	}
	if userAgent != nil {
		ev.UserAgent = *userAgent
	}
	if username != nil {
		ev.Username = *username
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			log.Warn().Err(err).Str("event", ev.ID).Msg("Unreadable event metadata, dropping")
		}
	}
	return &ev, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableAddr(a netip.Addr) *netip.Addr {
	if !a.IsValid() {
		return nil
	}
	return &a
}
