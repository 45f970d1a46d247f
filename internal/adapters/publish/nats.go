// Package publish delivers persisted events and alerts to subscribers: a
// NATS publisher for cross-process consumers (the dashboard feed) and an
// in-process bus for local subscribers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

const (
	DefaultEventSubject = "events.ingested"
	DefaultAlertSubject = "alerts.triggered"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type NATSConfig struct {
	URL          string
	EventSubject string
	AlertSubject string
}

// NATSPublisher publishes ingested events and triggered alerts as JSON
// messages. Delivery is at-least-once; consumers deduplicate on the id
// header.
type NATSPublisher struct {
	conn         *nats.Conn
	eventSubject string
	alertSubject string
	mu           sync.RWMutex
}

func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.EventSubject == "" {
		cfg.EventSubject = DefaultEventSubject
	}
	if cfg.AlertSubject == "" {
		cfg.AlertSubject = DefaultAlertSubject
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats at %s: %w", cfg.URL, err)
	}

	log.Info().Str("url", cfg.URL).
		Str("event_subject", cfg.EventSubject).
		Str("alert_subject", cfg.AlertSubject).
		Msg("NATS publisher initialized")

	return &NATSPublisher{
		conn:         conn,
		eventSubject: cfg.EventSubject,
		alertSubject: cfg.AlertSubject,
	}, nil
}

func (p *NATSPublisher) PublishEvent(ctx context.Context, ev *domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(p.eventSubject)
	msg.Data = data
	msg.Header.Set("x-event-id", ev.ID)
	msg.Header.Set("x-event-type", ev.EventType)
	msg.Header.Set("x-event-source", ev.Source)
	if ev.IsAnomaly {
		msg.Header.Set("x-anomaly", "true")
	}

	return p.publish(ctx, msg)
}

func (p *NATSPublisher) PublishAlert(ctx context.Context, alert *domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	msg := nats.NewMsg(p.alertSubject)
	msg.Data = data
	msg.Header.Set("x-alert-id", alert.ID)
	msg.Header.Set("x-alert-severity", string(alert.Severity))
	if alert.RuleID != "" {
		msg.Header.Set("x-rule-id", alert.RuleID)
	}

	return p.publish(ctx, msg)
}

// publish writes the message and flushes the client buffer so an error
// surfaces within the publish timeout instead of vanishing into the async
// buffer.
func (p *NATSPublisher) publish(ctx context.Context, msg *nats.Msg) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("nats publisher closed")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	return nil
}

func (p *NATSPublisher) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil && p.conn.IsConnected()
}

func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
		p.conn = nil
	}
	log.Info().Msg("NATS publisher closed")
	return nil
}
