package publish

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

// BusMessage carries either an event or an alert to in-process subscribers.
type BusMessage struct {
	Event *domain.Event
	Alert *domain.Alert
}

type busSubscriber struct {
	ch   chan BusMessage
	name string
}

// Bus fans persisted events and alerts out to in-process subscribers over
// bounded channels. A slow subscriber never blocks ingestion: when its
// buffer is full the oldest message is dropped to make room.
type Bus struct {
	mu      sync.RWMutex
	subs    []*busSubscriber
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a named subscriber and returns its receive channel.
// The channel is closed when the bus is closed.
func (b *Bus) Subscribe(name string) <-chan BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &busSubscriber{
		ch:   make(chan BusMessage, b.bufSize),
		name: name,
	}
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

func (b *Bus) PublishEvent(ctx context.Context, ev *domain.Event) error {
	b.dispatch(ctx, BusMessage{Event: ev})
	return nil
}

func (b *Bus) PublishAlert(ctx context.Context, alert *domain.Alert) error {
	b.dispatch(ctx, BusMessage{Alert: alert})
	return nil
}

func (b *Bus) dispatch(ctx context.Context, msg BusMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case <-ctx.Done():
			return
		case sub.ch <- msg:
		default:
			// Buffer full: evict the oldest entry, then retry once.
			select {
			case <-sub.ch:
				total := b.dropped.Add(1)
				log.Warn().Str("subscriber", sub.name).
					Uint64("total_dropped", total).
					Msg("subscriber buffer full, dropping oldest message")
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
}

// Dropped reports how many messages were discarded due to full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	return nil
}
