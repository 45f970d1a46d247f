package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/threatpipe/internal/domain"
)

func busEvent(id string) *domain.Event {
	return &domain.Event{ID: id, Source: "web-server", EventType: "failed_login", Message: "login failed"}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	a := bus.Subscribe("a")
	b := bus.Subscribe("b")

	require.NoError(t, bus.PublishEvent(context.Background(), busEvent("ev-1")))

	msgA := <-a
	msgB := <-b
	require.NotNil(t, msgA.Event)
	require.NotNil(t, msgB.Event)
	assert.Equal(t, "ev-1", msgA.Event.ID)
	assert.Equal(t, "ev-1", msgB.Event.ID)
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch := bus.Subscribe("slow")
	ctx := context.Background()

	require.NoError(t, bus.PublishEvent(ctx, busEvent("ev-1")))
	require.NoError(t, bus.PublishEvent(ctx, busEvent("ev-2")))
	require.NoError(t, bus.PublishEvent(ctx, busEvent("ev-3")))

	assert.Equal(t, uint64(1), bus.Dropped())

	first := <-ch
	second := <-ch
	assert.Equal(t, "ev-2", first.Event.ID)
	assert.Equal(t, "ev-3", second.Event.ID)
}

func TestBusPublishAlert(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ch := bus.Subscribe("alerts")
	alert := domain.NewAlert("rule-1", domain.SeverityHigh, "brute force", "5 failed logins", []string{"ev-1"})

	require.NoError(t, bus.PublishAlert(context.Background(), alert))

	msg := <-ch
	require.NotNil(t, msg.Alert)
	assert.Equal(t, "rule-1", msg.Alert.RuleID)
	assert.Nil(t, msg.Event)
}

func TestBusCloseClosesChannels(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe("a")

	require.NoError(t, bus.Close())

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close is a no-op.
	assert.NoError(t, bus.PublishEvent(context.Background(), busEvent("ev-x")))
}

func TestBusSubscribeAfterClose(t *testing.T) {
	bus := NewBus(4)
	require.NoError(t, bus.Close())

	ch := bus.Subscribe("late")
	_, ok := <-ch
	assert.False(t, ok)
}
