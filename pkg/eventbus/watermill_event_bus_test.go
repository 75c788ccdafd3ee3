package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/opsflow/pkg/channels/gochannel"
	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversToHandler(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan *events.TerminateRequested, 1)

	require.NoError(t, bus.Handle(events.TerminateRequestedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.TerminateRequested)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "inst-1", events.TerminateRequested{
		BaseEvent:  events.NewBaseEvent(events.TerminateRequestedEvent),
		InstanceID: "inst-1",
		Reason:     "maintenance window closed",
	}))

	select {
	case event := <-received:
		assert.Equal(t, "inst-1", event.InstanceID)
		assert.Equal(t, "maintenance window closed", event.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	t.Parallel()

	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan events.EventType, 2)

	require.NoError(t, bus.Handle(events.InstanceCompletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.InstanceCompleted).Type

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "inst-1", events.NodeStarted{BaseEvent: events.NewBaseEvent(events.NodeStartedEvent), InstanceID: "inst-1"}))
	require.NoError(t, bus.Publish(ctx, "inst-1", events.InstanceCompleted{BaseEvent: events.NewBaseEvent(events.InstanceCompletedEvent), InstanceID: "inst-1"}))

	select {
	case eventType := <-received:
		assert.Equal(t, events.InstanceCompletedEvent, eventType)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	assert.NotEmpty(t, bus.GenerateID())
}
