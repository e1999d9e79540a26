package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/ruleflow/pkg/channels/gochannel"
	"github.com/dukex/ruleflow/pkg/eventbus"
	"github.com/dukex/ruleflow/pkg/events"
	"github.com/dukex/ruleflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_LifecycleEvents(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.FlowExecutionCompleted, 1)

	require.NoError(t, bus.Handle(events.FlowExecutionCompletedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.FlowExecutionCompleted)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err := bus.Publish(ctx, "exec-1", events.FlowExecutionCompleted{
		BaseEvent:   events.NewBaseEvent(events.FlowExecutionCompletedEvent, "app-1", "rule-1", now),
		ExecutionID: "exec-1",
		DurationMs:  42,
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "exec-1", event.ExecutionID)
		assert.Equal(t, "rule-1", event.RuleID)
		assert.Equal(t, int64(42), event.DurationMs)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWatermillEventBus_DomainEvents(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.DomainEventReceived, 1)

	require.NoError(t, bus.Handle(events.DomainEventReceivedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.DomainEventReceived)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	domainEvent := models.NewDomainEvent(models.EventHeaders{
		EventID:   "evt-1",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}, &models.CommentEvent{App: models.NamedID{ID: "app-1"}, Text: "hi"})

	require.NoError(t, bus.Publish(ctx, "app-1", events.DomainEventReceived{
		BaseEvent: events.NewBaseEvent(events.DomainEventReceivedEvent, "app-1", "", time.Now()),
		Event:     domainEvent,
	}))

	select {
	case event := <-received:
		require.NotNil(t, event.Event)
		assert.Equal(t, models.EventKindComment, event.Event.Kind)
		assert.Equal(t, "hi", event.Event.Comment.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
