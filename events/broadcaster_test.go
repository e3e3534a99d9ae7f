package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAndPublishDeliversInOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("task1")
	defer sub.Close()

	b.Publish(Event{TaskID: "task1", Event: KindStepStarted, Data: 1})
	b.Publish(Event{TaskID: "task1", Event: KindStepCompleted, Data: 2})

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, KindStepStarted, first.Event)
	assert.Equal(t, KindStepCompleted, second.Event)
}

func TestPublishAssignsCorrelationIDSharedAcrossSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	subA := b.Subscribe("task1")
	subB := b.Subscribe("task1")
	defer subA.Close()
	defer subB.Close()

	b.Publish(Event{TaskID: "task1", Event: KindStepStarted})

	evA := <-subA.C
	evB := <-subB.C
	assert.NotEmpty(t, evA.CorrelationID)
	assert.Equal(t, evA.CorrelationID, evB.CorrelationID)
}

func TestPublishOnlyReachesSubscribersOfThatTask(t *testing.T) {
	b := NewBroadcaster(nil)
	subA := b.Subscribe("task-a")
	subB := b.Subscribe("task-b")
	defer subA.Close()
	defer subB.Close()

	b.Publish(Event{TaskID: "task-a", Event: KindTaskDone})

	select {
	case ev := <-subA.C:
		assert.Equal(t, KindTaskDone, ev.Event)
	default:
		t.Fatal("expected event for task-a")
	}
	select {
	case <-subB.C:
		t.Fatal("task-b subscriber must not receive task-a's event")
	default:
	}
}

func TestCloseUnsubscribesAndIsIdempotent(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("task1")
	require.Equal(t, 1, b.SubscriberCount("task1"))

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount("task1"))
	assert.NotPanics(t, func() { sub.Close() })
}

func TestDeliverDropsOldestEventWhenQueueFull(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := b.Subscribe("task1")
	defer sub.Close()

	for i := 0; i < subscriberQueueCapacity+5; i++ {
		b.Publish(Event{TaskID: "task1", Event: KindStepStarted, Data: i})
	}

	// Queue never blocks the producer and retains the most recent events.
	first := <-sub.C
	assert.NotEqual(t, 0, first.Data, "oldest events should have been evicted")
}
