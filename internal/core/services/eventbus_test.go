package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventBus_DeliversToEverySubscriber(t *testing.T) {
	bus := NewEventBus(testLogger())
	a, unsubA := bus.Subscribe("conv-1")
	defer unsubA()
	b, unsubB := bus.Subscribe("conv-1")
	defer unsubB()

	sent := Event{Topic: "conv-1", Type: EventTypeStep, Data: `{"iteration":1}`, Timestamp: time.Now().UnixMilli()}
	bus.Publish(sent)

	assert.Equal(t, sent, recv(t, a))
	assert.Equal(t, sent, recv(t, b))
}

func TestEventBus_UnsubscribeClosesOnce(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe("conv-1")
	keep, unsubKeep := bus.Subscribe("conv-1")
	defer unsubKeep()

	unsub()
	unsub()
	bus.Publish(Event{Topic: "conv-1", Type: EventTypeLog, Data: "after"})

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, "after", recv(t, keep).Data, "other subscribers keep receiving")
}

func TestEventBus_LastUnsubscribeDropsTopic(t *testing.T) {
	bus := NewEventBus(testLogger())
	_, unsub := bus.Subscribe("conv-1")
	unsub()

	bus.mu.RLock()
	defer bus.mu.RUnlock()
	assert.NotContains(t, bus.subs, "conv-1")
}

func TestEventBus_TopicIsolation(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe("conv-a")
	defer unsub()

	bus.Publish(Event{Topic: "conv-b", Type: EventTypeLog, Data: "elsewhere"})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event from another topic: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(testLogger())
	ch, unsub := bus.Subscribe("conv-1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(Event{Topic: "conv-1", Type: EventTypeLog})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestEventBus_NilBus(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(Event{Topic: "x"}) })
}
