package rm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusKeepsOrderForSlowSubscribers(t *testing.T) {
	b := newBus()
	events, unsubscribe := b.subscribe()
	defer unsubscribe()

	// Publishing never waits for the subscriber
	for i := range 100 {
		b.publish(EventNodeSourceRemoved{NodeSource: string(rune('a' + i%26))})
	}

	for i := range 100 {
		select {
		case ev := <-events:
			assert.Equal(t, EventNodeSourceRemoved{NodeSource: string(rune('a' + i%26))}, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusCloseDrainsQueues(t *testing.T) {
	b := newBus()
	events, _ := b.subscribe()

	b.publish(EventNodeSourceRemoved{NodeSource: "a"})
	b.publish(EventNodeSourceRemoved{NodeSource: "b"})
	b.close()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	assert.Equal(t, []Event{EventNodeSourceRemoved{NodeSource: "a"}, EventNodeSourceRemoved{NodeSource: "b"}}, got)

	late, _ := b.subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestBusUnsubscribe(t *testing.T) {
	b := newBus()
	events, unsubscribe := b.subscribe()
	unsubscribe()
	unsubscribe()

	b.publish(EventNodeSourceRemoved{NodeSource: "a"})

	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}
