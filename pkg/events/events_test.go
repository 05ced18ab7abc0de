package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/types"
)

// TestPublishReachesAllSubscribers tests broadcast to multiple subscribers
func TestPublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	subA := broker.Subscribe()
	subB := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&types.Event{Type: EventRunAdmitted, RunID: "run-1"})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventRunAdmitted, ev.Type)
			assert.Equal(t, "run-1", ev.RunID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

// TestUnsubscribeClosesChannel tests subscriber removal
func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

// TestSlowSubscriberDoesNotBlock tests that a full buffer drops instead
// of blocking the broker
func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	done := make(chan int)
	go func() {
		received := 0
		timeout := time.After(2 * time.Second)
		for received < 80 {
			select {
			case <-fast:
				received++
			case <-timeout:
				done <- received
				return
			}
		}
		done <- received
	}()

	// Overflow the slow subscriber's buffer without ever draining it
	for i := 0; i < 80; i++ {
		broker.Publish(&types.Event{Type: EventStepCompleted, RunID: "run-1"})
	}

	require.Equal(t, 80, <-done, "fast subscriber stalled behind slow one")
	assert.NotEmpty(t, slow)
}
