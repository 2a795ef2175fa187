package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(New(EventEntityCreated, "entity e1 created", map[string]string{"entity_id": "e1"}))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventEntityCreated, ev.Type)
			assert.Equal(t, "e1", ev.Metadata["entity_id"])
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
}

func TestFullSubscriberIsSkipped(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < 60; i++ {
		b.Publish(New(EventTaskCreated, "task", nil))
	}

	// Delivery is asynchronous; wait for the buffer to fill.
	require.Eventually(t, func() bool { return len(sub) == cap(sub) }, time.Second, 5*time.Millisecond)

	// The broker stayed responsive even with a saturated subscriber.
	b.Publish(New(EventTaskCompleted, "task", nil))
	assert.Equal(t, cap(sub), len(sub))
}
