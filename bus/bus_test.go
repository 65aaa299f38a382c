package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(nil)

	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	b.Publish(EventGenerationCreated, map[string]string{"id": "gen-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		event := <-ch
		assert.Equal(t, EventGenerationCreated, event.Type)

		var data map[string]string
		require.NoError(t, json.Unmarshal(event.Payload, &data))
		assert.Equal(t, "gen-1", data["id"])
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New(nil)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Fill the mailbox past capacity; Publish must never block
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(EventGenerationProcessing, map[string]int{"n": i})
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)

	id, ch := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is a no-op
	b.Unsubscribe(id)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := New(nil)
	b.Publish(EventGenerationCompleted, nil)
	assert.Equal(t, 0, b.SubscriberCount())
}
