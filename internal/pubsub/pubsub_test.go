package pubsub_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/pubsub"
	"github.com/ringforge/hub/internal/util/testutil"
)

func TestPublishSubscribe(t *testing.T) {
	bus := pubsub.NewBus()
	sub := bus.Subscribe("fleet:F1:agent:ag_a")
	defer sub.Unsubscribe()

	delivered := bus.Publish("fleet:F1:agent:ag_a", pubsub.Message{Event: "direct_message", Payload: "hi"})
	assert.Equal(t, 1, delivered)

	select {
	case msg := <-sub.C():
		assert.Equal(t, "direct_message", msg.Event)
	default:
		t.Fatal("expected a buffered message")
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	bus := pubsub.NewBus()
	assert.Equal(t, 0, bus.Publish("fleet:F1", pubsub.Message{Event: "x"}))
}

func TestSubscriberCount(t *testing.T) {
	bus := pubsub.NewBus()
	s1 := bus.Subscribe("fleet:F1")
	s2 := bus.Subscribe("fleet:F1")
	assert.Equal(t, 2, bus.SubscriberCount("fleet:F1"))

	s1.Unsubscribe()
	assert.Equal(t, 1, bus.SubscriberCount("fleet:F1"))
	s2.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount("fleet:F1"))
}

func TestPublish_ExcessMessagesDroppedNotBlocked(t *testing.T) {
	bus := pubsub.NewBus()
	sub := bus.Subscribe("topic")
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish("topic", pubsub.Message{Event: "x"})
		}
		close(done)
	}()

	testutil.RequireEventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})
}
