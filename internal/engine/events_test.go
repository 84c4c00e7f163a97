package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_subscribePublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()

	chA, unsubA := b.Subscribe("a")
	defer unsubA()
	chB, unsubB := b.Subscribe("b")
	defer unsubB()

	b.Publish(Event{Type: "job_state", JobID: "j1", State: "running"})

	select {
	case evt := <-chA:
		assert.Equal(t, "j1", evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received event")
	}
	select {
	case evt := <-chB:
		assert.Equal(t, "j1", evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received event")
	}
}

func TestBus_unsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := b.Subscribe("a")
	unsub()

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_slowSubscriberDropsRatherThanBlocks(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch, unsub := b.Subscribe("slow")
	defer unsub()

	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Event{Type: "step_progress", JobID: "j1"})
	}

	require.Eventually(t, func() bool { return len(ch) == subscriberBufferSize }, time.Second, 5*time.Millisecond)
}

func TestBus_closeClosesEverySubscriberChannel(t *testing.T) {
	b := NewBus()
	ch, _ := b.Subscribe("a")
	b.Close()

	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}
