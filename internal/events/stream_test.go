package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFanOut(t *testing.T) {
	s := NewStream(4)

	a := s.Subscribe()
	b := s.Subscribe()
	assert.Equal(t, 2, s.SubscriberCount())

	ev := sampleEvent(TypeApproved, ApprovedPayload{EscrowAddress: "0xdddd00000000000000000000000000000000dddd"})
	s.Publish(ev)

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Same(t, ev, <-a)
	assert.Same(t, ev, <-b)
}

func TestStreamDropsWhenSubscriberIsFull(t *testing.T) {
	s := NewStream(2)
	ch := s.Subscribe()

	ev := sampleEvent(TypeApproved, ApprovedPayload{})
	for i := 0; i < 5; i++ {
		s.Publish(ev) // must never block
	}
	assert.Len(t, ch, 2)
}

func TestStreamUnsubscribeCloses(t *testing.T) {
	s := NewStream(1)
	ch := s.Subscribe()

	s.Unsubscribe(ch)
	assert.Equal(t, 0, s.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Double unsubscribe is a no-op, not a double close.
	s.Unsubscribe(ch)
}
