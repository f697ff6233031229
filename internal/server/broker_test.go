package server

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker() *Broker {
	return NewBroker(nil, slog.New(slog.DiscardHandler))
}

func TestBrokerBroadcastReachesAllSubscribers(t *testing.T) {
	b := newTestBroker()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	event := formatSSE("kanshi_transitions", `{"app_id":"checkout-bot"}`)
	b.broadcast(event)

	assert.Equal(t, event, <-sub1)
	assert.Equal(t, event, <-sub2)
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := newTestBroker()

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	// Fill the subscriber buffer without draining it.
	for range cap(slow) + 10 {
		b.broadcast([]byte("event: kanshi_drift\ndata: {}\n\n"))
	}

	// The buffer holds exactly its capacity; the overflow was dropped
	// rather than blocking the broadcast loop.
	assert.Len(t, slow, cap(slow))
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := newTestBroker()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)

	// Broadcast after unsubscribe must not panic on the closed channel.
	b.broadcast([]byte("event: kanshi_drift\ndata: {}\n\n"))
}

func TestFormatSSE(t *testing.T) {
	got := formatSSE("kanshi_transitions", `{"state":"open"}`)
	require.Equal(t, "event: kanshi_transitions\ndata: {\"state\":\"open\"}\n\n", string(got))
}
