package publish

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clsferguson/proximeter/internal/metrics"
	"github.com/clsferguson/proximeter/internal/types"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(metrics.New())
	_, ch1 := b.Subscribe(8)
	_, ch2 := b.Subscribe(8)

	b.Broadcast(types.ScoreEvent{StreamID: "cam1", ZoneID: "door"})

	for _, ch := range []<-chan types.ScoreEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "door", ev.ZoneID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberDropsOldestNeverBlocks(t *testing.T) {
	b := NewBroadcaster(metrics.New())
	_, ch := b.Subscribe(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := uint64(1); seq <= 10; seq++ {
			b.Broadcast(types.ScoreEvent{FrameSeq: seq})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}

	// The buffer holds only the newest events.
	var got []uint64
	for len(ch) > 0 {
		got = append(got, (<-ch).FrameSeq)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []uint64{9, 10}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(metrics.New())
	id, ch := b.Subscribe(4)

	b.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")
	assert.Equal(t, 0, b.Subscribers())

	// Broadcasting to nobody is fine.
	b.Broadcast(types.ScoreEvent{})
}

func TestPublisherFansOutWithoutMQTT(t *testing.T) {
	met := metrics.New()
	b := NewBroadcaster(met)
	p := New(b, nil, zerolog.Nop(), met)

	_, ch := b.Subscribe(4)
	p.Publish(types.ScoreEvent{StreamID: "cam1"})

	select {
	case ev := <-ch:
		assert.Equal(t, "cam1", ev.StreamID)
	case <-time.After(time.Second):
		t.Fatal("event did not reach SSE subscriber")
	}
}

func TestMQTTEnqueueNeverBlocksWhileDisconnected(t *testing.T) {
	sink := NewMQTTSink(MQTTConfig{Broker: "127.0.0.1:1883", EventTopic: "proximeter/events", Buffer: 4}, zerolog.Nop(), metrics.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			sink.Enqueue(types.ScoreEvent{FrameSeq: uint64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked with a full queue and no broker")
	}
}
