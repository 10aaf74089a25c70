package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gazette.dev/replicad/registry"
)

func TestFanOutPreservesOrder(t *testing.T) {
	var b = New(50*time.Millisecond, 8)
	b.Start()
	defer b.Halt()

	var h = b.Subscribe(0)

	b.Publish(0, Event{CommitSeq: 1, Payload: []byte("e1")})
	b.Publish(0, Event{CommitSeq: 2, Payload: []byte("e2")})
	b.Publish(0, Event{CommitSeq: 3, Payload: []byte("e3")})

	var ctx = context.Background()
	for _, want := range []int64{1, 2, 3} {
		var e, outcome = b.NextEvent(ctx, h, time.Now().Add(time.Second))
		require.Equal(t, OutcomeEvent, outcome)
		assert.Equal(t, want, e.CommitSeq)
	}
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	var b = New(time.Hour, 2)
	b.Start()
	defer b.Halt()

	var h = b.Subscribe(0)
	for i := int64(1); i <= 5; i++ {
		b.Publish(0, Event{CommitSeq: i})
	}

	var ctx = context.Background()
	var e1, _ = b.NextEvent(ctx, h, time.Now().Add(time.Second))
	var e2, _ = b.NextEvent(ctx, h, time.Now().Add(time.Second))

	assert.Equal(t, int64(4), e1.CommitSeq)
	assert.Equal(t, int64(5), e2.CommitSeq)
	assert.EqualValues(t, 3, b.LossCount(h, 0))
}

func TestHeartbeatDeliveredWithoutEvents(t *testing.T) {
	var b = New(20*time.Millisecond, 8)
	b.Start()
	defer b.Halt()

	var h = b.Subscribe(0)
	var _, outcome = b.NextEvent(context.Background(), h, time.Now().Add(time.Second))
	assert.Equal(t, OutcomeHeartbeat, outcome)
}

func TestHaltUnblocksWaiters(t *testing.T) {
	var b = New(time.Hour, 8)
	b.Start()

	var h = b.Subscribe(0)
	var done = make(chan Outcome, 1)
	go func() {
		var _, outcome = b.NextEvent(context.Background(), h, time.Now().Add(time.Hour))
		done <- outcome
	}()

	time.Sleep(10 * time.Millisecond)
	b.Halt()

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeShuttingDown, outcome)
	case <-time.After(time.Second):
		t.Fatal("NextEvent did not return promptly after Halt")
	}
}

func TestUnsubscribeRemovesQueues(t *testing.T) {
	var b = New(time.Hour, 8)
	b.Start()
	defer b.Halt()

	var h = b.Subscribe(0)
	b.Unsubscribe(h)
	b.Publish(0, Event{CommitSeq: 1})

	var _, outcome = b.NextEvent(context.Background(), h, time.Now().Add(50*time.Millisecond))
	assert.Equal(t, OutcomeShuttingDown, outcome)
}

func TestIndependentWriterIndicesDoNotInterleaveContent(t *testing.T) {
	var b = New(time.Hour, 8)
	b.Start()
	defer b.Halt()

	var h = b.Subscribe(0, 1)
	b.Publish(1, Event{CommitSeq: 100})
	b.Publish(0, Event{CommitSeq: 1})

	var seen = map[registry.Index]int64{}
	for i := 0; i < 2; i++ {
		var e, outcome = b.NextEvent(context.Background(), h, time.Now().Add(time.Second))
		require.Equal(t, OutcomeEvent, outcome)
		seen[e.WriterIndex] = e.CommitSeq
	}
	assert.Equal(t, int64(1), seen[0])
	assert.Equal(t, int64(100), seen[1])
}
