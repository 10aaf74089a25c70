package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gazette.dev/replicad/agent"
	"go.gazette.dev/replicad/registry"
)

type fakeWriter struct {
	key registry.JournalKey
	pub *Publisher
}

func (w *fakeWriter) JournalKey() registry.JournalKey { return w.key }
func (w *fakeWriter) BindPublisher(p *Publisher)      { w.pub = p }

// idleAgent never produces an error; used where the test doesn't
// drive any real connection traffic.
type idleAgent struct{}

func (idleAgent) Process(context.Context, net.Conn) error { time.Sleep(time.Millisecond); return nil }
func (idleAgent) Close() error                            { return nil }

func newTestOptions(t *testing.T) Options {
	return Options{
		ListenAddr:         "127.0.0.1:0",
		HeartbeatFrequency: 50 * time.Millisecond,
		PoolIdleTimeout:    time.Second,
		NewAgent:           func(net.Addr) agent.Agent { return idleAgent{} },
	}
}

func TestStartStopEmptyServer(t *testing.T) {
	var s = New(newTestOptions(t))
	assert.Equal(t, Stopped, s.State())

	require.NoError(t, s.Start())
	assert.Equal(t, Running, s.State())

	s.Halt(time.Second)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 0, s.ChannelCount())
}

func TestHaltIsIdempotent(t *testing.T) {
	var s = New(newTestOptions(t))
	require.NoError(t, s.Start())

	s.Halt(time.Second)
	s.Halt(time.Second) // Second call must be a no-op, not a panic or re-entry.
	assert.Equal(t, Stopped, s.State())
}

func TestPublishAssignsStableIndices(t *testing.T) {
	var s = New(newTestOptions(t))

	var wa = &fakeWriter{key: registry.JournalKey{ID: "a"}}
	var wb = &fakeWriter{key: registry.JournalKey{ID: "b"}}

	var ia, err = s.Publish(wa)
	require.NoError(t, err)
	var ib, err2 = s.Publish(wb)
	require.NoError(t, err2)

	assert.EqualValues(t, 0, ia)
	assert.EqualValues(t, 1, ib)
}

func TestCommitSourceBoundAtStartAndDetachedAtHalt(t *testing.T) {
	var s = New(newTestOptions(t))
	var w = &fakeWriter{key: registry.JournalKey{ID: "a"}}
	_, err := s.Publish(w)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NotNil(t, w.pub)
	assert.True(t, w.pub.active.Load())

	s.Halt(time.Second)
	assert.False(t, w.pub.active.Load())

	// Publish after detach must not panic and must be a true no-op.
	assert.NotPanics(t, func() { w.pub.Publish(1, []byte("x")) })
}

func TestHaltFromClusterLossStopsServerWithoutDeadlock(t *testing.T) {
	var s = New(newTestOptions(t))
	require.NoError(t, s.Start())

	// Simulate the call happening from a worker thread: it must not
	// deadlock even when the caller is itself a pool goroutine.
	done := make(chan struct{})
	go func() {
		s.HaltFromClusterLoss("peer-9")
		close(done)
	}()
	<-done

	require.True(t, s.Wait(time.Now().Add(2*time.Second)))
	assert.Equal(t, Stopped, s.State())
}

func TestFailedListenLeavesServerStopped(t *testing.T) {
	var blocker, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	var opts = newTestOptions(t)
	opts.ListenAddr = blocker.Addr().String()

	var s = New(opts)
	assert.Error(t, s.Start())
	assert.Equal(t, Stopped, s.State())
}
