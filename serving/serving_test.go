package serving

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gazette.dev/replicad/agent"
	"go.gazette.dev/replicad/connholder"
)

type flagRunning struct{ v atomic.Bool }

func (f *flagRunning) Running() bool { return f.v.Load() }

func newRunning(v bool) *flagRunning {
	var f = &flagRunning{}
	f.v.Store(v)
	return f
}

type fakeChannels struct {
	mu    sync.Mutex
	added int
	removed int
}

func (c *fakeChannels) Add(*connholder.Holder)    { c.mu.Lock(); c.added++; c.mu.Unlock() }
func (c *fakeChannels) Remove(*connholder.Holder) { c.mu.Lock(); c.removed++; c.mu.Unlock() }

type fakeClusterNotifier struct {
	mu      sync.Mutex
	peerIDs []string
}

func (n *fakeClusterNotifier) HaltFromClusterLoss(peer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peerIDs = append(n.peerIDs, peer)
}

// disconnectAgent immediately reports the peer as disconnected.
type disconnectAgent struct{ closed atomic.Bool }

func (a *disconnectAgent) Process(context.Context, net.Conn) error { return agent.ErrDisconnected }
func (a *disconnectAgent) Close() error                            { a.closed.Store(true); return nil }

// clusterLossAgent reports ClusterLoss on its first Process call.
type clusterLossAgent struct{ peer string }

func (a *clusterLossAgent) Process(context.Context, net.Conn) error {
	return agent.ClusterLoss{PeerInstanceID: a.peer}
}
func (a *clusterLossAgent) Close() error { return nil }

func TestHandlerRemovesHolderAndClosesAgentOnDisconnect(t *testing.T) {
	var server, client = net.Pipe()
	defer client.Close()

	var holder = connholder.New(server)
	var channels = &fakeChannels{}
	var a = &disconnectAgent{}
	var running = newRunning(true)

	var h = NewHandler(holder, a, running)
	h.Bind(channels, &fakeClusterNotifier{})
	h.Run()

	assert.True(t, a.closed.Load())
	assert.Equal(t, 1, channels.removed)
}

func TestHandlerClusterLossTriggersHalt(t *testing.T) {
	var server, client = net.Pipe()
	defer client.Close()

	var holder = connholder.New(server)
	var channels = &fakeChannels{}
	var notifier = &fakeClusterNotifier{}
	var running = newRunning(true)

	var h = NewHandler(holder, &clusterLossAgent{peer: "peer-7"}, running)
	h.Bind(channels, notifier)
	h.Run()

	require.Len(t, notifier.peerIDs, 1)
	assert.Equal(t, "peer-7", notifier.peerIDs[0])
}

func TestPoolSubmitRejectsAfterShutdown(t *testing.T) {
	var p = NewPool(time.Second)
	p.Shutdown()

	var err = p.Submit(func() {})
	assert.ErrorIs(t, err, ErrSubmissionRejected)
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	var p = NewPool(time.Second)
	var n atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() { defer wg.Done(); n.Add(1) }))
	}
	wg.Wait()
	assert.EqualValues(t, 5, n.Load())
	assert.True(t, p.Wait(time.Now().Add(time.Second)))
}
