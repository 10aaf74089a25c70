// Package cluster implements the cluster quorum protocol with a
// concrete means by which a peer "claims authority": a single Etcd
// key holding the instance ID currently believed authoritative,
// narrowed from a full allocator KeySpace down to one watched key.
package cluster

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// HaltFromClusterLoss is satisfied by server.Server.
type HaltFromClusterLoss interface {
	HaltFromClusterLoss(peerInstanceID string)
}

// VoteWatcher watches Key in Etcd and invokes HaltFromClusterLoss
// whenever the key's value changes to an instance ID other than
// SelfInstanceID. It holds no per-connection state: the only state
// VoteWatcher carries is the single shared epoch key.
type VoteWatcher struct {
	client         *clientv3.Client
	key            string
	selfInstanceID string
	onLoss         HaltFromClusterLoss

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewVoteWatcher constructs a VoteWatcher for key, comparing observed
// values against selfInstanceID.
func NewVoteWatcher(client *clientv3.Client, key, selfInstanceID string, onLoss HaltFromClusterLoss) *VoteWatcher {
	return &VoteWatcher{client: client, key: key, selfInstanceID: selfInstanceID, onLoss: onLoss}
}

// Start begins watching Key on a dedicated goroutine.
func (v *VoteWatcher) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()

	var ctx, cancel = context.WithCancel(context.Background())
	v.cancel = cancel
	v.done = make(chan struct{})

	go v.watch(ctx)
}

func (v *VoteWatcher) watch(ctx context.Context) {
	defer close(v.done)

	var watchCh = v.client.Watch(ctx, v.key)
	for resp := range watchCh {
		if resp.Canceled {
			return
		}
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			var authoritative = string(ev.Kv.Value)
			if voteLost(v.selfInstanceID, authoritative) {
				log.WithFields(log.Fields{
					"key": v.key, "authoritative": authoritative, "self": v.selfInstanceID,
				}).Warn("cluster vote lost, requesting halt")
				v.onLoss.HaltFromClusterLoss(authoritative)
			}
		}
	}
}

// voteLost reports whether an observed authoritative instance ID
// means self has lost the cluster vote. Split out from watch so the
// decision is testable without a live Etcd watch stream.
func voteLost(selfInstanceID, authoritative string) bool {
	return authoritative != selfInstanceID
}

// Halt stops the watch goroutine and waits for it to exit.
func (v *VoteWatcher) Halt() {
	v.mu.Lock()
	var cancel, done = v.cancel, v.done
	v.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
