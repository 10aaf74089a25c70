package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// VoteWatcher.watch talks to a live *clientv3.Client's Watch stream,
// which this module does not fake (no embedded-Etcd dependency is in
// the pack); voteLost carries the only decision logic worth unit
// testing in isolation.

func TestVoteLostOnDifferentInstanceID(t *testing.T) {
	assert.True(t, voteLost("self-1", "self-2"))
}

func TestVoteNotLostOnOwnInstanceID(t *testing.T) {
	assert.False(t, voteLost("self-1", "self-1"))
}

func TestVoteLostOnEmptyAuthoritative(t *testing.T) {
	assert.True(t, voteLost("self-1", ""))
}

func TestHaltWithoutStartIsNoop(t *testing.T) {
	var v = NewVoteWatcher(nil, "/replicad/vote", "self-1", nil)
	assert.NotPanics(t, func() { v.Halt() })
}
