package serving

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"go.gazette.dev/replicad/agent"
	"go.gazette.dev/replicad/connholder"
)

// ClusterLossNotifier is satisfied by the Server: a Handler that
// observes agent.ClusterLoss calls it to request an immediate,
// non-blocking halt.
type ClusterLossNotifier interface {
	HaltFromClusterLoss(peerInstanceID string)
}

// ChannelRemover is satisfied by the Server's channel set.
type ChannelRemover interface {
	Remove(*connholder.Holder)
}

// Handler is the per-connection cooperative loop. A Handler is
// constructed per accepted connection by the Acceptor and
// run on a pool worker.
type Handler struct {
	holder  *connholder.Holder
	agent   agent.Agent
	running Running

	// set by the owning Server/Acceptor via bind, kept separate from
	// the constructor so serving's own tests can exercise Handler
	// without a full Server.
	onClusterLoss ClusterLossNotifier
	channels      ChannelRemover
}

// NewHandler constructs a Handler for holder, driving agnt until
// disconnect or a fatal error, checking running before each Process
// call.
func NewHandler(holder *connholder.Holder, agnt agent.Agent, running Running) *Handler {
	return &Handler{holder: holder, agent: agnt, running: running}
}

// Bind wires the Handler to the Server machinery that Run's exit
// sequence needs: channel-set removal and cluster-loss notification.
func (h *Handler) Bind(channels ChannelRemover, onClusterLoss ClusterLossNotifier) {
	h.channels = channels
	h.onClusterLoss = onClusterLoss
}

// Run executes the Handler loop until the connection disconnects, a
// fatal error occurs, or the Server stops Running. On exit it always:
// closes the Agent, closes the ConnectionHolder, and removes the
// holder from the Server's channel set. If a ClusterLoss was
// observed, it additionally requests an immediate Server halt.
func (h *Handler) Run() {
	var clusterLoss *agent.ClusterLoss

	for h.running.Running() {
		var err = h.agent.Process(context.Background(), h.holder.Channel)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, agent.ErrDisconnected):
			log.WithField("remote", h.holder.Remote).Debug("handler: peer disconnected")
		case asClusterLoss(err, &clusterLoss):
			log.WithFields(log.Fields{"remote": h.holder.Remote, "peer": clusterLoss.PeerInstanceID}).
				Warn("handler: cluster vote lost, requesting server halt")
		case isNetworkError(err):
			log.WithFields(log.Fields{"remote": h.holder.Remote}).WithError(err).
				Warn("handler: network error, closing connection")
		default:
			log.WithFields(log.Fields{"remote": h.holder.Remote}).WithError(err).
				Error("handler: unhandled agent error, closing connection")
		}
		break
	}

	_ = h.agent.Close()
	h.holder.Close(false)
	if h.channels != nil {
		h.channels.Remove(h.holder)
	}

	if clusterLoss != nil && h.onClusterLoss != nil {
		h.onClusterLoss.HaltFromClusterLoss(clusterLoss.PeerInstanceID)
	}
}

func asClusterLoss(err error, out **agent.ClusterLoss) bool {
	var cl agent.ClusterLoss
	if errors.As(err, &cl) {
		*out = &cl
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var ne agent.NetworkError
	return errors.As(err, &ne)
}
