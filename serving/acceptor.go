package serving

import (
	"crypto/tls"
	"net"

	log "github.com/sirupsen/logrus"

	"go.gazette.dev/replicad/agent"
	"go.gazette.dev/replicad/connholder"
)

// Running reports whether the Acceptor (and its owning Server) should
// continue accepting. It is satisfied by an atomic boolean on Server;
// kept as a narrow interface here so serving doesn't import server
// and create a cycle.
type Running interface {
	Running() bool
}

// TLSConfig optionally wraps accepted sockets transparently. A nil
// TLSConfig means plaintext.
type TLSConfig = *tls.Config

// ChannelSet is the Server's mutex-guarded set of live ConnectionHolders.
type ChannelSet interface {
	Add(*connholder.Holder)
	ChannelRemover
}

// AgentFactory constructs a fresh Agent for each accepted connection.
type AgentFactory func(remote net.Addr) agent.Agent

// Acceptor runs the single dedicated accept loop.
type Acceptor struct {
	listener      net.Listener
	tls           TLSConfig
	pool          *Pool
	running       Running
	channels      ChannelSet
	newAgent      AgentFactory
	onClusterLoss ClusterLossNotifier
}

// NewAcceptor constructs an Acceptor over listener. onClusterLoss is
// bound into every Handler it spawns, so an agent.ClusterLoss observed
// on any connection reaches the Server.
func NewAcceptor(listener net.Listener, tlsCfg TLSConfig, pool *Pool, running Running, channels ChannelSet, newAgent AgentFactory, onClusterLoss ClusterLossNotifier) *Acceptor {
	return &Acceptor{
		listener: listener, tls: tlsCfg, pool: pool,
		running: running, channels: channels, newAgent: newAgent,
		onClusterLoss: onClusterLoss,
	}
}

// Run executes the accept loop until the listener is closed or the
// Server stops Running. It does not itself call halt on error or
// exit: that decision belongs to a supervising layer (here, the
// owning Server).
func (a *Acceptor) Run() {
	for a.running.Running() {
		var conn, err = a.listener.Accept()
		if err != nil {
			if !a.running.Running() {
				return // Listener was closed as part of halt; quiet exit.
			}
			log.WithError(err).Error("acceptor: fatal accept error while running")
			return
		}

		if a.tls != nil {
			conn = tls.Server(conn, a.tls)
		}

		var holder = connholder.New(conn)
		a.channels.Add(holder)

		var h = NewHandler(holder, a.newAgent(holder.Remote), a.running)
		h.Bind(a.channels, a.onClusterLoss)
		if err := a.pool.Submit(h.Run); err != nil {
			log.WithFields(log.Fields{"remote": holder.Remote}).
				Info("acceptor: submission rejected, pool is shutting down")
			a.channels.Remove(holder)
			holder.Close(true)
		}
	}
}
