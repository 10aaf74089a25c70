// Package server wires the registry, bridge, discovery, serving, and
// cluster packages into a single replication server: Publish, Start,
// Halt, HaltFromClusterLoss, and the ServerState machine that drives
// them.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"go.gazette.dev/replicad/bridge"
	"go.gazette.dev/replicad/cluster"
	"go.gazette.dev/replicad/connholder"
	"go.gazette.dev/replicad/discovery"
	"go.gazette.dev/replicad/registry"
	"go.gazette.dev/replicad/serving"
)

// State is the lifecycle state of a Server.
type State int32

const (
	Stopped State = iota
	Running
	Halting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Running:
		return "Running"
	case Halting:
		return "Halting"
	default:
		return "Unknown"
	}
}

// Publisher is handed to a writer that implements CommitSource at
// Start, and becomes a no-op once Detached. Modeling the writer→bridge
// relation this way (the writer owns the handle) rather than as a
// bridge-held back-pointer means halt's detach step cannot race a
// concurrent commit callback into enqueuing onto a torn-down bridge.
type Publisher struct {
	index  registry.Index
	bridge *bridge.Bridge
	active atomic.Bool
}

// Publish pushes a commit event into the bridge under this writer's
// index. It is a no-op after Detach.
func (p *Publisher) Publish(commitSeq int64, payload []byte) {
	if !p.active.Load() {
		return
	}
	p.bridge.Publish(p.index, bridge.Event{WriterIndex: p.index, CommitSeq: commitSeq, Payload: payload})
}

// Detach makes future Publish calls no-ops. Called once by halt
// before the listening socket and bridge are torn down.
func (p *Publisher) Detach() { p.active.Store(false) }

// CommitSource is optionally implemented by a published Writer to
// receive a Publisher handle at Start. A Writer that doesn't
// implement it is assumed to push events by some other external
// means, or not to participate in live replication at all.
type CommitSource interface {
	registry.Writer
	BindPublisher(p *Publisher)
}

// AgentFactory builds the per-connection Agent, set via Options.NewAgent.
type AgentFactory = serving.AgentFactory

// Options configures a Server at construction.
type Options struct {
	// ListenAddr is the TCP address to accept replication connections
	// on (host:port, per-instance port derivation already applied by
	// the caller).
	ListenAddr string
	// TLS, if non-nil, transparently wraps accepted sockets.
	TLS serving.TLSConfig
	// HeartbeatFrequency is the bridge's tick cadence.
	HeartbeatFrequency time.Duration
	// BridgeCapacity bounds memory per (subscriber, writer index) pair.
	BridgeCapacity int
	// SoRcvBuf, if positive, sets SO_RCVBUF on the listening socket
	// before accept.
	SoRcvBuf int
	// PoolIdleTimeout bounds how long an idle worker lingers before
	// being reaped.
	PoolIdleTimeout time.Duration
	// Discovery, if non-nil, starts a multicast Responder at Start
	// advertising ListenAddr's port.
	Discovery *DiscoveryOptions
	// InstanceID identifies this server instance to peers (advertised
	// to the cluster.VoteWatcher as the local identity).
	InstanceID string
	// NewAgent constructs the per-connection Agent.
	NewAgent AgentFactory
	// VoteWatcher, if non-nil, is started alongside the Server and
	// halted with it; a detected vote loss calls HaltFromClusterLoss.
	VoteWatcher *cluster.VoteWatcher
}

// DiscoveryOptions parametrizes the optional multicast responder.
type DiscoveryOptions struct {
	Config      discovery.Config
	RequestCode uint32
	ReplyCode   uint32
}

// Server is the top-level runtime concern of a replication process:
// it owns the registry, bridge, acceptor/pool, discovery responder,
// and channel set, and drives their lifecycle.
type Server struct {
	opts Options

	registry *registry.Registry
	bridge   *bridge.Bridge

	mu       sync.Mutex
	state    atomic.Int32
	channels map[*connholder.Holder]struct{}

	listener  net.Listener
	responder *discovery.Responder
	pool      *serving.Pool

	publishers []*Publisher

	haltOnce sync.Once
	stopped  chan struct{}

	writerGauge    prometheus.Collector
	connectedGauge prometheus.Gauge
}

// New constructs a Server with an empty, open registry. Publish must
// be called (if at all) before Start.
func New(opts Options) *Server {
	if opts.PoolIdleTimeout <= 0 {
		opts.PoolIdleTimeout = 60 * time.Second
	}
	var s = &Server{
		opts:     opts,
		registry: registry.New(),
		bridge:   bridge.New(opts.HeartbeatFrequency, opts.BridgeCapacity),
		channels: make(map[*connholder.Holder]struct{}),
		stopped:  make(chan struct{}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replicad_connections_active",
			Help: "Number of currently accepted replication connections.",
		}),
	}
	close(s.stopped) // Not yet started; Running() is false until Start.
	s.writerGauge = s.registry.Collector()
	return s
}

// Publish delegates to the registry. Valid only before Start.
func (s *Server) Publish(w registry.Writer) (registry.Index, error) {
	return s.registry.Publish(w)
}

// Collectors returns every Prometheus collector the Server and its
// components expose, for registration against an admin /metrics
// handler.
func (s *Server) Collectors() []prometheus.Collector {
	var cs = []prometheus.Collector{s.writerGauge, s.connectedGauge}
	cs = append(cs, s.bridge.Collectors()...)
	return cs
}

// Running implements serving.Running: the Acceptor and Handlers loop
// while this returns true.
func (s *Server) Running() bool {
	return State(s.state.Load()) == Running
}

// State reports the current ServerState.
func (s *Server) State() State {
	return State(s.state.Load())
}

// SetVoteWatcher attaches a VoteWatcher to be started alongside the
// Server's other subcomponents in Start and halted alongside them in
// Halt. It exists because a VoteWatcher's HaltFromClusterLoss
// callback is the Server itself, so the two can't always be
// constructed in one step. Must be called before Start.
func (s *Server) SetVoteWatcher(vw *cluster.VoteWatcher) {
	s.opts.VoteWatcher = vw
}

// InstanceID returns this server's configured instance identifier
// (Options.InstanceID).
func (s *Server) InstanceID() string {
	return s.opts.InstanceID
}

// Start binds the listener, discovery responder, worker pool and
// acceptor, and any configured VoteWatcher. On failure every
// partially-started subcomponent is torn down and the Server is left
// Stopped.
func (s *Server) Start() error {
	// 1. Start the server-logger -- logrus is process-global and
	// already initialized by cmd/replicad; nothing to do here beyond
	// announcing the transition.
	log.WithFields(log.Fields{"listenAddr": s.opts.ListenAddr, "instance": s.opts.InstanceID}).Info("server: starting")

	s.registry.Close()

	// 2. Install a commit listener (Publisher handle) for every
	// published writer that implements CommitSource.
	s.registry.Range(func(idx registry.Index, w registry.Writer) {
		if cs, ok := w.(CommitSource); ok {
			var p = &Publisher{index: idx, bridge: s.bridge}
			p.active.Store(true)
			s.publishers = append(s.publishers, p)
			cs.BindPublisher(p)
		}
	})

	// 3. Open the listening TCP socket.
	var lc net.ListenConfig
	if s.opts.SoRcvBuf > 0 {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if cerr := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, s.opts.SoRcvBuf)
			}); cerr != nil {
				return cerr
			}
			return sockErr
		}
	}
	var listener, err = lc.Listen(context.Background(), "tcp", s.opts.ListenAddr)
	if err != nil {
		s.teardownPartial()
		return errors.Wrapf(err, "server: listening on %s", s.opts.ListenAddr)
	}
	s.listener = listener

	// 4. Start multicast responder if enabled.
	if s.opts.Discovery != nil {
		var node = func() discovery.Frame {
			return s.advertisedFrame()
		}
		s.responder = discovery.NewResponder(s.opts.Discovery.Config, s.opts.Discovery.RequestCode, s.opts.Discovery.ReplyCode, node)
		if rerr := s.responder.Start(); rerr != nil {
			s.teardownPartial()
			return errors.WithMessage(rerr, "server: starting discovery responder")
		}
	}

	// 5. Start the bridge.
	s.bridge.Start()

	if s.opts.VoteWatcher != nil {
		s.opts.VoteWatcher.Start()
	}

	// 6. Set state = Running.
	s.stopped = make(chan struct{})
	s.state.Store(int32(Running))

	// 7. Submit the Acceptor.
	s.pool = serving.NewPool(s.opts.PoolIdleTimeout)
	var acceptor = serving.NewAcceptor(s.listener, s.opts.TLS, s.pool, s, s, s.opts.NewAgent, s)
	go acceptor.Run()

	return nil
}

// advertisedFrame builds the discovery.Frame advertising this
// instance's current listen address.
func (s *Server) advertisedFrame() discovery.Frame {
	var host, port = splitHostPort(s.opts.ListenAddr)
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		port = uint32(tcpAddr.Port)
		if host == "" {
			host = tcpAddr.IP.String()
		}
	}
	return discovery.Frame{Host: host, SSL: s.opts.TLS != nil, TCPPort: port}
}

func splitHostPort(addr string) (string, uint32) {
	var host, portStr, err = net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	var port, perr = strconv.Atoi(portStr)
	if perr != nil {
		return host, 0
	}
	return host, uint32(port)
}

// Add implements serving.ChannelSet.
func (s *Server) Add(h *connholder.Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[h] = struct{}{}
	s.connectedGauge.Inc()
}

// Remove implements serving.ChannelRemover.
func (s *Server) Remove(h *connholder.Holder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[h]; ok {
		delete(s.channels, h)
		s.connectedGauge.Dec()
	}
}

// ChannelCount returns the number of connections currently tracked.
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Server) closeAllChannels() {
	s.mu.Lock()
	var holders = make([]*connholder.Holder, 0, len(s.channels))
	for h := range s.channels {
		holders = append(holders, h)
	}
	s.channels = make(map[*connholder.Holder]struct{})
	s.mu.Unlock()

	for _, h := range holders {
		h.Close(true)
		s.connectedGauge.Dec()
	}
}

// Halt shuts the pool, detaches publishers, closes the listener,
// bridge, responder and vote watcher, and closes all tracked
// channels, waiting up to deadline for in-flight tasks before
// force-closing stragglers.
func (s *Server) Halt(deadline time.Duration) {
	// 1. If not Running, return.
	if !s.state.CompareAndSwap(int32(Running), int32(Halting)) {
		return
	}

	// 2. Mark Halting (above); initiate worker-pool shutdown.
	if s.pool != nil {
		s.pool.Shutdown()
	}

	// 3. Detach every writer's commit listener.
	for _, p := range s.publishers {
		p.Detach()
	}

	// 4. Close the listening socket.
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.WithError(err).Warn("server: error closing listener during halt")
		}
	}

	// 5. Wait up to deadline for tasks to finish.
	if s.pool != nil && deadline > 0 {
		if !s.pool.Wait(time.Now().Add(deadline)) {
			log.WithField("deadline", deadline).Warn("server: halt deadline exceeded, abandoning stragglers")
		}
	}

	// 6. Halt the bridge, then the multicast responder.
	s.bridge.Halt()
	if s.responder != nil {
		s.responder.Halt()
	}
	if s.opts.VoteWatcher != nil {
		s.opts.VoteWatcher.Halt()
	}

	// 7. Force-close every ConnectionHolder still in the set.
	s.closeAllChannels()

	// 8. Stop the server-logger.
	log.Info("server: halted")

	// 9. Bounded additional grace wait, then Stopped. Skipped
	// (deadline already 0) when invoked reentrantly from a worker via
	// HaltFromClusterLoss, so it cannot deadlock waiting on itself.
	if deadline > 0 {
		time.Sleep(minDuration(deadline/10, time.Second))
	}
	s.state.Store(int32(Stopped))
	close(s.stopped)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// HaltFromClusterLoss implements cluster.HaltFromClusterLoss and
// serving.ClusterLossNotifier: equivalent to Halt(0), safe to call
// from a worker thread (including one running inside this Server's
// own pool), and idempotent.
func (s *Server) HaltFromClusterLoss(peerInstanceID string) {
	s.haltOnce.Do(func() {
		log.WithField("peer", peerInstanceID).Warn("server: halting due to cluster vote loss")
		go s.Halt(0)
	})
}

// Wait blocks until the Server reaches Stopped, or until deadline.
// Returns false if the deadline elapsed first.
func (s *Server) Wait(deadline time.Time) bool {
	var timer = time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-s.stopped:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Server) teardownPartial() {
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	if s.responder != nil {
		s.responder.Halt()
		s.responder = nil
	}
	for _, p := range s.publishers {
		p.Detach()
	}
	s.publishers = nil
	s.state.Store(int32(Stopped))
}
