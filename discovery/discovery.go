// Package discovery implements the on-demand multicast responder and
// poller: a UDP request/response exchange letting replication clients
// find this server's TCP endpoint without prior configuration.
package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultIPv4Group and DefaultIPv6Group are the address-family
// defaulted multicast groups.
const (
	DefaultIPv4Group = "230.100.12.4"
	DefaultIPv6Group = "FF02:231::4500"
	DefaultPort      = 4446
)

// Config parametrizes both the Responder and the Poller.
type Config struct {
	// Address is the multicast group to join/send to. Defaults per
	// address family if empty (DefaultIPv4Group / DefaultIPv6Group
	// depending on IPv6).
	Address string
	// Port is the multicast port. Defaults to DefaultPort.
	Port int
	// IfName, if non-empty, names the network interface to use.
	// Otherwise the interface associated with the local host's primary
	// address is selected. The Responder joins the group on that
	// interface; the Poller only checks that it exists and supports
	// multicast, and sends from an unbound socket whose outgoing
	// interface the operating system chooses.
	IfName string
	// IPv6 selects the IPv6 default group/family when Address is empty.
	IPv6 bool
}

func (c Config) address() string {
	if c.Address != "" {
		return c.Address
	}
	if c.IPv6 {
		return DefaultIPv6Group
	}
	return DefaultIPv4Group
}

func (c Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	return DefaultPort
}

// resolveInterface honors an explicit name if provided, else picks the interface
// associated with the local host's primary address. It fails if the
// chosen interface does not support multicast.
func resolveInterface(ifName string) (*net.Interface, error) {
	if ifName != "" {
		var iface, err = net.InterfaceByName(ifName)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving named interface %q", ifName)
		}
		return requireMulticast(iface)
	}

	var conn, err = net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, errors.Wrap(err, "determining primary local address")
	}
	defer conn.Close()
	var local = conn.LocalAddr().(*net.UDPAddr).IP

	var ifaces, lerr = net.Interfaces()
	if lerr != nil {
		return nil, errors.Wrap(lerr, "listing network interfaces")
	}
	for _, iface := range ifaces {
		var addrs, aerr = iface.Addrs()
		if aerr != nil {
			continue
		}
		for _, a := range addrs {
			var ipNet, ok = a.(*net.IPNet)
			if ok && ipNet.IP.Equal(local) {
				return requireMulticast(&iface)
			}
		}
	}
	return nil, errors.Errorf("no interface found for local address %s", local)
}

func requireMulticast(iface *net.Interface) (*net.Interface, error) {
	if iface.Flags&net.FlagMulticast == 0 {
		return nil, errors.Errorf("interface %s does not support multicast", iface.Name)
	}
	return iface, nil
}

// Responder binds a datagram socket to the configured multicast
// group, joins it on the selected interface, and replies to requests
// bearing the expected request code with a Frame describing this
// node's address, SSL flag, and TCP port.
type Responder struct {
	cfg         Config
	requestCode uint32
	replyCode   uint32
	node        func() Frame

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResponder constructs a Responder that answers datagrams whose
// first four bytes equal requestCode, replying with replyCode and the
// Frame returned by node (called fresh per request, so it reflects
// the server's current advertised port/SSL flag).
func NewResponder(cfg Config, requestCode, replyCode uint32, node func() Frame) *Responder {
	return &Responder{cfg: cfg, requestCode: requestCode, replyCode: replyCode, node: node}
}

// Start joins the multicast group and begins the receive loop on a
// dedicated goroutine.
func (r *Responder) Start() error {
	var iface, err = resolveInterface(r.cfg.IfName)
	if err != nil {
		return errors.WithMessage(err, "discovery responder")
	}

	var gaddr = &net.UDPAddr{IP: net.ParseIP(r.cfg.address()), Port: r.cfg.port()}
	var conn, lerr = net.ListenMulticastUDP("udp", iface, gaddr)
	if lerr != nil {
		return errors.WithMessage(lerr, "discovery responder: ListenMulticastUDP")
	}
	r.conn = conn

	var ctx, cancel = context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.serve(ctx)
	return nil
}

func (r *Responder) serve(ctx context.Context) {
	defer r.wg.Done()

	var buf = make([]byte, 2048)
	for {
		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		var n, src, err = r.conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.WithError(err).Warn("discovery responder: read error")
			continue
		}

		var req, perr = Unmarshal(buf[:n])
		if perr != nil || req.Code != r.requestCode {
			continue
		}

		var resp = r.node()
		resp.Code = r.replyCode
		if _, werr := r.conn.WriteToUDP(resp.Marshal(), src); werr != nil {
			log.WithError(werr).Warn("discovery responder: reply failed")
		}
	}
}

// Halt stops the receive loop and releases the socket.
func (r *Responder) Halt() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
	r.wg.Wait()
}

// Poller sends discovery requests and waits for the first well-formed
// response, retrying up to Attempts times with PerAttemptTimeout
// between sends.
type Poller struct {
	cfg               Config
	requestCode       uint32
	responseCode      uint32
	attempts          int
	perAttemptTimeout time.Duration

	mu       sync.Mutex
	cachedAt time.Time
	cached   *Frame
	ttl      time.Duration
}

// NewPoller constructs a Poller. ttl bounds how long a successful
// Poll result is cached before a subsequent Poll goes back over the
// wire; zero disables caching.
func NewPoller(cfg Config, requestCode, responseCode uint32, attempts int, perAttemptTimeout, ttl time.Duration) *Poller {
	if attempts <= 0 {
		attempts = 3
	}
	return &Poller{
		cfg: cfg, requestCode: requestCode, responseCode: responseCode,
		attempts: attempts, perAttemptTimeout: perAttemptTimeout, ttl: ttl,
	}
}

// InvalidateResolution discards any cached Poll result, forcing the
// next Poll to go back over the wire. Intended to be called by a
// consumer of the Poller after a dial against the cached endpoint
// fails, mirroring the predecessor gazette client's
// discovery.Endpoint.InvalidateResolution behavior.
func (p *Poller) InvalidateResolution() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// Poll returns the first well-formed discovery response, substituting
// the datagram's source address for the embedded host if the embedded
// host parses as an any-local address (0.0.0.0 or ::).
func (p *Poller) Poll() (Frame, error) {
	if f, ok := p.cachedResult(); ok {
		return f, nil
	}

	if _, err := resolveInterface(p.cfg.IfName); err != nil {
		return Frame{}, errors.WithMessage(err, "discovery poller")
	}

	var laddr = &net.UDPAddr{}
	var conn, lerr = net.ListenUDP("udp", laddr)
	if lerr != nil {
		return Frame{}, errors.WithMessage(lerr, "discovery poller: ListenUDP")
	}
	defer conn.Close()

	var gaddr = &net.UDPAddr{IP: net.ParseIP(p.cfg.address()), Port: p.cfg.port()}
	var req = Frame{Code: p.requestCode}.Marshal()

	for attempt := 0; attempt < p.attempts; attempt++ {
		if _, werr := conn.WriteToUDP(req, gaddr); werr != nil {
			return Frame{}, errors.WithMessage(werr, "discovery poller: send")
		}
		_ = conn.SetReadDeadline(time.Now().Add(p.perAttemptTimeout))

		var buf = make([]byte, 2048)
		var n, src, rerr = conn.ReadFromUDP(buf)
		if rerr != nil {
			continue
		}
		var resp, perr = Unmarshal(buf[:n])
		if perr != nil || resp.Code != p.responseCode {
			continue
		}

		if host := net.ParseIP(resp.Host); host != nil && host.IsUnspecified() {
			resp.Host = src.IP.String()
		}
		p.cacheResult(resp)
		return resp, nil
	}
	return Frame{}, errors.Errorf("discovery poller: no response after %d attempts", p.attempts)
}

func (p *Poller) cachedResult() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil || p.ttl <= 0 {
		return Frame{}, false
	}
	if time.Since(p.cachedAt) > p.ttl {
		return Frame{}, false
	}
	return *p.cached, true
}

func (p *Poller) cacheResult(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = &f
	p.cachedAt = time.Now()
}

// HostPort formats f's host and port as a dialable address.
func (f Frame) HostPort() string {
	return net.JoinHostPort(f.Host, strconv.Itoa(int(f.TCPPort)))
}
