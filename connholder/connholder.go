// Package connholder implements ConnectionHolder: the sole owner of
// one accepted connection's channel and remote address.
package connholder

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Holder owns a connected channel exclusively. Once registered into a
// Server's channel set, it is shared only by: the Acceptor's local
// variable during setup, the Handler task running it, and the
// Server's channel-set for force-close on halt.
type Holder struct {
	Channel net.Conn
	Remote  net.Addr

	mu     sync.Mutex
	closed bool
}

// New wraps conn in a Holder.
func New(conn net.Conn) *Holder {
	return &Holder{Channel: conn, Remote: conn.RemoteAddr()}
}

// Close closes the underlying channel. It is idempotent: a second or
// later call is a no-op beyond the log line. Close errors are
// swallowed to a warning since the holder is unusable thereafter
// regardless of whether the close succeeded.
//
// forced distinguishes a Handler-initiated close (disconnected) from
// a Server-initiated force-close during halt (forced), purely for the
// log line's benefit.
func (h *Holder) Close(forced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var reason = "disconnected"
	if forced {
		reason = "forced"
	}
	if h.closed {
		log.WithFields(log.Fields{"remote": h.Remote, "reason": reason}).
			Debug("connection already closed")
		return
	}
	h.closed = true

	if err := h.Channel.Close(); err != nil {
		log.WithFields(log.Fields{"remote": h.Remote, "reason": reason}).
			WithError(err).Warn("error closing connection")
	} else {
		log.WithFields(log.Fields{"remote": h.Remote, "reason": reason}).
			Debug("connection closed")
	}
}
