// Package agent defines the per-connection protocol driver contract
// consumed by the serving package's Handler, and the
// AuthorizationHook interface an Agent implementation calls before
// entering steady-state event draining.
//
// The wire payload of Process's request/response or event-drain work
// is explicitly out of scope here: this package specifies only the
// control contract an Agent must honor.
package agent

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"

	"go.gazette.dev/replicad/registry"
)

// Agent drives one connection's protocol, one bounded step at a time.
type Agent interface {
	// Process performs a single bounded unit of request/response or
	// event-drain work against channel. It may suspend waiting on the
	// channel or on a bridge subscription. A nil return means "loop
	// again": the Handler will call Process again immediately. A
	// non-nil return ends the connection; see the error taxonomy below
	// for how the Handler interprets it.
	Process(ctx context.Context, channel net.Conn) error
	// Close releases per-connection resources. It is called exactly
	// once by the Handler, after Process returns a non-nil error or
	// the Handler itself is torn down.
	Close() error
}

// ErrDisconnected indicates the peer hung up. The Handler ends the
// connection without further consequence to the Server.
var ErrDisconnected = errors.New("agent: peer disconnected")

// ClusterLoss is raised when another cluster member has told this
// Agent's connection that it holds authority. The Handler ends the
// connection AND requests that the whole Server halt (with a zero
// deadline, non-blocking).
type ClusterLoss struct {
	PeerInstanceID string
}

func (c ClusterLoss) Error() string {
	return fmt.Sprintf("agent: cluster vote lost to peer instance %q", c.PeerInstanceID)
}

// NetworkError wraps a transport failure. Recoverable is always false;
// no recoverable variant exists yet at the Agent/Handler boundary. It
// is carried explicitly so callers don't have to infer it, and so a
// future recoverable variant doesn't require a breaking type change.
type NetworkError struct {
	Recoverable bool
	Cause       error
}

func (n NetworkError) Error() string {
	return fmt.Sprintf("agent: network error (recoverable=%t): %v", n.Recoverable, n.Cause)
}

func (n NetworkError) Unwrap() error { return n.Cause }

// AuthorizationHook is called by an Agent with the connecting
// identity and the set of journals it has requested, and returns
// whether the connection may proceed. An Agent that raises
// authorization denial must surface it to the Handler as a
// NetworkError; authorization denial is treated as transport-fatal
// for that connection.
type AuthorizationHook interface {
	Authorize(identity string, journals []registry.JournalKey) bool
}

// AuthorizationHookFunc adapts a function to an AuthorizationHook.
type AuthorizationHookFunc func(identity string, journals []registry.JournalKey) bool

// Authorize implements AuthorizationHook.
func (f AuthorizationHookFunc) Authorize(identity string, journals []registry.JournalKey) bool {
	return f(identity, journals)
}

// AllowAll is an AuthorizationHook that permits every connection. It
// is the default when no hook is configured, framing authorization as
// an optional external collaborator.
var AllowAll AuthorizationHook = AuthorizationHookFunc(
	func(string, []registry.JournalKey) bool { return true },
)
