package agent

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"golang.org/x/net/trace"

	"go.gazette.dev/replicad/bridge"
	"go.gazette.dev/replicad/registry"
)

// DeltaAgent is a reference Agent implementation that streams
// bridge.Event deltas to the connected replica client. It exists so
// the Acceptor/Handler/Server machinery can be exercised end-to-end in
// tests without a real journal store or wire codec. Each event is
// written as a length-prefixed opaque frame:
//
//	u32 writerIndex
//	i64 commitSeq
//	u32 payloadLength
//	[]byte payload
//
// A zero-length frame with writerIndex == NotFound (0xFFFFFFFF on the
// wire) and commitSeq 0 is written on every heartbeat tick so the client can use frame arrival alone as
// a liveness signal, without needing to special-case heartbeats.
type DeltaAgent struct {
	bridge     *bridge.Bridge
	handle     bridge.Handle
	identity   string
	journals   []registry.JournalKey
	authorized bool
	hook       AuthorizationHook
	trace      trace.Trace

	heartbeatEvery time.Duration
}

// NewDeltaAgent constructs a DeltaAgent bound to a single bridge
// subscription over indices, authorizing identity against journals
// via hook on the first Process call.
func NewDeltaAgent(b *bridge.Bridge, identity string, journals []registry.JournalKey, indices []registry.Index, hook AuthorizationHook, heartbeatEvery time.Duration) *DeltaAgent {
	if hook == nil {
		hook = AllowAll
	}
	return &DeltaAgent{
		bridge:         b,
		handle:         b.Subscribe(indices...),
		identity:       identity,
		journals:       journals,
		hook:           hook,
		heartbeatEvery: heartbeatEvery,
	}
}

// Process implements Agent. The first call performs authorization
// before anything else; every call that gets past authorization then
// blocks on the next bridge event or heartbeat and writes it to channel.
func (d *DeltaAgent) Process(ctx context.Context, channel net.Conn) error {
	if d.trace == nil {
		d.trace = trace.New("replicad.agent", d.identity)
	}

	if !d.authorized {
		if !d.hook.Authorize(d.identity, d.journals) {
			d.trace.LazyPrintf("authorization denied")
			return NetworkError{Recoverable: false, Cause: io.EOF}
		}
		d.authorized = true
		d.trace.LazyPrintf("authorized")
	}

	var deadline = time.Now().Add(d.heartbeatEvery)
	var event, outcome = d.bridge.NextEvent(ctx, d.handle, deadline)

	switch outcome {
	case bridge.OutcomeEvent:
		d.trace.LazyPrintf("event writerIndex=%d commitSeq=%d", event.WriterIndex, event.CommitSeq)
		return writeFrame(channel, event)
	case bridge.OutcomeHeartbeat:
		d.trace.LazyPrintf("heartbeat")
		return writeFrame(channel, bridge.Event{WriterIndex: registry.NotFound})
	case bridge.OutcomeTimeout:
		return nil // Loop again; not a fatal condition.
	case bridge.OutcomeShuttingDown:
		d.trace.LazyPrintf("shutting down")
		return ErrDisconnected
	default:
		return nil
	}
}

// Close implements Agent.
func (d *DeltaAgent) Close() error {
	d.bridge.Unsubscribe(d.handle)
	if d.trace != nil {
		d.trace.Finish()
	}
	return nil
}

func writeFrame(w io.Writer, e bridge.Event) error {
	var header [16]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(e.WriterIndex))
	binary.BigEndian.PutUint64(header[4:12], uint64(e.CommitSeq))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(e.Payload)))

	if _, err := w.Write(header[:]); err != nil {
		return NetworkError{Recoverable: false, Cause: err}
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			return NetworkError{Recoverable: false, Cause: err}
		}
	}
	return nil
}
