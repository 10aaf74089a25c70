package agent

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gazette.dev/replicad/bridge"
	"go.gazette.dev/replicad/registry"
)

func TestDeltaAgentStreamsEvent(t *testing.T) {
	var b = bridge.New(time.Hour, 8)
	b.Start()
	defer b.Halt()

	var server, client = net.Pipe()
	defer server.Close()
	defer client.Close()

	var a = NewDeltaAgent(b, "tester", nil, []registry.Index{0}, nil, time.Hour)
	defer a.Close()

	b.Publish(0, bridge.Event{CommitSeq: 7, Payload: []byte("hi")})

	var errCh = make(chan error, 1)
	go func() { errCh <- a.Process(context.Background(), server) }()

	var header [16]byte
	_, rerr := client.Read(header[:])
	require.NoError(t, rerr)

	assert.EqualValues(t, 0, binary.BigEndian.Uint32(header[0:4]))
	assert.EqualValues(t, 7, binary.BigEndian.Uint64(header[4:12]))
	assert.EqualValues(t, 2, binary.BigEndian.Uint32(header[12:16]))

	// net.Pipe is unbuffered: Process's payload Write completes only once
	// it is read here, so Process's result is collected afterward.
	var payload = make([]byte, 2)
	_, perr := client.Read(payload)
	require.NoError(t, perr)
	require.NoError(t, <-errCh)
	assert.Equal(t, "hi", string(payload))
}

func TestDeltaAgentDeniesUnauthorized(t *testing.T) {
	var b = bridge.New(time.Hour, 8)
	b.Start()
	defer b.Halt()

	var server, client = net.Pipe()
	defer client.Close()

	var denyHook = AuthorizationHookFunc(func(string, []registry.JournalKey) bool { return false })
	var a = NewDeltaAgent(b, "tester", nil, []registry.Index{0}, denyHook, time.Hour)
	defer a.Close()

	var err = a.Process(context.Background(), server)
	var netErr NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, netErr.Recoverable)
}
