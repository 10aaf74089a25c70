package connholder

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseIsIdempotent(t *testing.T) {
	var server, client = net.Pipe()
	defer client.Close()

	var h = New(server)
	h.Close(false)
	require.NotPanics(t, func() { h.Close(true) })

	var _, err = server.Write([]byte("x"))
	assert.Error(t, err)
}
