package server

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	var lis, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var addr = lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestAdminMetricsEndpointServesPrometheusFormat(t *testing.T) {
	var s = New(newTestOptions(t))
	require.NoError(t, s.Start())
	defer s.Halt(time.Second)

	var a = NewAdminService(s)
	var httpAddr = freeAddr(t)
	require.NoError(t, a.Start("", httpAddr))
	defer a.Stop(context.Background())

	time.Sleep(20 * time.Millisecond) // let the listener goroutine start accepting

	var resp, err = http.Get("http://" + httpAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminHaltEndpointTriggersServerHalt(t *testing.T) {
	var s = New(newTestOptions(t))
	require.NoError(t, s.Start())

	var a = NewAdminService(s)
	var httpAddr = freeAddr(t)
	require.NoError(t, a.Start("", httpAddr))
	defer a.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)

	var resp, err = http.Post("http://"+httpAddr+"/halt", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.True(t, s.Wait(time.Now().Add(2*time.Second)))
	assert.Equal(t, Stopped, s.State())
}

func TestAdminHaltEndpointRejectsGet(t *testing.T) {
	var s = New(newTestOptions(t))
	require.NoError(t, s.Start())
	defer s.Halt(time.Second)

	var a = NewAdminService(s)
	var httpAddr = freeAddr(t)
	require.NoError(t, a.Start("", httpAddr))
	defer a.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)

	var resp, err = http.Get("http://" + httpAddr + "/halt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
