package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var f = Frame{Code: 120, Host: "127.0.0.1", SSL: true, TCPPort: 4567}
	var got, err = Unmarshal(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameRoundTripUnicodeHost(t *testing.T) {
	var f = Frame{Code: 150, Host: "host-ü.example", SSL: false, TCPPort: 1}
	var got, err = Unmarshal(f.Marshal())
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestUnmarshalShortFrameErrors(t *testing.T) {
	var _, err = Unmarshal([]byte{0, 0})
	assert.Error(t, err)
}

func TestUnmarshalTruncatedNameErrors(t *testing.T) {
	var f = Frame{Code: 1, Host: "abcdef", TCPPort: 1}
	var buf = f.Marshal()
	var _, err = Unmarshal(buf[:len(buf)-5])
	assert.Error(t, err)
}

func TestPollerCachesUntilInvalidated(t *testing.T) {
	var p = NewPoller(Config{}, 150, 120, 3, 0, time.Minute)
	p.cacheResult(Frame{Host: "10.0.0.1", TCPPort: 9999})

	// Within the ttl the cached result is served; after
	// InvalidateResolution it is not.
	var cached, hit = p.cachedResult()
	require.True(t, hit)
	assert.Equal(t, uint32(9999), cached.TCPPort)

	p.InvalidateResolution()
	var _, ok = p.cachedResult()
	assert.False(t, ok)
}
