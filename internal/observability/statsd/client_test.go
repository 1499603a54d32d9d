package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newUDPClient starts a loopback UDP listener and returns a connected client
// plus a reader for the next datagram.
func newUDPClient(t *testing.T, opts Options) (*Client, func() string) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	opts.Enabled = true
	opts.Address = pc.LocalAddr().String()
	client, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	read := func() string {
		buf := make([]byte, 1024)
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}
	return client, read
}

func TestCountLineFormat(t *testing.T) {
	client, read := newUDPClient(t, Options{Prefix: "fso"})

	client.Count("dispatch.attempt", 3, map[string]string{"mode": "batch"})
	assert.Equal(t, "fso.dispatch.attempt:3|c|#mode:batch", read())
}

func TestTimingEmitsMilliseconds(t *testing.T) {
	client, read := newUDPClient(t, Options{Prefix: "fso"})

	client.Timing("dispatch.duration", 1500*time.Millisecond, nil)
	assert.Equal(t, "fso.dispatch.duration:1500|ms", read())
}

func TestGaugeLineFormat(t *testing.T) {
	client, read := newUDPClient(t, Options{})

	client.Gauge("queue.depth", 42.5, nil)
	assert.Equal(t, "queue.depth:42.5|g", read())
}

func TestConstantTagsMergeAndLocalWins(t *testing.T) {
	client, read := newUDPClient(t, Options{
		Prefix:       "fso",
		ConstantTags: map[string]string{"env": "stage", "service": "orchestrator"},
	})

	client.Count("run.start", 1, map[string]string{"env": "prod"})
	assert.Equal(t, "fso.run.start:1|c|#env:prod,service:orchestrator", read())
}

func TestReservedCharactersAreEscaped(t *testing.T) {
	client, read := newUDPClient(t, Options{Prefix: "fso"})

	// Colons, pipes and hashes in names or tag values would corrupt the
	// datagram, so they turn into underscores.
	client.Count("queue/build step", 1, map[string]string{
		"started_at": "2026-08-24T07:00:00",
	})
	assert.Equal(t, "fso.queue_build_step:1|c|#started_at:2026-08-24T07_00_00", read())
}

func TestEscapeName(t *testing.T) {
	assert.Equal(t, "a.b.c", escapeName("..a..b.c.."))
	assert.Equal(t, "a_b", escapeName(" a b "))
	assert.Equal(t, "", escapeName("   "))
}

func TestDisabledClientIsInert(t *testing.T) {
	client, err := NewClient(Options{Enabled: false, Address: "127.0.0.1:8125"})
	require.NoError(t, err)

	assert.False(t, client.Enabled())
	// Emitting on a disabled client must not panic.
	client.Count("noop", 1, nil)
	assert.NoError(t, client.Close())
}

func TestEnabledWithoutAddressStaysOff(t *testing.T) {
	client, err := NewClient(Options{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
}

func TestNewClientDialError(t *testing.T) {
	_, err := NewClient(Options{Enabled: true, Address: "not-an-endpoint"})
	assert.Error(t, err)
}

func TestNilClientIsNoop(t *testing.T) {
	var client *Client
	assert.False(t, client.Enabled())
	client.Count("noop", 1, nil)
	client.Gauge("noop", 1, nil)
	client.Timing("noop", time.Second, nil)
	assert.NoError(t, client.Close())
}
