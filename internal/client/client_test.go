package client

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turnip/internal/config"
	"turnip/internal/metrics"
	"turnip/internal/server"
	"turnip/pkg/models"
	"turnip/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Bind = "127.0.0.1:0"
	srv := server.New(cfg, discardLogger(), metrics.NewMetrics(prometheus.NewRegistry()), nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return srv
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Minute) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestAnnounceAndPunch(t *testing.T) {
	srv := startServer(t)

	target, err := Dial(srv.LocalAddr().String(), "127.0.0.1:0", WithLogger(discardLogger()))
	require.NoError(t, err)
	runClient(t, target)

	key := models.ClientKey{IP: netip.MustParseAddr("127.0.0.1"), Port: target.LocalAddr().Port()}
	require.Eventually(t, func() bool {
		return len(srv.Registry().PortsFor(key)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The requester listens for the hole-punch datagram itself.
	requester, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer requester.Close()

	req, err := protocol.EncodePacket(protocol.Request, key.AddrPort(), uint16(requester.LocalAddr().(*net.UDPAddr).Port))
	require.NoError(t, err)
	_, err = requester.WriteToUDPAddrPort(req, srv.LocalAddr())
	require.NoError(t, err)

	select {
	case opener := <-target.Punches():
		assert.Equal(t, requester.LocalAddr().(*net.UDPAddr).AddrPort().Port(), opener.Port())
	case <-time.After(2 * time.Second):
		t.Fatal("target never received a PUNCH")
	}

	require.NoError(t, requester.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := requester.ReadFromUDPAddrPort(make([]byte, 64))
	require.NoError(t, err)
	assert.Zero(t, n, "punch datagram is empty")
	assert.Equal(t, target.LocalAddr().Port(), from.Port())
}

func TestRequestDefaultsOpenPort(t *testing.T) {
	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvConn.Close()

	c, err := Dial(srvConn.LocalAddr().String(), "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	target := netip.MustParseAddrPort("203.0.113.5:5000")
	require.NoError(t, c.Request(target, 0))

	require.NoError(t, srvConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := srvConn.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt, err := protocol.DecodePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.Request, pkt.Command)
	assert.Equal(t, target, pkt.Addr)
	assert.Equal(t, c.LocalAddr().Port(), pkt.ExtraPort)
}

func TestPingCarriesLocalPort(t *testing.T) {
	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvConn.Close()

	c, err := Dial(srvConn.LocalAddr().String(), "0.0.0.0:0")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping())

	require.NoError(t, srvConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := srvConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketSize, n)

	pkt, err := protocol.DecodePacket(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.Ping, pkt.Command)
	assert.Equal(t, c.LocalAddr().Port(), pkt.Addr.Port())
}

func TestIgnoresPunchFromStrangers(t *testing.T) {
	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvConn.Close()

	c, err := Dial(srvConn.LocalAddr().String(), "127.0.0.1:0", WithLogger(discardLogger()))
	require.NoError(t, err)
	runClient(t, c)

	stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stranger.Close()

	punch, err := protocol.EncodePacket(protocol.Punch, netip.MustParseAddrPort("127.0.0.1:9"), 0)
	require.NoError(t, err)
	_, err = stranger.WriteToUDPAddrPort(punch, c.LocalAddr())
	require.NoError(t, err)

	select {
	case opener := <-c.Punches():
		t.Fatalf("unexpected punch toward %s", opener)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDialErrors(t *testing.T) {
	_, err := Dial("not an address", "0.0.0.0:0")
	assert.ErrorContains(t, err, "cannot resolve server address")

	_, err = Dial("127.0.0.1:19555", "bogus")
	assert.ErrorContains(t, err, "cannot resolve local address")
}

func TestRunClosesPunchesOnReturn(t *testing.T) {
	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvConn.Close()

	c, err := Dial(srvConn.LocalAddr().String(), "127.0.0.1:0", WithLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Minute) }()
	cancel()
	require.NoError(t, <-done)

	select {
	case _, ok := <-c.Punches():
		assert.False(t, ok, "punches channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("punches channel left open")
	}
}

func TestRunReturnsWhenSocketFails(t *testing.T) {
	srvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer srvConn.Close()

	c, err := Dial(srvConn.LocalAddr().String(), "127.0.0.1:0", WithLogger(discardLogger()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), time.Minute) }()

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, net.ErrClosed)
		assert.ErrorContains(t, err, "failed to read UDP datagram")
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept running on a closed socket")
	}
}
