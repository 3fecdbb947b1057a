// Package client implements the peer side of the rendezvous protocol:
// announcing to the server, requesting punches, and answering PUNCH
// instructions.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"turnip/pkg/protocol"
)

// DefaultPingInterval keeps a registration alive well inside the server's
// default 60 second timeout.
const DefaultPingInterval = 20 * time.Second

// Client talks to one rendezvous server from a single UDP socket. The
// socket's local port is the port the client announces.
type Client struct {
	conn    *net.UDPConn
	server  netip.AddrPort
	logger  *slog.Logger
	clock   clock.Clock
	punches chan netip.AddrPort
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// Dial resolves the server address and binds a local UDP socket on local
// (for example "0.0.0.0:0").
func Dial(server, local string, opts ...Option) (*Client, error) {
	srvAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve server address: %w", err)
	}
	localAddr, err := net.ResolveUDPAddr("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve local address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}

	srv := srvAddr.AddrPort()
	c := &Client{
		conn:    conn,
		server:  netip.AddrPortFrom(srv.Addr().Unmap(), srv.Port()),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   clock.New(),
		punches: make(chan netip.AddrPort, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LocalAddr returns the address the socket is bound to.
func (c *Client) LocalAddr() netip.AddrPort {
	ap := c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Punches delivers the opener address of every PUNCH this client answered.
// Punches are dropped if nobody reads them. The channel is closed when Run
// returns.
func (c *Client) Punches() <-chan netip.AddrPort {
	return c.punches
}

// Ping announces the client's local port to the server. The server keys
// the registration on the IP it observes, so the IP sent here is only
// informational.
func (c *Client) Ping() error {
	local := c.LocalAddr()
	if !local.Addr().Is4() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	out, err := protocol.EncodePacket(protocol.Ping, local, 0)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDPAddrPort(out, c.server); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return nil
}

// Request asks the server to have the client registered as target punch
// toward this client's public IP on openPort. A zero openPort means this
// client's own local port.
func (c *Client) Request(target netip.AddrPort, openPort uint16) error {
	if openPort == 0 {
		openPort = c.LocalAddr().Port()
	}
	out, err := protocol.EncodePacket(protocol.Request, target, openPort)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDPAddrPort(out, c.server); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	c.logger.Info("Punch requested",
		slog.String("target", target.String()),
		slog.Int("open_port", int(openPort)),
	)
	return nil
}

// Run pings the server every interval and answers PUNCH instructions until
// ctx is cancelled or the socket fails. The socket is closed when Run
// returns. Run may be called once.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return c.keepAlive(ctx, interval)
	})
	g.Go(func() error {
		return c.listen(ctx)
	})

	err := g.Wait()
	close(c.punches)
	return err
}

// Close releases the socket. A running client stops with a read error;
// cancel Run's context for a clean shutdown.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) keepAlive(ctx context.Context, interval time.Duration) error {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		if err := c.Ping(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Failed to send keepalive", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Client) listen(ctx context.Context) error {
	buf := make([]byte, 512)
	for {
		n, src, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read UDP datagram: %w", err)
		}
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

		if src != c.server {
			c.logger.Debug("Received datagram from peer",
				slog.String("peer", src.String()),
				slog.Int("size", n),
			)
			continue
		}

		pkt, err := protocol.DecodePunch(buf[:n])
		if err != nil {
			c.logger.Debug("Ignoring datagram from server", slog.String("error", err.Error()))
			continue
		}
		c.punch(pkt.Addr)
	}
}

// punch opens the NAT binding toward opener with an empty datagram.
func (c *Client) punch(opener netip.AddrPort) {
	c.logger.Info("Punching", slog.String("opener", opener.String()))
	if _, err := c.conn.WriteToUDPAddrPort(nil, opener); err != nil {
		c.logger.Warn("Failed to punch",
			slog.String("opener", opener.String()),
			slog.String("error", err.Error()),
		)
	}
	select {
	case c.punches <- opener:
	default:
	}
}
