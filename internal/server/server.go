package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"turnip/internal/config"
	"turnip/internal/metrics"
	"turnip/internal/registry"
)

// SweepInterval is how often stale registrations are expired.
const SweepInterval = 5 * time.Second

// maxDatagramSize bounds reads. Valid datagrams are 9 bytes; the extra room
// lets oversized ones be read whole and rejected.
const maxDatagramSize = 512

// Server is the rendezvous server. It owns the UDP socket and a single
// event loop that serialises datagrams and expiration sweeps onto the
// Engine, so the registry only ever has one writer.
type Server struct {
	ID uuid.UUID

	config   *config.ServerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	registry *registry.Registry
	engine   *Engine

	conn    *net.UDPConn
	packets chan datagram
}

// datagram is a received packet waiting for the event loop
type datagram struct {
	data []byte
	src  netip.AddrPort
}

// New creates a server from cfg. clk may be nil to use the wall clock.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		ID:       uuid.New(),
		config:   &cfg.Server,
		logger:   logger,
		metrics:  m,
		clock:    clk,
		registry: registry.New(),
		packets:  make(chan datagram, cfg.Server.QueueSize),
	}
	s.engine = NewEngine(s.registry, s, EngineConfig{
		Timeout: cfg.Registry.TimeoutDuration(),
		Clock:   clk,
		Logger:  logger,
		Metrics: m,
	})
	return s
}

// Listen binds the UDP socket.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp4", s.config.Bind)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	s.conn, err = net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	if s.config.ReadBuffer > 0 {
		if err := s.conn.SetReadBuffer(s.config.ReadBuffer); err != nil {
			s.logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", s.config.ReadBuffer),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Listening",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.String("instance", s.ID.String()),
	)
	return nil
}

// LocalAddr returns the bound address. Listen must have succeeded.
func (s *Server) LocalAddr() netip.AddrPort {
	ap := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Registry exposes the client registry for read-only inspection.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Send writes b to the given address. It implements Sender for the engine.
func (s *Server) Send(b []byte, to netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(b, to)
	return err
}

// Serve runs the receive loop and the event loop until ctx is cancelled
// or the socket fails. The socket is closed on return.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.receive(ctx)
	})
	g.Go(func() error {
		return s.loop(ctx)
	})

	err := g.Wait()
	s.logger.Info("Server stopped")
	return err
}

// Run binds and serves.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// receive reads datagrams and queues them for the event loop, dropping
// them when the queue is full.
func (s *Server) receive(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read UDP datagram: %w", err)
		}
		s.metrics.DatagramsReceived.Inc()

		d := datagram{data: make([]byte, n), src: src}
		copy(d.data, buf[:n])

		select {
		case s.packets <- d:
			s.metrics.QueueSize.Set(float64(len(s.packets)))
		default:
			s.metrics.Dropped(metrics.DropQueueFull)
			s.logger.Warn("Datagram queue full, dropping datagram",
				slog.String("remote_addr", src.String()),
				slog.Int("size", n),
			)
		}
	}
}

// loop is the only goroutine that touches the engine.
func (s *Server) loop(ctx context.Context) error {
	ticker := s.clock.Ticker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.packets:
			s.metrics.QueueSize.Set(float64(len(s.packets)))
			s.engine.HandleDatagram(d.data, d.src)
		case <-ticker.C:
			s.engine.Sweep()
		}
	}
}
