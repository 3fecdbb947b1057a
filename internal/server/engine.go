package server

import (
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"turnip/internal/metrics"
	"turnip/internal/registry"
	"turnip/pkg/models"
	"turnip/pkg/protocol"
)

// Sender delivers an encoded datagram.
type Sender interface {
	Send(b []byte, to netip.AddrPort) error
}

// EngineConfig holds the engine's collaborators. Zero fields get defaults.
type EngineConfig struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine applies the rendezvous protocol to incoming datagrams. It is not
// safe for concurrent use: one goroutine must feed it datagrams and sweeps.
type Engine struct {
	registry *registry.Registry
	sender   Sender
	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewEngine(reg *registry.Registry, sender Sender, cfg EngineConfig) *Engine {
	e := &Engine{
		registry: reg,
		sender:   sender,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if e.timeout <= 0 {
		e.timeout = 60 * time.Second
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.metrics == nil {
		e.metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	return e
}

// HandleDatagram processes one datagram received from src. Malformed
// datagrams are dropped without a reply.
func (e *Engine) HandleDatagram(data []byte, src netip.AddrPort) {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	if !src.Addr().Is4() {
		e.metrics.Dropped(metrics.DropNotIPv4)
		e.logger.Debug("Dropping datagram from non-IPv4 source", slog.String("remote_addr", src.String()))
		return
	}

	pkt, err := protocol.DecodePacket(data)
	if err != nil {
		e.metrics.Dropped(metrics.DropMalformed)
		e.logger.Debug("Dropping malformed datagram",
			slog.String("remote_addr", src.String()),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch pkt.Command {
	case protocol.Ping:
		e.handlePing(pkt, src)
	case protocol.Request:
		e.handleRequest(pkt, src)
	default:
		e.metrics.Dropped(metrics.DropUnexpected)
		e.logger.Debug("Dropping unexpected command",
			slog.String("remote_addr", src.String()),
			slog.String("command", pkt.Command.String()),
		)
	}
}

// handlePing registers the sender under the IP it was observed from and
// the local port it claims. The port the datagram came from is the
// external port punches are sent to.
func (e *Engine) handlePing(pkt protocol.Packet, src netip.AddrPort) {
	e.metrics.Pings.Inc()

	key := models.ClientKey{IP: src.Addr(), Port: pkt.Addr.Port()}
	if e.registry.Touch(key, src.Port(), e.clock.Now()) {
		e.logger.Info("Registering client",
			slog.String("client", key.String()),
			slog.Int("external_port", int(src.Port())),
		)
		e.metrics.SetRegistered(e.registry.Len())
	}
}

// handleRequest asks every known external port of the target to punch
// toward the requester's IP and the port named in the request.
func (e *Engine) handleRequest(pkt protocol.Packet, src netip.AddrPort) {
	e.metrics.Requests.Inc()

	key := models.ClientKey{IP: pkt.Addr.Addr(), Port: pkt.Addr.Port()}
	ports := e.registry.PortsFor(key)
	if len(ports) == 0 {
		e.metrics.UnknownTargets.Inc()
		e.logger.Info("Unknown client",
			slog.String("client", key.String()),
			slog.String("requester", src.String()),
		)
		return
	}

	opener := netip.AddrPortFrom(src.Addr(), pkt.ExtraPort)
	out, err := protocol.EncodePacket(protocol.Punch, opener, 0)
	if err != nil {
		e.logger.Error("Failed to encode punch", slog.String("opener", opener.String()), slog.String("error", err.Error()))
		return
	}

	for _, port := range ports {
		dst := netip.AddrPortFrom(key.IP, port)
		e.logger.Info("Requesting client to open",
			slog.String("client", key.String()),
			slog.String("destination", dst.String()),
			slog.String("opener", opener.String()),
		)
		if err := e.sender.Send(out, dst); err != nil {
			e.metrics.SendErrors.Inc()
			e.logger.Warn("Failed to send punch",
				slog.String("destination", dst.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.metrics.PunchesSent.Inc()
	}
}

// Sweep removes registrations that have not been refreshed within the
// timeout and returns them.
func (e *Engine) Sweep() []models.Expired {
	expired := e.registry.Expire(e.timeout, e.clock.Now())
	for _, x := range expired {
		e.logger.Info("Expiring client",
			slog.String("client", x.Key.String()),
			slog.Int("external_port", int(x.Port)),
			slog.Time("last_seen", x.LastSeen),
		)
	}
	e.metrics.ExpiredPorts.Add(float64(len(expired)))
	e.metrics.SetRegistered(e.registry.Len())
	return expired
}
