// Package punch implements the hole-punch coordinator: a UDP protocol
// engine that tells both occupants of a room each other's public endpoint
// once both have been observed, enabling simultaneous-open hole punching.
package punch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/peerlink/synapse/internal/directory"
	"github.com/peerlink/synapse/internal/logging"
	"github.com/peerlink/synapse/internal/metrics"
	"github.com/peerlink/synapse/internal/protocol"
	"github.com/peerlink/synapse/internal/registry"
	"github.com/peerlink/synapse/internal/udploop"
)

// Config contains punch coordinator tuning parameters.
type Config struct {
	// StaleAfter is the idle duration after which an endpoint is evicted.
	StaleAfter time.Duration

	// CleanupEvery is the sweep interval.
	CleanupEvery time.Duration

	// ReadBufferSize is the receive buffer size in bytes.
	ReadBufferSize int
}

// DefaultConfig returns the conventional punch coordinator settings.
func DefaultConfig() Config {
	return Config{
		StaleAfter:     60 * time.Second,
		CleanupEvery:   5 * time.Second,
		ReadBufferSize: 2048,
	}
}

// Coordinator owns one UDP socket and its private address registry. All
// packet handling and registry mutation happens on the Run loop, one
// datagram at a time.
type Coordinator struct {
	conn    *net.UDPConn
	dir     *directory.Directory
	reg     *registry.Registry
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a punch coordinator on an already-bound socket.
func NewCoordinator(conn *net.UDPConn, dir *directory.Directory, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		conn:    conn,
		dir:     dir,
		reg:     registry.New(),
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "punch")),
		metrics: m,
	}
}

// LocalAddr returns the socket's bound address.
func (c *Coordinator) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Run processes datagrams until ctx is cancelled or the socket is closed.
// The sweep timer takes priority over packet processing so that a busy
// socket cannot starve eviction.
func (c *Coordinator) Run(ctx context.Context) error {
	packets := udploop.ReadPackets(ctx, c.conn, c.cfg.ReadBufferSize)

	ticker := time.NewTicker(c.cfg.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.sweep(now)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.sweep(now)
		case pkt, ok := <-packets:
			if !ok {
				if err := ctx.Err(); err == nil {
					return errors.New("punch socket closed")
				}
				return nil
			}
			c.handle(pkt)
		}
	}
}

// handle processes one punch probe. Malformed payloads are dropped without
// a reply; anything injected by a third party must not produce traffic.
func (c *Coordinator) handle(pkt udploop.Packet) {
	client, err := protocol.ParseClientID(pkt.Payload)
	if err != nil {
		c.metrics.PunchDropped.Inc()
		return
	}

	now := time.Now()
	if migrated := c.reg.Observe(client, pkt.Src, now); migrated {
		c.metrics.Migrations.WithLabelValues(metrics.EnginePunch).Inc()
		c.logger.Debug("punch client migrated",
			slog.String(logging.KeyClientID, client.ShortString()),
			slog.String(logging.KeyRemoteAddr, pkt.Src.String()))
	}
	c.metrics.PunchProbes.Inc()
	c.metrics.EndpointsTracked.WithLabelValues(metrics.EnginePunch).Set(float64(c.reg.Len()))

	c.logger.Debug("received punch probe",
		slog.String(logging.KeyClientID, client.ShortString()),
		slog.String(logging.KeyRemoteAddr, pkt.Src.String()))

	// Copy the pairing out of the directory before touching the network;
	// sends never happen under the directory guard.
	host, guest, paired := c.dir.Pairing(client)
	if !paired {
		c.sendWaiting(pkt.Src)
		return
	}

	hostEp, hostKnown := c.reg.Lookup(host)
	guestEp, guestKnown := c.reg.Lookup(guest)
	if !hostKnown || !guestKnown {
		c.sendWaiting(pkt.Src)
		return
	}

	c.sendFound(hostEp.Addr, guestEp.Addr)
	c.sendFound(guestEp.Addr, hostEp.Addr)
}

// sendFound tells dst where its peer is reachable.
func (c *Coordinator) sendFound(dst, peer netip.AddrPort) {
	c.logger.Debug("forwarding punch peer",
		slog.String(logging.KeyPeerID, peer.String()),
		slog.String(logging.KeyRemoteAddr, dst.String()))

	if _, err := c.conn.WriteToUDPAddrPort(protocol.EncodeFoundPeer(peer), dst); err == nil {
		c.metrics.PunchReplies.WithLabelValues("found").Inc()
	}
}

func (c *Coordinator) sendWaiting(dst netip.AddrPort) {
	if _, err := c.conn.WriteToUDPAddrPort(protocol.WaitingPeerPacket, dst); err == nil {
		c.metrics.PunchReplies.WithLabelValues("waiting").Inc()
	}
}

func (c *Coordinator) sweep(now time.Time) {
	removed := c.reg.Sweep(now, c.cfg.StaleAfter)
	if len(removed) > 0 {
		c.metrics.EndpointsEvicted.WithLabelValues(metrics.EnginePunch).Add(float64(len(removed)))
	}
	c.metrics.EndpointsTracked.WithLabelValues(metrics.EnginePunch).Set(float64(c.reg.Len()))
	c.logger.Debug("cleaned stale punch clients", slog.Int(logging.KeyCount, len(removed)))
}
