// Package relay implements the relay forwarder: a UDP protocol engine that
// ferries opaque payloads between paired peers when a direct path cannot be
// punched. Clients first bind their identity to their UDP source address,
// then send tagged datagrams that are forwarded verbatim to the peer.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/peerlink/synapse/internal/directory"
	"github.com/peerlink/synapse/internal/logging"
	"github.com/peerlink/synapse/internal/metrics"
	"github.com/peerlink/synapse/internal/protocol"
	"github.com/peerlink/synapse/internal/registry"
	"github.com/peerlink/synapse/internal/udploop"
)

// Config contains relay forwarder tuning parameters.
type Config struct {
	// StaleAfter is the idle duration after which a binding is evicted.
	StaleAfter time.Duration

	// CleanupEvery is the sweep interval.
	CleanupEvery time.Duration

	// ReadBufferSize is the receive buffer size in bytes. It bounds the
	// largest datagram that can be relayed.
	ReadBufferSize int
}

// DefaultConfig returns the conventional relay forwarder settings.
func DefaultConfig() Config {
	return Config{
		StaleAfter:     60 * time.Second,
		CleanupEvery:   5 * time.Second,
		ReadBufferSize: 2048,
	}
}

// Forwarder owns one UDP socket, independent of the punch coordinator's,
// and its own private address registry: a client behind a NAT usually has a
// different mapped address on this port.
type Forwarder struct {
	conn    *net.UDPConn
	dir     *directory.Directory
	reg     *registry.Registry
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a relay forwarder on an already-bound socket.
func NewForwarder(conn *net.UDPConn, dir *directory.Directory, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		conn:    conn,
		dir:     dir,
		reg:     registry.New(),
		cfg:     cfg,
		logger:  logger.With(slog.String(logging.KeyComponent, "relay")),
		metrics: m,
	}
}

// LocalAddr returns the socket's bound address.
func (f *Forwarder) LocalAddr() net.Addr {
	return f.conn.LocalAddr()
}

// Run processes datagrams until ctx is cancelled or the socket is closed.
// As in the punch coordinator, the sweep timer wins over packet processing.
func (f *Forwarder) Run(ctx context.Context) error {
	packets := udploop.ReadPackets(ctx, f.conn, f.cfg.ReadBufferSize)

	ticker := time.NewTicker(f.cfg.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			f.sweep(now)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			f.sweep(now)
		case pkt, ok := <-packets:
			if !ok {
				if err := ctx.Err(); err == nil {
					return errors.New("relay socket closed")
				}
				return nil
			}
			f.handle(pkt)
		}
	}
}

// handle dispatches one datagram on its leading type byte. Anything that
// cannot be fully resolved is dropped without a reply.
func (f *Forwarder) handle(pkt udploop.Packet) {
	if len(pkt.Payload) < 1 {
		f.metrics.RelayDropped.Inc()
		return
	}

	switch pkt.Payload[0] {
	case protocol.MsgRelayBind:
		f.handleBind(pkt)
	case protocol.MsgRelayData:
		f.handleData(pkt)
	default:
		f.metrics.RelayDropped.Inc()
	}
}

// handleBind registers the sender's address under the client identity
// carried in the payload and acks by echoing the tag byte.
func (f *Forwarder) handleBind(pkt udploop.Packet) {
	client, err := protocol.ParseClientID(pkt.Payload[1:])
	if err != nil {
		f.metrics.RelayDropped.Inc()
		return
	}

	now := time.Now()
	if migrated := f.reg.Observe(client, pkt.Src, now); migrated {
		f.metrics.Migrations.WithLabelValues(metrics.EngineRelay).Inc()
		f.logger.Debug("relay client migrated",
			slog.String(logging.KeyClientID, client.ShortString()),
			slog.String(logging.KeyRemoteAddr, pkt.Src.String()))
	}
	f.metrics.RelayPackets.WithLabelValues("bind").Inc()
	f.metrics.EndpointsTracked.WithLabelValues(metrics.EngineRelay).Set(float64(f.reg.Len()))

	f.logger.Debug("received relay bind",
		slog.String(logging.KeyClientID, client.ShortString()),
		slog.String(logging.KeyRemoteAddr, pkt.Src.String()))

	f.conn.WriteToUDPAddrPort([]byte{protocol.MsgRelayBind}, pkt.Src)
}

// handleData forwards the entire datagram, leading tag included, to the
// bound address of the sender's paired peer.
func (f *Forwarder) handleData(pkt udploop.Packet) {
	sender, ok := f.reg.LookupAddr(pkt.Src)
	if !ok {
		// Sender never completed a bind.
		f.metrics.RelayDropped.Inc()
		return
	}
	f.reg.Observe(sender, pkt.Src, time.Now())

	// The directory guard is released inside Peer, before any send.
	peer, ok := f.dir.Peer(sender)
	if !ok {
		f.metrics.RelayDropped.Inc()
		return
	}
	peerEp, ok := f.reg.Lookup(peer)
	if !ok {
		// Peer is paired but has not bound on this port.
		f.metrics.RelayDropped.Inc()
		return
	}

	n, err := f.conn.WriteToUDPAddrPort(pkt.Payload, peerEp.Addr)
	if err != nil {
		return
	}
	f.metrics.RelayPackets.WithLabelValues("data").Inc()
	f.metrics.RelayBytesForwarded.Add(float64(n))

	f.logger.Debug("forwarded relay packet",
		slog.String(logging.KeyClientID, sender.ShortString()),
		slog.String(logging.KeyRemoteAddr, peerEp.Addr.String()),
		slog.Int(logging.KeyBytes, n))
}

func (f *Forwarder) sweep(now time.Time) {
	removed := f.reg.Sweep(now, f.cfg.StaleAfter)
	if len(removed) > 0 {
		f.metrics.EndpointsEvicted.WithLabelValues(metrics.EngineRelay).Add(float64(len(removed)))
	}
	f.metrics.EndpointsTracked.WithLabelValues(metrics.EngineRelay).Set(float64(f.reg.Len()))
	f.logger.Debug("cleaned stale relay clients", slog.Int(logging.KeyCount, len(removed)))
}
