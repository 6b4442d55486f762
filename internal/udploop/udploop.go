// Package udploop provides the socket-reading half of a UDP protocol
// engine. A dedicated goroutine feeds received datagrams into a channel so
// the engine's handling loop can multiplex them against its sweep timer
// while staying single-threaded.
package udploop

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// Packet is one received datagram. Payload is a private copy.
type Packet struct {
	Payload []byte
	Src     netip.AddrPort
}

// ReadPackets starts a reader goroutine on conn and returns its output
// channel. The channel is closed when the socket is closed or ctx is
// cancelled. Transient receive errors affect only that iteration.
func ReadPackets(ctx context.Context, conn *net.UDPConn, bufSize int) <-chan Packet {
	packets := make(chan Packet)

	go func() {
		defer close(packets)
		buf := make([]byte, bufSize)

		for {
			n, src, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				// Per-datagram noise (e.g. ICMP unreachable surfacing
				// as a receive error) never terminates the loop.
				continue
			}

			payload := make([]byte, n)
			copy(payload, buf[:n])

			select {
			case packets <- Packet{Payload: payload, Src: src}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return packets
}
