package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/peerlink/synapse/internal/identity"
)

var (
	// ErrShortPacket is returned when a payload is too short to decode
	ErrShortPacket = errors.New("packet too short")

	// ErrInvalidPacket is returned when a packet is malformed
	ErrInvalidPacket = errors.New("invalid packet")
)

// WaitingPeerPacket is the canonical single-byte WaitingPeer reply.
var WaitingPeerPacket = []byte{MsgWaitingPeer}

// ParseClientID decodes a client identity from the first 16 bytes of a
// payload. Shorter payloads fail; trailing bytes are ignored.
func ParseClientID(buf []byte) (identity.ClientID, error) {
	if len(buf) < identity.IDSize {
		return identity.ZeroID, fmt.Errorf("%w: need %d bytes for client ID, got %d",
			ErrShortPacket, identity.IDSize, len(buf))
	}
	return identity.FromBytes(buf[:identity.IDSize])
}

// AppendFoundPeer appends an encoded MsgFoundPeer packet carrying peer to
// dst and returns the extended slice. IPv4-mapped IPv6 addresses are
// unmapped so a dual-stack socket still produces the 8-byte form.
func AppendFoundPeer(dst []byte, peer netip.AddrPort) []byte {
	addr := peer.Addr().Unmap()
	if addr.Is4() {
		a4 := addr.As4()
		dst = append(dst, MsgFoundPeer, FamilyIPv4)
		dst = append(dst, a4[:]...)
	} else {
		a16 := addr.As16()
		dst = append(dst, MsgFoundPeer, FamilyIPv6)
		dst = append(dst, a16[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, peer.Port())
}

// EncodeFoundPeer encodes a MsgFoundPeer packet carrying peer.
func EncodeFoundPeer(peer netip.AddrPort) []byte {
	return AppendFoundPeer(make([]byte, 0, FoundPeerSizeIPv6), peer)
}

// DecodeFoundPeer decodes a MsgFoundPeer packet back into an endpoint.
// Used by the probe client and tests; the server itself only encodes.
func DecodeFoundPeer(buf []byte) (netip.AddrPort, error) {
	if len(buf) < 2 {
		return netip.AddrPort{}, fmt.Errorf("%w: FoundPeer header", ErrShortPacket)
	}
	if buf[0] != MsgFoundPeer {
		return netip.AddrPort{}, fmt.Errorf("%w: tag %#02x is not FoundPeer", ErrInvalidPacket, buf[0])
	}

	switch buf[1] {
	case FamilyIPv4:
		if len(buf) != FoundPeerSizeIPv4 {
			return netip.AddrPort{}, fmt.Errorf("%w: IPv4 FoundPeer must be %d bytes, got %d",
				ErrInvalidPacket, FoundPeerSizeIPv4, len(buf))
		}
		addr := netip.AddrFrom4([4]byte(buf[2:6]))
		port := binary.BigEndian.Uint16(buf[6:8])
		return netip.AddrPortFrom(addr, port), nil
	case FamilyIPv6:
		if len(buf) != FoundPeerSizeIPv6 {
			return netip.AddrPort{}, fmt.Errorf("%w: IPv6 FoundPeer must be %d bytes, got %d",
				ErrInvalidPacket, FoundPeerSizeIPv6, len(buf))
		}
		addr := netip.AddrFrom16([16]byte(buf[2:18]))
		port := binary.BigEndian.Uint16(buf[18:20])
		return netip.AddrPortFrom(addr, port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: unknown address family %d", ErrInvalidPacket, buf[1])
	}
}
