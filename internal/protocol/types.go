// Package protocol defines the wire protocol for the punch and relay engines.
package protocol

// Outgoing punch coordinator message types
const (
	// MsgFoundPeer carries the paired peer's public endpoint:
	// [type][family][address octets][port]. 8 bytes for IPv4, 20 for IPv6.
	MsgFoundPeer uint8 = 0x01

	// MsgWaitingPeer is a single-byte reply meaning the pairing is not yet
	// resolvable: the peer is unknown, unaddressed, or the room has no guest.
	MsgWaitingPeer uint8 = 0x02
)

// Incoming relay message types
const (
	// MsgRelayBind associates the sender's UDP source address with the
	// 16-byte client identity that follows the tag. Acked by echoing the tag.
	MsgRelayBind uint8 = 0x01

	// MsgRelayData is an opaque payload forwarded byte-for-byte, tag
	// included, to the sender's paired peer.
	MsgRelayData uint8 = 0x02
)

// Address family bytes used by MsgFoundPeer
const (
	FamilyIPv4 uint8 = 4
	FamilyIPv6 uint8 = 6
)

// Encoded MsgFoundPeer sizes
const (
	FoundPeerSizeIPv4 = 8  // tag + family + 4 address octets + 2 port
	FoundPeerSizeIPv6 = 20 // tag + family + 16 address octets + 2 port
)
