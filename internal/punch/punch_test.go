package punch

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/peerlink/synapse/internal/directory"
	"github.com/peerlink/synapse/internal/identity"
	"github.com/peerlink/synapse/internal/logging"
	"github.com/peerlink/synapse/internal/metrics"
	"github.com/peerlink/synapse/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startCoordinator runs a coordinator on a loopback socket and tears it
// down with the test.
func startCoordinator(t *testing.T, dir *directory.Directory, cfg Config) *Coordinator {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	c := NewCoordinator(conn, dir, cfg, logging.NopLogger(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		conn.Close()
		<-done
	})

	return c
}

func newClientSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendProbe(t *testing.T, conn *net.UDPConn, server net.Addr, id identity.ClientID) {
	t.Helper()
	if _, err := conn.WriteTo(id.Bytes(), server); err != nil {
		t.Fatalf("probe send error: %v", err)
	}
}

func readReply(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("reply read error: %v", err)
	}
	return buf[:n]
}

// waitForFound probes repeatedly until a FoundPeer reply arrives, skipping
// interleaved WaitingPeer replies.
func waitForFound(t *testing.T, conn *net.UDPConn, server net.Addr, id identity.ClientID) netip.AddrPort {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sendProbe(t, conn, server, id)

		buf := make([]byte, 64)
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			continue
		}
		if n >= 1 && buf[0] == protocol.MsgFoundPeer {
			ep, err := protocol.DecodeFoundPeer(buf[:n])
			if err != nil {
				t.Fatalf("bad FoundPeer packet: %v", err)
			}
			return ep
		}
	}
	t.Fatal("timed out waiting for FoundPeer")
	return netip.AddrPort{}
}

func TestLoneHostGetsWaiting(t *testing.T) {
	dir := directory.New()
	c := startCoordinator(t, dir, DefaultConfig())

	host, _ := identity.NewClientID()
	dir.CreateRoom(host)

	conn := newClientSocket(t)
	sendProbe(t, conn, c.LocalAddr(), host)

	reply := readReply(t, conn)
	if len(reply) != 1 || reply[0] != protocol.MsgWaitingPeer {
		t.Errorf("reply = % x, want single WaitingPeer byte %#02x", reply, protocol.MsgWaitingPeer)
	}
}

func TestUnknownClientGetsWaiting(t *testing.T) {
	c := startCoordinator(t, directory.New(), DefaultConfig())

	stranger, _ := identity.NewClientID()
	conn := newClientSocket(t)
	sendProbe(t, conn, c.LocalAddr(), stranger)

	reply := readReply(t, conn)
	if len(reply) != 1 || reply[0] != protocol.MsgWaitingPeer {
		t.Errorf("reply = % x, want WaitingPeer", reply)
	}
}

func TestPairedClientsExchangeEndpoints(t *testing.T) {
	dir := directory.New()
	c := startCoordinator(t, dir, DefaultConfig())

	host, _ := identity.NewClientID()
	guest, _ := identity.NewClientID()
	roomID := dir.CreateRoom(host)
	if err := dir.JoinRoom(guest, roomID); err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}

	hostConn := newClientSocket(t)
	guestConn := newClientSocket(t)

	// Prime both registries, then collect FoundPeer on both sides.
	sendProbe(t, hostConn, c.LocalAddr(), host)
	sendProbe(t, guestConn, c.LocalAddr(), guest)

	hostSaw := waitForFound(t, hostConn, c.LocalAddr(), host)
	guestSaw := waitForFound(t, guestConn, c.LocalAddr(), guest)

	guestAddr := guestConn.LocalAddr().(*net.UDPAddr).AddrPort()
	hostAddr := hostConn.LocalAddr().(*net.UDPAddr).AddrPort()

	if hostSaw.Port() != guestAddr.Port() {
		t.Errorf("host learned %s, want guest port %d", hostSaw, guestAddr.Port())
	}
	if guestSaw.Port() != hostAddr.Port() {
		t.Errorf("guest learned %s, want host port %d", guestSaw, hostAddr.Port())
	}
}

func TestMalformedProbeIsDropped(t *testing.T) {
	c := startCoordinator(t, directory.New(), DefaultConfig())

	conn := newClientSocket(t)
	if _, err := conn.WriteTo([]byte{1, 2, 3}, c.LocalAddr()); err != nil {
		t.Fatalf("send error: %v", err)
	}

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, _, err := conn.ReadFromUDPAddrPort(buf); err == nil {
		t.Errorf("short probe got a %d-byte reply % x, want silence", n, buf[:n])
	}
}

func TestStaleEndpointEvicted(t *testing.T) {
	dir := directory.New()
	cfg := Config{
		StaleAfter:     150 * time.Millisecond,
		CleanupEvery:   30 * time.Millisecond,
		ReadBufferSize: 2048,
	}
	c := startCoordinator(t, dir, cfg)

	host, _ := identity.NewClientID()
	guest, _ := identity.NewClientID()
	roomID := dir.CreateRoom(host)
	if err := dir.JoinRoom(guest, roomID); err != nil {
		t.Fatalf("JoinRoom error: %v", err)
	}

	hostConn := newClientSocket(t)
	guestConn := newClientSocket(t)

	sendProbe(t, hostConn, c.LocalAddr(), host)
	sendProbe(t, guestConn, c.LocalAddr(), guest)
	waitForFound(t, hostConn, c.LocalAddr(), host)

	// Let the guest go idle past the staleness threshold; the host keeps
	// probing and must fall back to WaitingPeer once the guest is evicted.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		drain(t, hostConn)
		sendProbe(t, hostConn, c.LocalAddr(), host)

		reply := readReply(t, hostConn)
		if len(reply) == 1 && reply[0] == protocol.MsgWaitingPeer {
			return // guest evicted
		}
	}
	t.Fatal("guest endpoint was never evicted")
}

// drain discards any replies already queued on conn.
func drain(t *testing.T, conn *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 64)
	for {
		conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		if _, _, err := conn.ReadFromUDPAddrPort(buf); err != nil {
			return
		}
	}
}
