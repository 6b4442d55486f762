package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/peerlink/synapse/internal/config"
	"github.com/peerlink/synapse/internal/identity"
	"github.com/peerlink/synapse/internal/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Control.Address = "127.0.0.1:0"
	cfg.Punch.Address = "127.0.0.1:0"
	cfg.Relay.Address = "127.0.0.1:0"
	cfg.Health.Enabled = false
	return cfg
}

func startTestServer(t *testing.T) *Server {
	t.Helper()

	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	return s
}

func TestNew(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("new server should not be running")
	}
	if s.PunchAddress() != nil {
		t.Error("punch address should be nil before Start")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Punch.StaleAfter = -time.Second

	if _, err := New(cfg); err == nil {
		t.Error("New() should reject an invalid config")
	}
}

func TestStartStop(t *testing.T) {
	s := startTestServer(t)

	if !s.IsRunning() {
		t.Error("server should report running after Start")
	}
	if s.ControlAddress() == nil || s.PunchAddress() == nil || s.RelayAddress() == nil {
		t.Fatal("all listener addresses should be bound")
	}

	stats := s.Stats()
	if !stats.PunchRunning || !stats.RelayRunning {
		t.Error("both engines should report running")
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not report running after Stop")
	}
	// Stop is idempotent.
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func postJSON(t *testing.T, addr net.Addr, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("http://%s%s", addr, path),
		"application/json",
		strings.NewReader(body),
	)
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// punchProbe sends a 16-byte probe for id and returns the engine's reply.
func punchProbe(t *testing.T, conn *net.UDPConn, server net.Addr, id identity.ClientID) []byte {
	t.Helper()

	if _, err := conn.WriteTo(id.Bytes(), server); err != nil {
		t.Fatalf("probe send error: %v", err)
	}
	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("probe reply read error: %v", err)
	}
	return buf[:n]
}

// The full client flow: create a room over HTTP, join it, probe the punch
// engine from both sides, then exchange a datagram through the relay.
func TestEndToEndSession(t *testing.T) {
	s := startTestServer(t)

	host, _ := identity.NewClientID()
	guest, _ := identity.NewClientID()

	// Host creates the room.
	resp := postJSON(t, s.ControlAddress(), "/create_room",
		fmt.Sprintf(`{"client_id": %q}`, host.String()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create_room status = %d", resp.StatusCode)
	}
	var created struct {
		RoomID uint64 `json:"room_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("create_room body: %v", err)
	}

	// Guest joins it.
	resp = postJSON(t, s.ControlAddress(),
		fmt.Sprintf("/join_room/%d", created.RoomID),
		fmt.Sprintf(`{"client_id": %q}`, guest.String()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join_room status = %d", resp.StatusCode)
	}

	hostConn, _ := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	defer hostConn.Close()
	guestConn, _ := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	defer guestConn.Close()

	// Host probes alone and is told to wait.
	reply := punchProbe(t, hostConn, s.PunchAddress(), host)
	if len(reply) != 1 || reply[0] != protocol.MsgWaitingPeer {
		t.Fatalf("lone host reply = % x, want WaitingPeer", reply)
	}

	// Guest probes; both sides are now known, so the guest learns the
	// host's endpoint immediately.
	reply = punchProbe(t, guestConn, s.PunchAddress(), guest)
	if len(reply) == 0 || reply[0] != protocol.MsgFoundPeer {
		t.Fatalf("guest reply = % x, want FoundPeer", reply)
	}
	addr, err := protocol.DecodeFoundPeer(reply)
	if err != nil {
		t.Fatalf("DecodeFoundPeer error: %v", err)
	}
	if addr.Port() != uint16(hostConn.LocalAddr().(*net.UDPAddr).Port) {
		t.Errorf("FoundPeer port = %d, want host port %d",
			addr.Port(), hostConn.LocalAddr().(*net.UDPAddr).Port)
	}

	// The engine notifies both sides; drain the host's copy so it does
	// not interleave with the relay handshake below.
	buf := make([]byte, 64)
	hostConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := hostConn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("host FoundPeer read error: %v", err)
	}
	if buf[0] != protocol.MsgFoundPeer {
		t.Fatalf("host reply = % x, want FoundPeer", buf[:n])
	}

	// Fall back to the relay: both bind, then host sends a payload.
	bindPkt := append([]byte{protocol.MsgRelayBind}, host.Bytes()...)
	hostConn.WriteTo(bindPkt, s.RelayAddress())
	ack := make([]byte, 16)
	hostConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, _, err := hostConn.ReadFromUDPAddrPort(ack); err != nil || n != 1 {
		t.Fatalf("host bind ack: n=%d err=%v", n, err)
	}

	bindPkt = append([]byte{protocol.MsgRelayBind}, guest.Bytes()...)
	guestConn.WriteTo(bindPkt, s.RelayAddress())
	guestConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, _, err := guestConn.ReadFromUDPAddrPort(ack); err != nil || n != 1 {
		t.Fatalf("guest bind ack: n=%d err=%v", n, err)
	}

	payload := append([]byte{protocol.MsgRelayData}, []byte("hello through the relay")...)
	hostConn.WriteTo(payload, s.RelayAddress())

	buf = make([]byte, 2048)
	guestConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = guestConn.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("guest relay read error: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("relayed = % x, want % x", buf[:n], payload)
	}

	// Directory reflects the occupied room.
	stats := s.Stats()
	if stats.Rooms != 1 || stats.Clients != 2 {
		t.Errorf("stats = %+v, want 1 room with 2 clients", stats)
	}
}

func TestHealthServerEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if s.healthSrv == nil || s.healthSrv.Address() == nil {
		t.Fatal("health server should be bound")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.healthSrv.Address()))
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", resp.StatusCode)
	}
}
