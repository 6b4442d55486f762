// Package control provides the session-control HTTP API: creating, joining
// and leaving rooms. It is the only writer of the session directory.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/peerlink/synapse/internal/directory"
	"github.com/peerlink/synapse/internal/identity"
	"github.com/peerlink/synapse/internal/logging"
	"github.com/peerlink/synapse/internal/metrics"
)

// Config contains control server settings.
type Config struct {
	// Address to listen on (e.g. ":3000")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// RateLimit caps accepted requests per second; 0 disables limiting.
	RateLimit float64

	// RateBurst is the limiter's burst allowance.
	RateBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:      ":3000",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		RateLimit:    100,
		RateBurst:    200,
	}
}

// Server is the session-control HTTP server.
type Server struct {
	cfg      Config
	dir      *directory.Directory
	logger   *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a control server over the given directory.
func NewServer(cfg Config, dir *directory.Directory, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		dir:     dir,
		logger:  logger.With(slog.String(logging.KeyComponent, "control")),
		metrics: m,
	}

	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /create_room", s.limited(s.handleCreateRoom))
	mux.HandleFunc("POST /join_room/{room_id}", s.limited(s.handleJoinRoom))
	mux.HandleFunc("POST /leave_room", s.limited(s.handleLeaveRoom))
	s.mux = mux

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Handler returns the route mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// limited wraps a handler with the request rate limiter.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next(w, r)
	}
}

type clientRequest struct {
	ClientID string `json:"client_id"`
}

type createRoomResponse struct {
	RoomID uint64 `json:"room_id"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	client, ok := s.decodeClient(w, r, "create")
	if !ok {
		return
	}

	roomID := s.dir.CreateRoom(client)
	s.recordStats("create", "ok")

	s.logger.Info("room created",
		slog.Uint64(logging.KeyRoomID, uint64(roomID)),
		slog.String(logging.KeyClientID, client.ShortString()))

	writeJSON(w, http.StatusOK, createRoomResponse{RoomID: uint64(roomID)})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseUint(r.PathValue("room_id"), 10, 64)
	if err != nil {
		s.recordStats("join", "bad_request")
		writeError(w, http.StatusBadRequest, "could not parse room id")
		return
	}

	client, ok := s.decodeClient(w, r, "join")
	if !ok {
		return
	}

	switch err := s.dir.JoinRoom(client, directory.RoomID(roomID)); {
	case errors.Is(err, directory.ErrRoomNotFound):
		s.recordStats("join", "not_found")
		writeError(w, http.StatusNotFound, "room not found")
	case errors.Is(err, directory.ErrClientBusy):
		s.recordStats("join", "conflict")
		writeError(w, http.StatusConflict, "client is already in another room")
	case errors.Is(err, directory.ErrRoomFull):
		s.recordStats("join", "conflict")
		writeError(w, http.StatusConflict, "room is full")
	case err != nil:
		s.recordStats("join", "error")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.recordStats("join", "ok")
		s.logger.Info("room joined",
			slog.Uint64(logging.KeyRoomID, roomID),
			slog.String(logging.KeyClientID, client.ShortString()))
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	client, ok := s.decodeClient(w, r, "leave")
	if !ok {
		return
	}

	switch err := s.dir.LeaveRoom(client); {
	case errors.Is(err, directory.ErrClientNotFound):
		s.recordStats("leave", "not_found")
		writeError(w, http.StatusNotFound, "client not in a room")
	case errors.Is(err, directory.ErrRoomNotFound):
		s.recordStats("leave", "not_found")
		writeError(w, http.StatusNotFound, "client's room no longer exists")
	case errors.Is(err, directory.ErrInconsistent):
		s.recordStats("leave", "error")
		writeError(w, http.StatusInternalServerError, "client's cached room was incorrect")
	case err != nil:
		s.recordStats("leave", "error")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.recordStats("leave", "ok")
		s.logger.Info("room left", slog.String(logging.KeyClientID, client.ShortString()))
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

// decodeClient reads the request body and parses the decimal client id.
// On failure it writes the error response itself and returns false.
func (s *Server) decodeClient(w http.ResponseWriter, r *http.Request, op string) (identity.ClientID, bool) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordStats(op, "bad_request")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return identity.ZeroID, false
	}

	client, err := identity.ParseClientID(req.ClientID)
	if err != nil {
		s.recordStats(op, "bad_request")
		writeError(w, http.StatusBadRequest, "could not parse client id")
		return identity.ZeroID, false
	}
	return client, true
}

// recordStats counts the request and refreshes the occupancy gauges.
func (s *Server) recordStats(op, result string) {
	s.metrics.ControlRequests.WithLabelValues(op, result).Inc()

	stats := s.dir.Stats()
	s.metrics.RoomsActive.Set(float64(stats.Rooms))
	s.metrics.ClientsInRooms.Set(float64(stats.Clients))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
