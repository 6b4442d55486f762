// Package server wires the synapse components together: the session
// directory, the control API, the punch and relay UDP engines and the
// optional health endpoint.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peerlink/synapse/internal/config"
	"github.com/peerlink/synapse/internal/control"
	"github.com/peerlink/synapse/internal/directory"
	"github.com/peerlink/synapse/internal/health"
	"github.com/peerlink/synapse/internal/logging"
	"github.com/peerlink/synapse/internal/metrics"
	"github.com/peerlink/synapse/internal/punch"
	"github.com/peerlink/synapse/internal/relay"
)

// Server is the top-level synapse process. It owns the shared session
// directory and runs the three listeners plus the optional health server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	dir *directory.Directory

	controlSrv *control.Server
	healthSrv  *health.Server

	punchConn *net.UDPConn
	relayConn *net.UDPConn
	punchEng  *punch.Coordinator
	relayEng  *relay.Forwarder

	punchRunning atomic.Bool
	relayRunning atomic.Bool

	running  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server from the given configuration. Sockets are not
// bound until Start.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.Default(),
		dir:     directory.New(),
	}

	s.controlSrv = control.NewServer(control.Config{
		Address:      cfg.Control.Address,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
		RateLimit:    cfg.Control.RateLimit,
		RateBurst:    cfg.Control.RateBurst,
	}, s.dir, logger, s.metrics)

	if cfg.Health.Enabled {
		s.healthSrv = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, s)
	}

	return s, nil
}

// Start binds all listeners and starts the engine loops.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	punchCfg, err := engineConfig(s.cfg.Punch)
	if err != nil {
		return err
	}
	relayCfg, err := engineConfig(s.cfg.Relay)
	if err != nil {
		return err
	}

	punchConn, err := listenUDP(s.cfg.Punch.Address)
	if err != nil {
		return fmt.Errorf("bind punch socket: %w", err)
	}
	s.punchConn = punchConn

	relayConn, err := listenUDP(s.cfg.Relay.Address)
	if err != nil {
		punchConn.Close()
		return fmt.Errorf("bind relay socket: %w", err)
	}
	s.relayConn = relayConn

	if err := s.controlSrv.Start(); err != nil {
		punchConn.Close()
		relayConn.Close()
		return fmt.Errorf("start control server: %w", err)
	}

	s.punchEng = punch.NewCoordinator(punchConn, s.dir, punch.Config{
		StaleAfter:     punchCfg.staleAfter,
		CleanupEvery:   punchCfg.cleanupEvery,
		ReadBufferSize: punchCfg.readBuffer,
	}, s.logger, s.metrics)

	s.relayEng = relay.NewForwarder(relayConn, s.dir, relay.Config{
		StaleAfter:     relayCfg.staleAfter,
		CleanupEvery:   relayCfg.cleanupEvery,
		ReadBufferSize: relayCfg.readBuffer,
	}, s.logger, s.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.punchRunning.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.punchRunning.Store(false)
		if err := s.punchEng.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("punch engine stopped",
				slog.String(logging.KeyError, err.Error()))
		}
	}()

	s.relayRunning.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.relayRunning.Store(false)
		if err := s.relayEng.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("relay engine stopped",
				slog.String(logging.KeyError, err.Error()))
		}
	}()

	if s.healthSrv != nil {
		if err := s.healthSrv.Start(); err != nil {
			s.logger.Error("start health server",
				slog.String(logging.KeyError, err.Error()))
		}
	}

	s.running.Store(true)

	s.logger.Info("server started",
		slog.String("control", s.controlSrv.Address().String()),
		slog.String("punch", punchConn.LocalAddr().String()),
		slog.String("relay", relayConn.LocalAddr().String()))

	return nil
}

// Stop shuts down all listeners and waits for the engine loops to exit.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)

		if s.cancel != nil {
			s.cancel()
		}
		if s.punchConn != nil {
			s.punchConn.Close()
		}
		if s.relayConn != nil {
			s.relayConn.Close()
		}
		s.wg.Wait()

		if stopErr := s.controlSrv.Stop(); stopErr != nil {
			err = stopErr
		}
		if s.healthSrv != nil {
			if stopErr := s.healthSrv.Stop(); stopErr != nil && err == nil {
				err = stopErr
			}
		}

		s.logger.Info("server stopped")
	})
	return err
}

// IsRunning reports whether the server has been started and not stopped.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	dirStats := s.dir.Stats()
	return health.Stats{
		Rooms:        dirStats.Rooms,
		Clients:      dirStats.Clients,
		PunchRunning: s.punchRunning.Load(),
		RelayRunning: s.relayRunning.Load(),
	}
}

// Directory exposes the shared session directory.
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// ControlAddress returns the bound control listener address, nil before Start.
func (s *Server) ControlAddress() net.Addr {
	return s.controlSrv.Address()
}

// PunchAddress returns the bound punch socket address, nil before Start.
func (s *Server) PunchAddress() net.Addr {
	if s.punchConn == nil {
		return nil
	}
	return s.punchConn.LocalAddr()
}

// RelayAddress returns the bound relay socket address, nil before Start.
func (s *Server) RelayAddress() net.Addr {
	if s.relayConn == nil {
		return nil
	}
	return s.relayConn.LocalAddr()
}

type engineSettings struct {
	staleAfter   time.Duration
	cleanupEvery time.Duration
	readBuffer   int
}

func engineConfig(e config.EngineConfig) (engineSettings, error) {
	buf, err := e.ReadBufferBytes()
	if err != nil {
		return engineSettings{}, err
	}
	return engineSettings{
		staleAfter:   e.StaleAfter,
		cleanupEvery: e.CleanupEvery,
		readBuffer:   buf,
	}, nil
}

func listenUDP(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}
