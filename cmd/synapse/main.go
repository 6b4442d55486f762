// Package main provides the CLI entry point for the synapse rendezvous server.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerlink/synapse/internal/config"
	"github.com/peerlink/synapse/internal/identity"
	"github.com/peerlink/synapse/internal/protocol"
	"github.com/peerlink/synapse/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synapse",
		Short: "Synapse - UDP rendezvous and relay server",
		Long: `Synapse is a rendezvous server for peer-to-peer UDP sessions.

Clients pair up in rooms over an HTTP control API, learn each other's
public endpoints through the punch coordinator for NAT hole punching,
and fall back to a UDP relay when a direct path cannot be established.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(probeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var configPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  "Write a configuration file with default values to the given path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			cfg := config.Default()
			if err := os.WriteFile(configPath, []byte(cfg.String()), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote default configuration to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rendezvous server",
		Long:  "Start the control API and the punch and relay UDP engines.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			fmt.Println("Starting synapse server...")

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("Control API:  %s\n", srv.ControlAddress())
			fmt.Printf("Punch engine: %s\n", srv.PunchAddress())
			fmt.Printf("Relay engine: %s\n", srv.RelayAddress())
			if cfg.Health.Enabled {
				fmt.Printf("Health:       %s\n", cfg.Health.Address)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := srv.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Query a running server's health endpoint and display its statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/healthz", healthAddr))
			if err != nil {
				return fmt.Errorf("failed to reach server at %s: %w", healthAddr, err)
			}
			defer resp.Body.Close()

			var stats struct {
				Status       string `json:"status"`
				Rooms        int    `json:"rooms"`
				Clients      int    `json:"clients"`
				PunchRunning bool   `json:"punch_running"`
				RelayRunning bool   `json:"relay_running"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				return fmt.Errorf("bad health response: %w", err)
			}

			fmt.Printf("Status:  %s\n", stats.Status)
			fmt.Printf("Rooms:   %d\n", stats.Rooms)
			fmt.Printf("Clients: %d\n", stats.Clients)
			fmt.Printf("Punch:   %s\n", engineState(stats.PunchRunning))
			fmt.Printf("Relay:   %s\n", engineState(stats.RelayRunning))
			return nil
		},
	}

	cmd.Flags().StringVarP(&healthAddr, "address", "a", "localhost:8080", "Health endpoint address")

	return cmd
}

func probeCmd() *cobra.Command {
	var serverAddr string
	var clientID string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a punch probe",
		Long: `Send a single probe to a punch engine and print the reply.

Uses the given client id, or generates a random one. The client must
already be in a room (see the control API) for the engine to report a
peer endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id identity.ClientID
			if clientID != "" {
				parsed, err := identity.ParseClientID(clientID)
				if err != nil {
					return fmt.Errorf("bad client id: %w", err)
				}
				id = parsed
			} else {
				// A v4 UUID is 16 random bytes, exactly a client id.
				u := uuid.New()
				generated, err := identity.FromBytes(u[:])
				if err != nil {
					return err
				}
				id = generated
				fmt.Printf("Client ID: %s\n", id.String())
			}

			raddr, err := net.ResolveUDPAddr("udp", serverAddr)
			if err != nil {
				return fmt.Errorf("bad server address: %w", err)
			}
			conn, err := net.DialUDP("udp", nil, raddr)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}
			defer conn.Close()

			if _, err := conn.Write(id.Bytes()); err != nil {
				return fmt.Errorf("send probe: %w", err)
			}

			buf := make([]byte, 64)
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := conn.Read(buf)
			if err != nil {
				return fmt.Errorf("no reply: %w", err)
			}

			switch {
			case n == 1 && buf[0] == protocol.MsgWaitingPeer:
				fmt.Println("Reply: waiting for peer")
			case n > 0 && buf[0] == protocol.MsgFoundPeer:
				addr, err := protocol.DecodeFoundPeer(buf[:n])
				if err != nil {
					return fmt.Errorf("bad FoundPeer reply: %w", err)
				}
				fmt.Printf("Reply: peer at %s\n", addr)
			default:
				return fmt.Errorf("unrecognized reply: % x", buf[:n])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:9000", "Punch engine address")
	cmd.Flags().StringVarP(&clientID, "client-id", "i", "", "Decimal client id (random if omitted)")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("No config file at %s, using defaults\n", path)
			return config.Default(), nil
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func engineState(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}
