package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/tunnel"
	"github.com/glamp/wingman-tunnel/internal/webrtc"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// options holds the resolved flag/env configuration for one run.
type options struct {
	serverURL   string
	sessionID   string
	targetPort  int
	developerID string
	logLevel    string
	noP2P       bool
}

func (o *options) validate() error {
	if o.sessionID == "" {
		return fmt.Errorf("--session-id is required (or set SESSION_ID)")
	}
	if o.targetPort < 1 || o.targetPort > 65535 {
		return fmt.Errorf("--target-port must be in [1, 65535]")
	}
	return nil
}

// newRootCmd builds the CLI. Each flag falls back to its environment
// variable when unset, so CI and shell wrappers can configure the client
// without flags.
func newRootCmd(run func(*options) error) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "wingman",
		Short: "wingman tunnel client",
		Long:  "Connects to a tunnel server session and forwards incoming requests to a local port.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return run(opts)
		},
	}

	root.Flags().StringVar(&opts.serverURL, "tunnel-server-url",
		envOr("TUNNEL_SERVER_URL", "wss://wingmanux.com/ws"), "tunnel server websocket URL")
	root.Flags().StringVar(&opts.sessionID, "session-id",
		envOr("SESSION_ID", ""), "session id to serve (required)")
	root.Flags().IntVar(&opts.targetPort, "target-port",
		envIntOr("TARGET_PORT", 3000), "local port to forward requests to")
	root.Flags().StringVar(&opts.developerID, "developer-id",
		envOr("DEVELOPER_ID", ""), "developer identity reported to the server")
	root.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().BoolVar(&opts.noP2P, "no-p2p", false, "disable direct peer-to-peer upgrade")
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func runTunnel(opts *options) error {
	if err := logger.Init(opts.logLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	client := tunnel.NewClient(opts.serverURL, opts.sessionID, opts.targetPort)
	client.ClientInfo = clientInfo(opts.developerID)
	client.OnStateChange = func(state string, err error) {
		switch state {
		case "connected":
			fmt.Printf("tunnel up: session %s -> localhost:%d\n", opts.sessionID, opts.targetPort)
		case "disconnected":
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Printf("tunnel down: %v\n", err)
			}
		}
	}

	if !opts.noP2P {
		peer := webrtc.NewPeer(opts.sessionID, nil, func(ctx context.Context, req ws.Request, write webrtc.WriteFunc) {
			client.ServeRequest(ctx, req, tunnel.WriteFunc(write))
		})
		defer peer.Close()
		client.OnSignal = func(ctx context.Context, sig ws.Signal, write tunnel.WriteFunc) {
			peer.HandleSignal(ctx, sig, webrtc.WriteFunc(write))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		fmt.Println("stopped")
		printStats(client.Stats())
		return nil
	}
	printStats(client.Stats())
	return err
}

// clientInfo is the register frame's free-form identity string; the
// developer id rides here since the frame has no dedicated field.
func clientInfo(developerID string) string {
	info := fmt.Sprintf("wingman/%s %s", runtime.Version(), runtime.GOOS)
	if developerID != "" {
		info += " developer=" + developerID
	}
	return info
}

func main() {
	if err := newRootCmd(runTunnel).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printStats(s tunnel.StatsSnapshot) {
	if s.TotalRequests == 0 {
		return
	}
	fmt.Printf("served %d requests (%d ok, %d failed), avg latency %s\n",
		s.TotalRequests, s.SuccessfulRequests, s.FailedRequests,
		s.AverageLatency.Round(time.Millisecond))
}
