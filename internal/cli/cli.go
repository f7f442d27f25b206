// ============================================================================
// dispatchctl CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running a headless mechanic session and the
//          reference dispatch server
//
// Command Structure:
//   dispatchctl                    # Root command
//   ├── run                        # Start a mechanic session (intents on stdin)
//   │   └── --offline              # Start unavailable
//   ├── serve                      # Start the reference dispatch server
//   │   └── --port                 # Override server.port
//   ├── token                      # Mint a mechanic bearer token
//   ├── status                     # Show config and the server's view of us
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// Signal Handling:
//   run and serve stop gracefully on SIGINT or SIGTERM:
//   1. Cancel the session context
//   2. Stop the controller (stream closed, in-flight calls drained)
//   3. Shut the HTTP server down
//
// Metrics:
//   If metrics.enabled, /metrics is served on metrics.port from a separate
//   goroutine.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/api"
	"github.com/ChuLiYu/motofix-dispatch/internal/config"
	"github.com/ChuLiYu/motofix-dispatch/internal/controller"
	"github.com/ChuLiYu/motofix-dispatch/internal/metrics"
	"github.com/ChuLiYu/motofix-dispatch/internal/notify"
	"github.com/ChuLiYu/motofix-dispatch/internal/server"
	"github.com/ChuLiYu/motofix-dispatch/internal/transport"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/spf13/cobra"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "dispatchctl: real-time job dispatch for roadside mechanics",
		Long: `dispatchctl runs a mechanic's dispatch session against a dispatch backend:
- live job offers over a websocket stream
- first-click-wins claims with race reconciliation
- assignment status updates and resync after reconnect
- a reference server for local demos`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildTokenCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a mechanic dispatch session",
		Long:  "Connect to the dispatch backend and read intents (accept, reject, advance, ...) from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			cfg.Log.Install(os.Stderr)

			ctx, cancel := signalContext()
			defer cancel()
			return runSession(ctx, cfg, offline, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "start unavailable; use 'online' to receive offers")
	return cmd
}

// runSession wires the client stack from cfg and drives it from in.
func runSession(ctx context.Context, cfg *config.Config, offline bool, in io.Reader, out io.Writer) error {
	creds := cfg.Auth.Credentials()
	self := cfg.Identity()

	client := api.NewClient(api.Config{
		BaseURL:    cfg.ServerURL,
		Mechanic:   self,
		ETAMinutes: cfg.Mechanic.ETAMinutes,
		Timeout:    cfg.API.RequestTimeout,
	}, creds)

	streamURL, err := transport.StreamURL(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("stream url: %w", err)
	}
	stream := transport.New(transport.Config{
		URL: streamURL,
		Backoff: transport.Backoff{
			Base:       cfg.Transport.ReconnectBase,
			Max:        cfg.Transport.ReconnectMax,
			Multiplier: cfg.Transport.Multiplier,
			Jitter:     cfg.Transport.Jitter,
		},
		MaxRetries:       cfg.Transport.MaxRetries,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		OfferTTL:         cfg.Dispatch.DefaultOfferTTL,
	}, creds)

	var location controller.LocationFunc
	if cfg.Mechanic.Latitude != 0 || cfg.Mechanic.Longitude != 0 {
		lat, lon := cfg.Mechanic.Latitude, cfg.Mechanic.Longitude
		location = func() (float64, float64, bool) { return lat, lon, true }
	}

	notifier := notify.Multi{
		notify.Log{},
		notify.Func(func(n types.Notification) { printNotification(out, n) }),
	}
	ctrl := controller.New(controller.Config{
		Self:             self,
		TickInterval:     cfg.Dispatch.TickInterval,
		CallTimeout:      cfg.API.RequestTimeout,
		Workers:          cfg.API.Workers,
		DeclineWhenBusy:  cfg.Dispatch.DeclineWhenBusy,
		StartUnavailable: offline,
		LocationInterval: cfg.Dispatch.LocationInterval,
		Location:         location,
	}, client, stream, notifier)

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(nil, self.ID)
		stream.SetRecorder(collector)
		ctrl.SetRecorder(collector)
		startMetrics(cfg.Metrics.Port)
	}

	slog.Info("Starting dispatch session", "mechanic_id", self.ID, "server", cfg.ServerURL)
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer func() {
		ctrl.Stop()
		slog.Info("Session stopped. Goodbye!")
	}()

	fmt.Fprintf(out, "Mechanic %s (%s) ready. Type 'help' for commands.\n", self.Name, self.ID)
	con := &console{
		ctrl:    ctrl,
		partner: client.CallPartner,
		out:     out,
		timeout: cfg.API.RequestTimeout + 5*time.Second,
	}
	return con.loop(ctx, in)
}

// ============================================================================
// serve / token
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reference dispatch server",
		Long:  "Serve the dispatch REST API and job stream for local demos and tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			cfg.Log.Install(os.Stderr)

			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	var locker server.Locker
	if cfg.Server.RedisURL != "" {
		rl, err := server.NewRedisLocker(ctx, cfg.Server.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rl.Close()
		locker = rl
		slog.Info("Using Redis claim locks")
	}
	if cfg.Server.JWTSecret == "" {
		slog.Warn("server.jwt_secret is empty, bearer values are taken as mechanic ids")
	}

	srv := server.New(server.Config{OfferTTL: cfg.Server.OfferTTL}, server.NewAuth(cfg.Server.JWTSecret), locker)
	if cfg.Metrics.Enabled {
		startMetrics(cfg.Metrics.Port)
	}
	return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
}

func buildTokenCommand() *cobra.Command {
	var id, name string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a mechanic",
		Long:  "Sign a token with server.jwt_secret. Defaults to the configured mechanic.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			tok, err := mintToken(cfg, id, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "mechanic id (default mechanic.id)")
	cmd.Flags().StringVar(&name, "name", "", "mechanic name (default mechanic.name)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func mintToken(cfg *config.Config, id, name string, ttl time.Duration) (string, error) {
	if cfg.Server.JWTSecret == "" {
		return "", errors.New("server.jwt_secret is not set")
	}
	m := cfg.Identity()
	if id != "" {
		m.ID = types.MechanicID(id)
	}
	if name != "" {
		m.Name = name
	}
	if m.ID == "" {
		return "", errors.New("mechanic id is required (use --id or mechanic.id)")
	}
	return server.NewAuth(cfg.Server.JWTSecret).Mint(m, ttl)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Long:  "Display the configuration and what the dispatch backend reports for this mechanic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return showStatus(ctx, cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	p := func(format string, args ...any) { fmt.Fprintf(out, format, args...) }

	p("\n╔═══════════════════════════════════════════════════════════╗\n")
	p("║           dispatchctl Session Status                      ║\n")
	p("╚═══════════════════════════════════════════════════════════╝\n\n")

	p("📋 Configuration:\n")
	p("  └─ Config File:     %s\n", configFile)
	p("  └─ Server:          %s\n", cfg.ServerURL)
	p("  └─ Mechanic:        %s (%s)\n", cfg.Mechanic.Name, cfg.Mechanic.ID)
	p("  └─ ETA:             %d min\n", cfg.Mechanic.ETAMinutes)
	p("\n")

	p("🔌 Stream:\n")
	p("  ├─ Reconnect:       %s → %s (x%.1f)\n", cfg.Transport.ReconnectBase, cfg.Transport.ReconnectMax, cfg.Transport.Multiplier)
	if cfg.Transport.MaxRetries == 0 {
		p("  └─ Max Retries:     unbounded\n")
	} else {
		p("  └─ Max Retries:     %d\n", cfg.Transport.MaxRetries)
	}
	p("\n")

	p("🛠  Current Job:\n")
	switch {
	case cfg.Mechanic.ID == "":
		p("  └─ mechanic.id not set\n")
	default:
		client := api.NewClient(api.Config{BaseURL: cfg.ServerURL, Mechanic: cfg.Identity(), Timeout: cfg.API.RequestTimeout}, cfg.Auth.Credentials())
		job, err := client.CurrentJob(ctx)
		switch {
		case err != nil:
			p("  └─ ⚠️  Server unreachable: %v\n", err)
		case job == nil:
			p("  └─ None\n")
		default:
			p("  ├─ Job:             %s\n", job.ID)
			p("  ├─ Status:          %s\n", job.Status)
			p("  └─ Location:        %s\n", job.CustomerLocation)
		}
	}
	p("\n")

	p("📡 Metrics:\n")
	if cfg.Metrics.Enabled {
		p("  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		p("  └─ Status: ⚠️  Disabled\n")
	}
	p("\n═══════════════════════════════════════════════════════════\n")
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func startMetrics(port int) {
	go func() {
		slog.Info("Starting metrics server", "port", port)
		if err := metrics.StartServer(port); err != nil {
			slog.Error("Metrics server error", "error", err)
		}
	}()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			slog.Info("Received shutdown signal, stopping gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
